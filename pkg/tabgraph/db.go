// Package tabgraph wires the graph store, intent pipeline, mutation log, and
// snapshot worker into one embeddable engine. This is the only package an
// embedding shell needs to import.
//
//	db, err := tabgraph.Open(cfg, logger)
//	defer db.Close()
//
//	err = db.Submit(ctx, intent.SourceNavigation, intent.CreateNode(url, origin))
//	events, cancel := db.Subscribe(16)
package tabgraph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftbrowser/tabgraph/pkg/config"
	"github.com/driftbrowser/tabgraph/pkg/graph"
	"github.com/driftbrowser/tabgraph/pkg/intent"
	"github.com/driftbrowser/tabgraph/pkg/wal"
)

// ErrClosed is returned by operations on a closed DB.
var ErrClosed = errors.New("tabgraph: closed")

// DB is the graph state and persistence engine. All mutation goes through
// Submit; all reading goes through View or Subscribe-triggered re-queries.
type DB struct {
	cfg    *config.Config
	logger *zap.Logger

	mu       sync.Mutex // guards dataDir/log identity across SwitchDataDir
	dataDir  string
	log      *wal.Log
	store    *graph.Store
	pipeline *intent.Pipeline

	recovery *wal.RecoveryInfo

	stopSnap chan struct{}
	snapDone chan struct{}
	closed   bool
}

// Open recovers the graph from cfg's data directory, opens the mutation log,
// and starts the intent pipeline and snapshot worker. Recovery runs to
// completion before any external intent is accepted.
func Open(cfg *config.Config, logger *zap.Logger) (*DB, error) {
	if cfg == nil {
		cfg = config.LoadDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dataDir := cfg.Storage.DataDir

	store, info, err := wal.Recover(dataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("tabgraph: recovery failed: %w", err)
	}
	logger.Info("graph recovered",
		zap.String("data_dir", dataDir),
		zap.String("snapshot", info.SnapshotFile),
		zap.Uint64("sequence", info.Sequence),
		zap.Int("nodes", store.NodeCount()),
		zap.Int("edges", store.EdgeCount()),
		zap.String("replay", info.Replay.Summary()))

	log, err := wal.Open(dataDir, &wal.Config{
		SyncMode:          cfg.Storage.WALSyncMode,
		BatchSyncInterval: cfg.Storage.WALSyncInterval,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	// The log may hold fewer entries than the snapshot covers, for example
	// right after compaction. New appends must land above the marker or
	// replay would filter them out.
	log.AdvanceSequence(info.Sequence)

	pipeline := intent.New(store, log, &intent.Config{
		QueueSize: cfg.Pipeline.QueueSize,
		Logger:    logger,
	})
	pipeline.Start()

	db := &DB{
		cfg:      cfg,
		logger:   logger,
		dataDir:  dataDir,
		log:      log,
		store:    store,
		pipeline: pipeline,
		recovery: info,
		stopSnap: make(chan struct{}),
		snapDone: make(chan struct{}),
	}
	go db.snapshotWorker()
	return db, nil
}

// RecoveryInfo reports what startup recovery found.
func (db *DB) RecoveryInfo() *wal.RecoveryInfo {
	return db.recovery
}

// DataDir returns the current storage directory.
func (db *DB) DataDir() string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.dataDir
}

// Err returns the fatal durability error that stopped the engine, if any.
func (db *DB) Err() error {
	return db.pipeline.Err()
}

// Submit queues one intent from src. It blocks under backpressure and
// returns once the intent is accepted for processing; acceptance never
// silently drops an intent.
func (db *DB) Submit(ctx context.Context, src intent.Source, in intent.Intent) error {
	return db.pipeline.Submit(ctx, src, in)
}

// Barrier blocks until every previously submitted intent is applied and
// logged (or resolved away).
func (db *DB) Barrier(ctx context.Context) error {
	return db.pipeline.Barrier(ctx)
}

// CreateNode submits a node-creation intent. An empty origin creates a
// standalone node; a set origin also creates one Hyperlink edge from it.
func (db *DB) CreateNode(ctx context.Context, src intent.Source, url string, origin graph.NodeID) error {
	return db.Submit(ctx, src, intent.CreateNode(url, origin))
}

// Navigate submits an in-place URL change for an existing node: same-tab
// navigation. It never creates a node.
func (db *DB) Navigate(ctx context.Context, src intent.Source, id graph.NodeID, url string) error {
	return db.Submit(ctx, src, intent.UpdateNodeURL(id, url))
}

// RemoveNode submits a node removal; its edges cascade.
func (db *DB) RemoveNode(ctx context.Context, src intent.Source, id graph.NodeID) error {
	return db.Submit(ctx, src, intent.RemoveNode(id))
}

// View runs fn with a consistent read of the graph. fn executes on the
// pipeline goroutine between batches, so it never observes a half-applied
// mutation; it must not block and must not retain the store.
func (db *DB) View(ctx context.Context, fn func(*graph.Store) error) error {
	var fnErr error
	if err := db.pipeline.Exec(ctx, func() { fnErr = fn(db.store) }); err != nil {
		return err
	}
	return fnErr
}

// Subscribe returns a channel of committed-batch change notifications. Slow
// consumers lose intermediate signals, never state; re-query through View.
func (db *DB) Subscribe(buffer int) (<-chan intent.Change, func()) {
	return db.pipeline.Subscribe(buffer)
}

// snapshotWorker triggers snapshots on a time interval and an entry-count
// threshold. The worker consumes point-in-time clones, so a slow disk never
// stalls the apply path.
func (db *DB) snapshotWorker() {
	defer close(db.snapDone)

	interval := db.cfg.Snapshot.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	timeTrigger := time.NewTicker(interval)
	defer timeTrigger.Stop()

	// The count trigger is polled; the log tracks entries since the last
	// snapshot mark.
	countPoll := time.NewTicker(time.Second)
	defer countPoll.Stop()

	for {
		select {
		case <-db.stopSnap:
			return
		case <-timeTrigger.C:
			db.maybeSnapshot(true)
		case <-countPoll.C:
			db.maybeSnapshot(false)
		}
	}
}

func (db *DB) maybeSnapshot(timeTriggered bool) {
	db.mu.Lock()
	log := db.log
	dir := db.dataDir
	db.mu.Unlock()

	since := log.SinceMark()
	if since == 0 {
		return
	}
	threshold := int64(db.cfg.Snapshot.EveryEntries)
	if !timeTriggered && (threshold <= 0 || since < threshold) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	view, seq, err := db.pipeline.CloneView(ctx)
	if err != nil {
		return
	}

	// A concurrent SwitchDataDir invalidates the clone's sequence.
	db.mu.Lock()
	stale := db.log != log
	db.mu.Unlock()
	if stale {
		return
	}
	db.writeSnapshot(dir, log, view, seq)
}

// writeSnapshot persists one snapshot and compacts the log behind it.
func (db *DB) writeSnapshot(dir string, log *wal.Log, view *graph.Store, seq uint64) {
	start := time.Now()
	if _, err := wal.WriteSnapshot(dir, wal.NewSnapshot(view, seq)); err != nil {
		db.logger.Warn("snapshot write failed", zap.Uint64("sequence", seq), zap.Error(err))
		return
	}

	if err := log.TruncateThrough(seq); err != nil && !errors.Is(err, wal.ErrClosed) {
		db.logger.Warn("log compaction failed", zap.Uint64("sequence", seq), zap.Error(err))
	}
	// The checkpoint both marks the snapshot boundary in the compacted log
	// and keeps the sequence counter recoverable from the file alone.
	if err := log.AppendCheckpoint(); err != nil && !errors.Is(err, wal.ErrClosed) {
		db.logger.Warn("checkpoint append failed", zap.Error(err))
	}
	log.MarkSnapshot()
	if err := wal.PruneSnapshots(dir, db.cfg.Snapshot.Keep); err != nil {
		db.logger.Warn("snapshot pruning failed", zap.Error(err))
	}

	db.logger.Info("snapshot written",
		zap.Uint64("sequence", seq),
		zap.Int("nodes", view.NodeCount()),
		zap.Int("edges", view.EdgeCount()),
		zap.Duration("took", time.Since(start)))
}

// SwitchDataDir moves the engine to a new storage directory at runtime: the
// current log is flushed and closed, a fresh log and snapshot are created in
// the new directory, and the in-memory graph carries over untouched. On
// error the engine keeps running against the old directory.
func (db *DB) SwitchDataDir(ctx context.Context, newDir string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	if newDir == db.dataDir {
		return nil
	}

	var (
		view    *graph.Store
		newLog  *wal.Log
		swapErr error
	)
	err := db.pipeline.Exec(ctx, func() {
		opened, err := wal.Open(newDir, &wal.Config{
			SyncMode:          db.cfg.Storage.WALSyncMode,
			BatchSyncInterval: db.cfg.Storage.WALSyncInterval,
			Logger:            db.logger,
		})
		if err != nil {
			swapErr = err
			return
		}
		old := db.pipeline.SwapLog(opened)
		if err := old.Close(); err != nil {
			db.logger.Warn("failed to close previous log", zap.Error(err))
		}
		newLog = opened
		view = db.store.Clone()
	})
	if err != nil {
		return err
	}
	if swapErr != nil {
		return fmt.Errorf("tabgraph: failed to open log in %s: %w", newDir, swapErr)
	}

	// The new directory gets an immediate snapshot at the new log's current
	// sequence, so it is recoverable on its own from this moment on. Without
	// it a crash would lose the carried-over graph, so a failed snapshot
	// fails the whole switch.
	if _, err := wal.WriteSnapshot(newDir, wal.NewSnapshot(view, newLog.Sequence())); err != nil {
		db.rollbackSwitch(ctx, newLog)
		return fmt.Errorf("tabgraph: failed to snapshot into %s: %w", newDir, err)
	}
	newLog.MarkSnapshot()

	db.log = newLog
	db.dataDir = newDir
	db.logger.Info("storage directory switched", zap.String("data_dir", newDir))
	return nil
}

// rollbackSwitch reinstates the previous data directory after a failed
// switch. Mutations applied while the abandoned log was briefly active never
// reached the old log, so the old directory gets a fresh snapshot of the
// current graph before the engine resumes against it.
func (db *DB) rollbackSwitch(ctx context.Context, abandoned *wal.Log) {
	var (
		reopened *wal.Log
		view     *graph.Store
		openErr  error
	)
	err := db.pipeline.Exec(ctx, func() {
		l, lerr := wal.Open(db.dataDir, &wal.Config{
			SyncMode:          db.cfg.Storage.WALSyncMode,
			BatchSyncInterval: db.cfg.Storage.WALSyncInterval,
			Logger:            db.logger,
		})
		if lerr != nil {
			openErr = lerr
			return
		}
		db.pipeline.SwapLog(l)
		reopened = l
		view = db.store.Clone()
	})
	if err == nil {
		err = openErr
	}
	if err != nil {
		db.logger.Error("rollback to previous data directory failed",
			zap.String("data_dir", db.dataDir), zap.Error(err))
		return
	}

	if err := abandoned.Close(); err != nil {
		db.logger.Warn("failed to close abandoned log", zap.Error(err))
	}
	if _, err := wal.WriteSnapshot(db.dataDir, wal.NewSnapshot(view, reopened.Sequence())); err != nil {
		db.logger.Warn("snapshot after rollback failed", zap.Error(err))
	} else {
		reopened.MarkSnapshot()
	}
	db.log = reopened
}

// Close shuts the engine down cleanly: stop intake, drain queued intents,
// write a final snapshot, and close the log. Safe to call twice.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	close(db.stopSnap)
	<-db.snapDone

	db.pipeline.Stop()

	// The pipeline is stopped, so the store is quiescent and can be read
	// directly for the shutdown snapshot.
	var snapErr error
	if db.pipeline.Err() == nil {
		seq := db.log.Sequence()
		if _, err := wal.WriteSnapshot(db.dataDir, wal.NewSnapshot(db.store, seq)); err != nil {
			snapErr = err
		} else {
			db.log.MarkSnapshot()
			if err := wal.PruneSnapshots(db.dataDir, db.cfg.Snapshot.Keep); err != nil {
				db.logger.Warn("snapshot pruning failed", zap.Error(err))
			}
		}
	}

	closeErr := db.log.Close()
	if snapErr != nil {
		return fmt.Errorf("tabgraph: shutdown snapshot failed: %w", snapErr)
	}
	if closeErr != nil && !errors.Is(closeErr, wal.ErrClosed) {
		return closeErr
	}
	return nil
}
