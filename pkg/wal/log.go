// Package wal provides the durable side of the tab graph: an append-only
// mutation log, point-in-time snapshots, and startup recovery.
//
// Every accepted mutation is appended to the log before it is acknowledged.
// Combined with periodic snapshots this bounds both data loss (to at most the
// current unsynced batch, zero in immediate mode) and recovery replay time.
//
//	log, err := wal.Open(dir, nil)
//	seq, err := log.Append(wal.OpAddNode, wal.NodeData{Node: n})
//
//	snap := wal.NewSnapshot(store, log.Sequence())
//	err = wal.WriteSnapshot(dir, snap)
//
//	store, info, err := wal.Recover(dir, logger)
package wal

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Sync modes for Append durability.
const (
	SyncImmediate = "immediate" // fsync after every append (default)
	SyncBatch     = "batch"     // fsync on a timer
	SyncNone      = "none"      // no fsync; tests and bulk import only
)

// Common log errors.
var (
	ErrClosed    = errors.New("wal: closed")
	ErrCorrupted = errors.New("wal: corrupted entry")
)

const logFileName = "graph.wal"

// LogPath returns the log file path inside dir.
func LogPath(dir string) string {
	return filepath.Join(dir, logFileName)
}

// Config controls log behavior.
type Config struct {
	// SyncMode is one of SyncImmediate, SyncBatch, SyncNone.
	SyncMode string

	// BatchSyncInterval applies in SyncBatch mode.
	BatchSyncInterval time.Duration

	// Logger receives diagnostics. Defaults to zap.NewNop.
	Logger *zap.Logger
}

// DefaultConfig returns the durable defaults: every append is synced before
// it is acknowledged.
func DefaultConfig() *Config {
	return &Config{
		SyncMode:          SyncImmediate,
		BatchSyncInterval: 100 * time.Millisecond,
	}
}

// Log is the append-only mutation log. Appends are safe for a single writer;
// the intent pipeline is that writer.
type Log struct {
	mu     sync.Mutex
	cfg    *Config
	dir    string
	file   *os.File
	writer *bufio.Writer

	sequence  atomic.Uint64
	sinceMark atomic.Int64 // entries appended since the last snapshot mark
	bytes     atomic.Int64
	closed    atomic.Bool

	syncTicker *time.Ticker
	stopSync   chan struct{}
}

// Open opens (or creates) the log in dir. The last sequence number is
// recovered from the existing file. A damaged tail is repaired before any
// append is accepted: records written behind garbage would be unreachable to
// every later read, so the file is rewritten up to the last well-formed entry
// and the refused bytes are copied aside.
func Open(dir string, cfg *Config) (*Log, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.SyncMode == "" {
		cfg.SyncMode = SyncImmediate
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: failed to create directory: %w", err)
	}

	path := filepath.Join(dir, logFileName)
	entries, report := ReadEntries(path)
	if report.Truncated || report.Corrupted {
		sidecar, err := repairTail(path, entries)
		if err != nil {
			return nil, err
		}
		cfg.Logger.Warn("log tail unusable, rewrote log up to last good entry",
			zap.Uint64("last_good_seq", report.LastGoodSeq),
			zap.String("reason", report.Reason),
			zap.String("damaged_copy", sidecar))
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: failed to open log file: %w", err)
	}
	if err := syncDir(dir); err != nil {
		file.Close()
		return nil, err
	}

	l := &Log{
		cfg:      cfg,
		dir:      dir,
		file:     file,
		writer:   bufio.NewWriterSize(file, 64*1024),
		stopSync: make(chan struct{}),
	}
	if n := len(entries); n > 0 {
		l.sequence.Store(entries[n-1].Sequence)
	}

	if cfg.SyncMode == SyncBatch && cfg.BatchSyncInterval > 0 {
		l.syncTicker = time.NewTicker(cfg.BatchSyncInterval)
		go l.batchSyncLoop()
	}

	return l, nil
}

func (l *Log) batchSyncLoop() {
	for {
		select {
		case <-l.syncTicker.C:
			l.Sync() //nolint:errcheck // surfaced on next Append/Close
		case <-l.stopSync:
			return
		}
	}
}

// Append serializes data, frames it as a record, and writes it to the log.
// In immediate mode the entry is on disk when Append returns; a nil error
// means the mutation survives a crash now. Returns the assigned sequence.
func (l *Log) Append(op Op, data any) (uint64, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}

	dataBuf := jsonBufPool.Get().(*bytes.Buffer)
	entryBuf := jsonBufPool.Get().(*bytes.Buffer)
	defer jsonBufPool.Put(dataBuf)
	defer jsonBufPool.Put(entryBuf)

	dataBytes, err := marshalCompact(dataBuf, data)
	if err != nil {
		return 0, fmt.Errorf("wal: failed to marshal data: %w", err)
	}

	seq := l.sequence.Add(1)
	entry := Entry{
		Sequence:  seq,
		Timestamp: time.Now(),
		Op:        op,
		Data:      dataBytes,
		Checksum:  checksum(dataBytes),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entryBytes, err := marshalCompact(entryBuf, &entry)
	if err != nil {
		return 0, fmt.Errorf("wal: failed to serialize entry: %w", err)
	}

	recordLen, err := writeRecord(l.writer, entryBytes)
	if err != nil {
		return 0, fmt.Errorf("wal: failed to write entry: %w", err)
	}

	l.bytes.Add(recordLen)
	l.sinceMark.Add(1)

	if l.cfg.SyncMode == SyncImmediate {
		if err := l.syncLocked(); err != nil {
			return 0, err
		}
	}
	return seq, nil
}

// AppendCheckpoint writes a snapshot-boundary marker.
func (l *Log) AppendCheckpoint() error {
	_, err := l.Append(OpCheckpoint, CheckpointData{
		Sequence: l.sequence.Load(),
		Time:     time.Now(),
	})
	return err
}

// Sync flushes buffered records to disk.
func (l *Log) Sync() error {
	if l.closed.Load() {
		return ErrClosed
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncLocked()
}

func (l *Log) syncLocked() error {
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush failed: %w", err)
	}
	if l.cfg.SyncMode != SyncNone {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("wal: sync failed: %w", err)
		}
	}
	return nil
}

// Sequence returns the sequence number of the most recent entry.
func (l *Log) Sequence() uint64 {
	return l.sequence.Load()
}

// AdvanceSequence raises the sequence counter to at least seq. Called after
// recovery so appends continue above the snapshot marker even when the log
// file itself holds fewer entries, for example right after compaction.
func (l *Log) AdvanceSequence(seq uint64) {
	for {
		cur := l.sequence.Load()
		if cur >= seq || l.sequence.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// SinceMark returns how many entries were appended since the last snapshot
// mark. The snapshot trigger watches this.
func (l *Log) SinceMark() int64 {
	return l.sinceMark.Load()
}

// MarkSnapshot resets the since-snapshot counter. Called after a snapshot
// and its manifest are durable.
func (l *Log) MarkSnapshot() {
	l.sinceMark.Store(0)
}

// Dir returns the directory the log writes to.
func (l *Log) Dir() string {
	return l.dir
}

// Path returns the log file path.
func (l *Log) Path() string {
	return filepath.Join(l.dir, logFileName)
}

// TruncateThrough rewrites the log keeping only entries with sequence greater
// than seq. Called after a snapshot at seq is durable, so discarded entries
// are already reflected there. Crash-safe: the rewrite goes to a temp file
// that atomically replaces the log; a crash mid-truncation leaves the old log
// intact and recovery just replays more than strictly needed.
//
// When the snapshot covers every entry, the usual case for a quiescent
// pipeline, the file is dropped in place without a read or rewrite so the
// append path does not stall behind compaction.
func (l *Log) TruncateThrough(seq uint64) error {
	if l.closed.Load() {
		return ErrClosed
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.syncLocked(); err != nil {
		return fmt.Errorf("wal: failed to flush before truncate: %w", err)
	}

	if seq >= l.sequence.Load() {
		if err := l.file.Truncate(0); err != nil {
			return fmt.Errorf("wal: failed to truncate log: %w", err)
		}
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("wal: sync failed: %w", err)
		}
		l.bytes.Store(0)
		return nil
	}

	path := filepath.Join(l.dir, logFileName)
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("wal: failed to close for truncate: %w", err)
	}

	entries, _ := ReadEntries(path)
	var kept []Entry
	for _, e := range entries {
		if e.Sequence > seq {
			kept = append(kept, e)
		}
	}

	written, err := rewriteEntries(path, kept)
	if err != nil {
		l.reopen()
		return err
	}

	if err := l.reopen(); err != nil {
		return err
	}
	l.bytes.Store(written)
	return nil
}

// rewriteEntries serializes entries into a temp file that atomically replaces
// the log at path. Shared by compaction and tail repair.
func rewriteEntries(path string, entries []Entry) (int64, error) {
	tmpPath := path + ".rewrite.tmp"
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("wal: failed to create temp log: %w", err)
	}

	tmpWriter := bufio.NewWriterSize(tmpFile, 64*1024)
	entryBuf := jsonBufPool.Get().(*bytes.Buffer)
	defer jsonBufPool.Put(entryBuf)

	fail := func(err error) (int64, error) {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, err
	}

	var written int64
	for i := range entries {
		entryBytes, err := marshalCompact(entryBuf, &entries[i])
		if err != nil {
			return fail(fmt.Errorf("wal: failed to serialize entry seq %d: %w", entries[i].Sequence, err))
		}
		n, err := writeRecord(tmpWriter, entryBytes)
		if err != nil {
			return fail(fmt.Errorf("wal: failed to write entry seq %d: %w", entries[i].Sequence, err))
		}
		written += n
	}

	if err := tmpWriter.Flush(); err != nil {
		return fail(fmt.Errorf("wal: failed to flush temp log: %w", err))
	}
	if err := tmpFile.Sync(); err != nil {
		return fail(fmt.Errorf("wal: failed to sync temp log: %w", err))
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("wal: failed to rename rewritten log: %w", err)
	}
	if err := syncDir(filepath.Dir(path)); err != nil {
		return 0, err
	}
	return written, nil
}

// repairTail makes a damaged log appendable again: the full damaged file is
// copied to a sidecar, then the well-formed prefix atomically replaces it.
// The original is never touched until the repaired copy is durable, so a
// crash at any point leaves a readable log behind.
func repairTail(path string, entries []Entry) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("wal: failed to read damaged log: %w", err)
	}
	sidecar := fmt.Sprintf("%s.damaged-%d", path, time.Now().UnixNano())
	if err := os.WriteFile(sidecar, data, 0o644); err != nil {
		return "", fmt.Errorf("wal: failed to preserve damaged log: %w", err)
	}
	if _, err := rewriteEntries(path, entries); err != nil {
		return "", err
	}
	return sidecar, nil
}

func (l *Log) reopen() error {
	path := filepath.Join(l.dir, logFileName)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("wal: failed to reopen: %w", err)
	}
	l.file = file
	l.writer = bufio.NewWriterSize(file, 64*1024)
	return nil
}

// Close flushes pending records and closes the file.
func (l *Log) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	if l.syncTicker != nil {
		l.syncTicker.Stop()
		close(l.stopSync)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	syncErr := l.syncLocked()
	closeErr := l.file.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}
