package intent

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/driftbrowser/tabgraph/pkg/graph"
	"github.com/driftbrowser/tabgraph/pkg/wal"
)

// Pipeline errors.
var (
	// ErrStopped is returned by Submit once the pipeline has shut down or
	// died on a durability failure.
	ErrStopped = errors.New("intent: pipeline stopped")
)

// Config controls pipeline behavior.
type Config struct {
	// QueueSize bounds the intake channel. Submitters block when it is
	// full; intents are never dropped.
	QueueSize int

	// Logger receives diagnostics. Defaults to zap.NewNop.
	Logger *zap.Logger
}

// Pipeline is the single apply boundary. One goroutine owns the store and
// runs the Collect, Order, Resolve, Apply, Log cycle; everyone else submits
// envelopes through a bounded channel. The store needs no locking of its own
// because only this goroutine touches it after Start.
type Pipeline struct {
	store  *graph.Store
	log    *wal.Log
	logger *zap.Logger

	intake chan envelope
	stop   chan struct{}
	done   chan struct{}

	submitSeq atomic.Uint64
	stopping  atomic.Bool
	stopOnce  sync.Once

	// inflight counts submitters between their stopping check and the
	// completion of their intake send. The shutdown drain waits for it to
	// reach zero so an envelope accepted concurrently with Stop is never
	// stranded in the queue.
	inflight atomic.Int64

	fatalMu sync.Mutex
	fatal   error

	changes *broadcaster
}

// New builds a pipeline over the recovered store and the open log. Call
// Start before submitting.
func New(store *graph.Store, log *wal.Log, cfg *Config) *Pipeline {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:   store,
		log:     log,
		logger:  logger,
		intake:  make(chan envelope, cfg.QueueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		changes: newBroadcaster(),
	}
}

// Start launches the processing goroutine.
func (p *Pipeline) Start() {
	go p.run()
}

// Submit queues one intent. It blocks while the intake queue is full
// (backpressure) and returns ErrStopped once the pipeline is shut down.
// A nil return means the intent was accepted for processing, not yet that it
// was applied; use Barrier to wait for visibility.
func (p *Pipeline) Submit(ctx context.Context, src Source, in Intent) error {
	p.inflight.Add(1)
	defer p.inflight.Add(-1)
	if p.stopping.Load() {
		return ErrStopped
	}
	env := envelope{intent: in, source: src, seq: p.submitSeq.Add(1)}
	select {
	case p.intake <- env:
		return nil
	case <-p.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Barrier blocks until every intent submitted before the call has been fully
// processed (applied and logged, or resolved away).
func (p *Pipeline) Barrier(ctx context.Context) error {
	// The in-flight count covers only the send; holding it through the wait
	// would stall the shutdown drain behind our own unprocessed envelope.
	p.inflight.Add(1)
	if p.stopping.Load() {
		p.inflight.Add(-1)
		return p.errOrStopped()
	}
	env := envelope{seq: p.submitSeq.Add(1), barrier: make(chan struct{})}
	select {
	case p.intake <- env:
		p.inflight.Add(-1)
	case <-p.stop:
		p.inflight.Add(-1)
		return p.errOrStopped()
	case <-ctx.Done():
		p.inflight.Add(-1)
		return ctx.Err()
	}
	select {
	case <-env.barrier:
		return nil
	case <-p.done:
		return p.errOrStopped()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exec runs fn on the pipeline goroutine, after the batch it was collected
// with has been fully applied, and blocks until fn returns. Because fn runs
// on the single owner goroutine it may read the store (or swap the log)
// without observing a half-applied batch.
func (p *Pipeline) Exec(ctx context.Context, fn func()) error {
	p.inflight.Add(1)
	if p.stopping.Load() {
		p.inflight.Add(-1)
		return p.errOrStopped()
	}
	req := &execReq{fn: fn, done: make(chan struct{})}
	env := envelope{seq: p.submitSeq.Add(1), exec: req}
	select {
	case p.intake <- env:
		p.inflight.Add(-1)
	case <-p.stop:
		p.inflight.Add(-1)
		return p.errOrStopped()
	case <-ctx.Done():
		p.inflight.Add(-1)
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-p.done:
		// The pipeline drains its queue before exiting, so done here means
		// the request was never picked up.
		select {
		case <-req.done:
			return nil
		default:
			return p.errOrStopped()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloneView returns a point-in-time deep copy of the store and the log
// sequence it reflects. The snapshot worker consumes these, so snapshotting
// never blocks the apply step for longer than the copy itself.
func (p *Pipeline) CloneView(ctx context.Context) (*graph.Store, uint64, error) {
	var (
		view *graph.Store
		seq  uint64
	)
	err := p.Exec(ctx, func() {
		view = p.store.Clone()
		seq = p.log.Sequence()
	})
	if err != nil {
		return nil, 0, err
	}
	return view, seq, nil
}

// SwapLog replaces the log the pipeline appends to and returns the previous
// one. Must only be called from inside an Exec callback; the pipeline
// goroutine is the only reader of the log reference.
func (p *Pipeline) SwapLog(l *wal.Log) *wal.Log {
	old := p.log
	p.log = l
	return old
}

// Subscribe returns a channel of committed-batch change notifications and a
// cancel function. A slow subscriber loses intermediate signals, never
// intents; the store always has the authoritative state.
func (p *Pipeline) Subscribe(buffer int) (<-chan Change, func()) {
	return p.changes.subscribe(buffer)
}

// Err returns the fatal durability error that stopped the pipeline, if any.
func (p *Pipeline) Err() error {
	p.fatalMu.Lock()
	defer p.fatalMu.Unlock()
	return p.fatal
}

func (p *Pipeline) errOrStopped() error {
	if err := p.Err(); err != nil {
		return err
	}
	return ErrStopped
}

// Stop shuts the pipeline down. Intents already queued are processed before
// Stop returns; new submissions fail with ErrStopped.
func (p *Pipeline) Stop() {
	p.stopping.Store(true)
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

func (p *Pipeline) run() {
	defer close(p.done)
	defer p.changes.close()

	for {
		batch, ok := p.collect()
		if len(batch) > 0 {
			p.process(batch)
		}
		if !ok {
			return
		}
		if p.Err() != nil {
			return
		}
	}
}

// collect blocks for the first envelope, then drains whatever else has been
// submitted by the time it runs. The second return value is false once the
// pipeline should exit after processing the returned batch.
func (p *Pipeline) collect() ([]envelope, bool) {
	var batch []envelope

	select {
	case env := <-p.intake:
		batch = append(batch, env)
	case <-p.stop:
		return p.drain(batch), false
	}

	for {
		select {
		case env := <-p.intake:
			batch = append(batch, env)
		default:
			return batch, true
		}
	}
}

// drain empties the intake queue after stop so already-accepted intents are
// still processed. It keeps receiving until no submitter is mid-send: a
// Submit racing Stop may win its intake send after the queue looks empty, and
// an accepted intent must never be dropped.
func (p *Pipeline) drain(batch []envelope) []envelope {
	for {
		select {
		case env := <-p.intake:
			batch = append(batch, env)
			continue
		default:
		}
		if p.inflight.Load() > 0 {
			runtime.Gosched()
			continue
		}
		// One final sweep catches an envelope buffered just before its
		// sender retired.
		select {
		case env := <-p.intake:
			batch = append(batch, env)
		default:
			return batch
		}
	}
}

// process runs one full cycle over a collected batch.
func (p *Pipeline) process(batch []envelope) {
	var (
		barriers []chan struct{}
		execs    []*execReq
	)
	work := batch[:0]
	for _, env := range batch {
		switch {
		case env.barrier != nil:
			barriers = append(barriers, env.barrier)
		case env.exec != nil:
			execs = append(execs, env.exec)
		default:
			work = append(work, env)
		}
	}
	defer func() {
		if p.Err() != nil {
			// Waiters unblock through the done channel and receive the fatal
			// error; closing their channels here would report success for a
			// batch that was not applied.
			return
		}
		for _, b := range barriers {
			close(b)
		}
		for _, req := range execs {
			req.fn()
			close(req.done)
		}
	}()

	orderBatch(work)
	survivors := resolveBatch(work)
	if dropped := len(work) - len(survivors); dropped > 0 {
		p.logger.Debug("conflict resolution dropped intents",
			zap.Int("batch", len(work)), zap.Int("dropped", dropped))
	}

	var change Change
	for _, env := range survivors {
		if err := p.applyOne(env, &change); err != nil {
			p.setFatal(err)
			return
		}
	}
	change.Sequence = p.log.Sequence()
	p.changes.publish(change)
}

// setFatal records a durability failure. The pipeline cannot continue: an
// applied-but-unlogged mutation would violate the durability contract, so it
// stops accepting work and surfaces the error.
func (p *Pipeline) setFatal(err error) {
	p.fatalMu.Lock()
	if p.fatal == nil {
		p.fatal = err
	}
	p.fatalMu.Unlock()
	p.stopping.Store(true)
	p.stopOnce.Do(func() { close(p.stop) })
	p.logger.Error("pipeline stopped on durability failure", zap.Error(err))
}

// commit appends the entry and then applies fn to the store, in that order.
// An append failure is fatal and nothing is applied. An apply failure after a
// successful append is tolerated: replay treats the entry idempotently, so
// the log stays the authority.
func (p *Pipeline) commit(op wal.Op, data any, fn func() error) error {
	if _, err := p.log.Append(op, data); err != nil {
		return fmt.Errorf("intent: log append for %s: %w", op, err)
	}
	if err := fn(); err != nil {
		p.logger.Warn("store apply failed after durable append",
			zap.String("op", string(op)), zap.Error(err))
	}
	return nil
}

// skip logs a structural no-op: the intent referenced something that does not
// exist. Never an error to the submitter.
func (p *Pipeline) skip(env envelope, reason string) {
	p.logger.Debug("intent resolved as no-op",
		zap.String("kind", string(env.intent.Kind)),
		zap.String("source", env.source.String()),
		zap.String("reason", reason))
}

// applyOne validates one surviving intent against current store state, logs
// it durably, and applies it. Only durability errors propagate.
func (p *Pipeline) applyOne(env envelope, change *Change) error {
	in := env.intent
	switch in.Kind {
	case KindCreateNode:
		return p.applyCreateNode(env, change)

	case KindRemoveNode:
		if !p.store.HasNode(in.NodeID) {
			p.skip(env, "node not found")
			return nil
		}
		err := p.commit(wal.OpRemoveNode, wal.RemoveNodeData{ID: in.NodeID}, func() error {
			return p.store.RemoveNode(in.NodeID)
		})
		if err == nil {
			change.RemovedNodes = append(change.RemovedNodes, in.NodeID)
		}
		return err

	case KindCreateEdge:
		return p.applyCreateEdge(env, change)

	case KindRemoveEdge:
		if !p.store.HasEdge(in.EdgeID) {
			p.skip(env, "edge not found")
			return nil
		}
		err := p.commit(wal.OpRemoveEdge, wal.RemoveEdgeData{ID: in.EdgeID}, func() error {
			return p.store.RemoveEdge(in.EdgeID)
		})
		if err == nil {
			change.RemovedEdges = append(change.RemovedEdges, in.EdgeID)
		}
		return err

	case KindUpdateNodeURL:
		if !p.store.HasNode(in.NodeID) {
			p.skip(env, "node not found")
			return nil
		}
		err := p.commit(wal.OpUpdateNodeURL, wal.URLData{ID: in.NodeID, URL: in.URL}, func() error {
			return p.store.UpdateNodeURL(in.NodeID, in.URL)
		})
		if err == nil {
			change.UpdatedNodes = append(change.UpdatedNodes, in.NodeID)
		}
		return err

	case KindUpdateNodeTitle:
		if !p.store.HasNode(in.NodeID) {
			p.skip(env, "node not found")
			return nil
		}
		err := p.commit(wal.OpUpdateNodeTitle, wal.TitleData{ID: in.NodeID, Title: in.Title}, func() error {
			return p.store.UpdateNodeTitle(in.NodeID, in.Title)
		})
		if err == nil {
			change.UpdatedNodes = append(change.UpdatedNodes, in.NodeID)
		}
		return err

	case KindUpdateLifecycle:
		if !in.Lifecycle.Valid() {
			p.skip(env, "invalid lifecycle state")
			return nil
		}
		if !p.store.HasNode(in.NodeID) {
			p.skip(env, "node not found")
			return nil
		}
		err := p.commit(wal.OpUpdateNodeLifecycle, wal.LifecycleData{ID: in.NodeID, State: in.Lifecycle}, func() error {
			return p.store.UpdateNodeLifecycle(in.NodeID, in.Lifecycle)
		})
		if err == nil {
			change.UpdatedNodes = append(change.UpdatedNodes, in.NodeID)
		}
		return err

	case KindPin:
		if !p.store.HasNode(in.NodeID) {
			p.skip(env, "node not found")
			return nil
		}
		err := p.commit(wal.OpPinNode, wal.PinData{ID: in.NodeID, Pinned: in.Pinned}, func() error {
			return p.store.SetNodePinned(in.NodeID, in.Pinned)
		})
		if err == nil {
			change.UpdatedNodes = append(change.UpdatedNodes, in.NodeID)
		}
		return err

	case KindUpdatePosition:
		if !p.store.HasNode(in.NodeID) {
			p.skip(env, "node not found")
			return nil
		}
		err := p.commit(wal.OpUpdateNodePosition, wal.PositionData{ID: in.NodeID, Position: in.Position}, func() error {
			return p.store.UpdateNodePosition(in.NodeID, in.Position)
		})
		if err == nil {
			change.UpdatedNodes = append(change.UpdatedNodes, in.NodeID)
		}
		return err

	case KindTouchVisited:
		if !p.store.HasNode(in.NodeID) {
			p.skip(env, "node not found")
			return nil
		}
		visited := in.Visited
		if visited.IsZero() {
			visited = time.Now()
		}
		err := p.commit(wal.OpTouchNode, wal.TouchData{ID: in.NodeID, Visited: visited, Favicon: in.Favicon}, func() error {
			return p.store.TouchNodeVisited(in.NodeID, visited, in.Favicon)
		})
		if err == nil {
			change.UpdatedNodes = append(change.UpdatedNodes, in.NodeID)
		}
		return err

	case KindClearGraph:
		err := p.commit(wal.OpClearGraph, nil, func() error {
			p.store.Clear()
			return nil
		})
		if err == nil {
			change.Cleared = true
		}
		return err

	default:
		p.skip(env, "unknown intent kind")
		return nil
	}
}

// applyCreateNode mints the node id, appends, applies, and when an origin is
// present and still alive, does the same for the Hyperlink edge. The pipeline
// is the only place ids are minted; no component may create a node as a side
// effect of observing a URL.
func (p *Pipeline) applyCreateNode(env envelope, change *Change) error {
	in := env.intent
	node := &graph.Node{
		ID:        graph.NewNodeID(),
		URL:       in.URL,
		CreatedAt: time.Now(),
		Lifecycle: graph.LifecycleActive,
	}
	err := p.commit(wal.OpAddNode, wal.NodeData{Node: node}, func() error {
		return p.store.InsertNode(node)
	})
	if err != nil {
		return err
	}
	change.AddedNodes = append(change.AddedNodes, node.ID)

	if in.Origin == "" {
		return nil
	}
	if !p.store.HasNode(in.Origin) {
		p.skip(env, "origin node not found, node created without edge")
		return nil
	}
	edge := &graph.Edge{
		ID:        graph.NewEdgeID(),
		From:      in.Origin,
		To:        node.ID,
		Kind:      graph.EdgeKindHyperlink,
		CreatedAt: time.Now(),
	}
	err = p.commit(wal.OpAddEdge, wal.EdgeData{Edge: edge}, func() error {
		return p.store.InsertEdge(edge)
	})
	if err != nil {
		return err
	}
	change.AddedEdges = append(change.AddedEdges, edge.ID)
	return nil
}

func (p *Pipeline) applyCreateEdge(env envelope, change *Change) error {
	in := env.intent
	if !in.EdgeKind.Valid() {
		p.skip(env, "invalid edge kind")
		return nil
	}
	if !p.store.HasNode(in.From) || !p.store.HasNode(in.To) {
		p.skip(env, "edge endpoint not found")
		return nil
	}
	edge := &graph.Edge{
		ID:        graph.NewEdgeID(),
		From:      in.From,
		To:        in.To,
		Kind:      in.EdgeKind,
		CreatedAt: time.Now(),
	}
	err := p.commit(wal.OpAddEdge, wal.EdgeData{Edge: edge}, func() error {
		return p.store.InsertEdge(edge)
	})
	if err == nil {
		change.AddedEdges = append(change.AddedEdges, edge.ID)
	}
	return err
}
