package intent

import (
	"sync"

	"github.com/driftbrowser/tabgraph/pkg/graph"
)

// Change describes what one committed batch did to the graph. It carries ids
// only; readers re-query the store for current state.
type Change struct {
	Sequence     uint64 // log sequence of the last entry in the batch
	AddedNodes   []graph.NodeID
	UpdatedNodes []graph.NodeID
	RemovedNodes []graph.NodeID
	AddedEdges   []graph.EdgeID
	RemovedEdges []graph.EdgeID
	Cleared      bool
}

// Empty reports whether the change carries nothing.
func (c Change) Empty() bool {
	return !c.Cleared &&
		len(c.AddedNodes) == 0 && len(c.UpdatedNodes) == 0 && len(c.RemovedNodes) == 0 &&
		len(c.AddedEdges) == 0 && len(c.RemovedEdges) == 0
}

// broadcaster fans committed changes out to subscribers. Sends never block
// the pipeline cycle: a subscriber that falls behind loses intermediate
// change signals, not intents, and can always re-derive state from the store.
type broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Change
	next int
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Change)}
}

func (b *broadcaster) subscribe(buffer int) (<-chan Change, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Change, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (b *broadcaster) publish(c Change) {
	if c.Empty() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
