package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/driftbrowser/tabgraph/pkg/intent"
)

// Event is one SSE event sent to connected UI clients.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// changePayload is the wire shape of a committed-batch notification.
type changePayload struct {
	Sequence     uint64 `json:"sequence"`
	AddedNodes   int    `json:"added_nodes"`
	UpdatedNodes int    `json:"updated_nodes"`
	RemovedNodes int    `json:"removed_nodes"`
	AddedEdges   int    `json:"added_edges"`
	RemovedEdges int    `json:"removed_edges"`
	Cleared      bool   `json:"cleared"`
}

// Broker fans committed graph changes out to SSE clients. The rendering
// layer re-derives its view on each signal, so per-batch signals are
// coalesced behind a throttle; only "something changed" and the latest
// sequence matter.
//
// A single loop goroutine owns the client set; public methods talk to it
// through channels.
type Broker struct {
	throttle time.Duration

	subscribeCh   chan chan []byte
	unsubscribeCh chan chan []byte
	changeCh      chan intent.Change
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker starts a broker that forwards changes from the engine
// subscription. throttle bounds how often graph.updated events go out.
func NewBroker(changes <-chan intent.Change, throttle time.Duration) *Broker {
	if throttle <= 0 {
		throttle = 250 * time.Millisecond
	}
	b := &Broker{
		throttle:      throttle,
		subscribeCh:   make(chan chan []byte),
		unsubscribeCh: make(chan chan []byte),
		changeCh:      make(chan intent.Change, 64),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go b.run()
	if changes != nil {
		go b.pump(changes)
	}
	return b
}

// pump drains the engine subscription into the broker loop. It exits when
// the engine closes the subscription.
func (b *Broker) pump(changes <-chan intent.Change) {
	for change := range changes {
		select {
		case b.changeCh <- change:
		case <-b.stopped:
			return
		}
	}
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	var (
		lastSent time.Time
		pending  *intent.Change
	)

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		raw := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, payload))
		for ch := range clients {
			select {
			case ch <- raw:
			default:
				// Client buffer full; it will re-sync on its next event.
			}
		}
	}

	flushTicker := time.NewTicker(b.throttle)
	defer flushTicker.Stop()

	flush := func() {
		if pending == nil {
			return
		}
		broadcast(Event{Type: "graph.updated", Data: toPayload(*pending)})
		lastSent = time.Now()
		pending = nil
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			clients[ch] = struct{}{}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case change := <-b.changeCh:
			merged := mergeChange(pending, change)
			pending = &merged
			if time.Since(lastSent) >= b.throttle {
				flush()
			}

		case <-flushTicker.C:
			flush()

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

func toPayload(c intent.Change) changePayload {
	return changePayload{
		Sequence:     c.Sequence,
		AddedNodes:   len(c.AddedNodes),
		UpdatedNodes: len(c.UpdatedNodes),
		RemovedNodes: len(c.RemovedNodes),
		AddedEdges:   len(c.AddedEdges),
		RemovedEdges: len(c.RemovedEdges),
		Cleared:      c.Cleared,
	}
}

// mergeChange coalesces a newly committed batch into the pending signal.
func mergeChange(pending *intent.Change, next intent.Change) intent.Change {
	if pending == nil {
		return next
	}
	merged := *pending
	merged.Sequence = next.Sequence
	merged.AddedNodes = append(merged.AddedNodes, next.AddedNodes...)
	merged.UpdatedNodes = append(merged.UpdatedNodes, next.UpdatedNodes...)
	merged.RemovedNodes = append(merged.RemovedNodes, next.RemovedNodes...)
	merged.AddedEdges = append(merged.AddedEdges, next.AddedEdges...)
	merged.RemovedEdges = append(merged.RemovedEdges, next.RemovedEdges...)
	merged.Cleared = merged.Cleared || next.Cleared
	return merged
}

// Close stops the loop and disconnects all clients.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe registers a client stream.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// ServeHTTP is the SSE endpoint handler (GET /api/events).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
