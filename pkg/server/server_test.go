package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftbrowser/tabgraph/pkg/config"
	"github.com/driftbrowser/tabgraph/pkg/graph"
	"github.com/driftbrowser/tabgraph/pkg/intent"
	"github.com/driftbrowser/tabgraph/pkg/tabgraph"
)

func newTestServer(t *testing.T) (*Server, *tabgraph.DB) {
	t.Helper()
	cfg := config.LoadDefaults()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.WALSyncMode = "none"

	db, err := tabgraph.Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := New(db, cfg.Server, nil)
	t.Cleanup(s.teardown)
	return s, db
}

func seedNodes(t *testing.T, db *tabgraph.DB) (a, b *graph.Node) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.CreateNode(ctx, intent.SourceUI, "https://a.example", ""))
	require.NoError(t, db.Barrier(ctx))
	require.NoError(t, db.View(ctx, func(g *graph.Store) error {
		a = g.NodesByURL("https://a.example")[0]
		return nil
	}))

	require.NoError(t, db.CreateNode(ctx, intent.SourceUI, "https://b.example", a.ID))
	require.NoError(t, db.Barrier(ctx))
	require.NoError(t, db.View(ctx, func(g *graph.Store) error {
		b = g.NodesByURL("https://b.example")[0]
		return nil
	}))
	return a, b
}

func doGET(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_GetNode(t *testing.T) {
	s, db := newTestServer(t)
	a, _ := seedNodes(t, db)

	t.Run("found", func(t *testing.T) {
		rec := doGET(t, s, "/api/nodes/"+string(a.ID))
		require.Equal(t, http.StatusOK, rec.Code)

		var node graph.Node
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &node))
		assert.Equal(t, a.ID, node.ID)
		assert.Equal(t, "https://a.example", node.URL)
	})

	t.Run("not_found", func(t *testing.T) {
		rec := doGET(t, s, "/api/nodes/nope")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestServer_NodesByURL(t *testing.T) {
	s, db := newTestServer(t)
	seedNodes(t, db)

	t.Run("match", func(t *testing.T) {
		rec := doGET(t, s, "/api/nodes?url=https://a.example")
		require.Equal(t, http.StatusOK, rec.Code)

		var nodes []*graph.Node
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nodes))
		assert.Len(t, nodes, 1)
	})

	t.Run("no_match_is_empty_list", func(t *testing.T) {
		rec := doGET(t, s, "/api/nodes?url=https://unknown.example")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, "[]", rec.Body.String())
	})

	t.Run("missing_param", func(t *testing.T) {
		rec := doGET(t, s, "/api/nodes")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestServer_NodeEdges(t *testing.T) {
	s, db := newTestServer(t)
	a, b := seedNodes(t, db)

	t.Run("outgoing", func(t *testing.T) {
		rec := doGET(t, s, "/api/nodes/"+string(a.ID)+"/edges?dir=out")
		require.Equal(t, http.StatusOK, rec.Code)

		var edges []*graph.Edge
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &edges))
		require.Len(t, edges, 1)
		assert.Equal(t, b.ID, edges[0].To)
		assert.Equal(t, graph.EdgeKindHyperlink, edges[0].Kind)
	})

	t.Run("incoming", func(t *testing.T) {
		rec := doGET(t, s, "/api/nodes/"+string(b.ID)+"/edges?dir=in")
		require.Equal(t, http.StatusOK, rec.Code)

		var edges []*graph.Edge
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &edges))
		require.Len(t, edges, 1)
		assert.Equal(t, a.ID, edges[0].From)
	})

	t.Run("bad_direction", func(t *testing.T) {
		rec := doGET(t, s, "/api/nodes/"+string(a.ID)+"/edges?dir=sideways")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown_node", func(t *testing.T) {
		rec := doGET(t, s, "/api/nodes/nope/edges")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestServer_Stats(t *testing.T) {
	s, db := newTestServer(t)
	seedNodes(t, db)

	rec := doGET(t, s, "/api/graph/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Nodes)
	assert.Equal(t, 1, stats.Edges)
	assert.Equal(t, 2, stats.URLs)
}

func TestBroker_ForwardsChanges(t *testing.T) {
	changes := make(chan intent.Change, 1)
	b := NewBroker(changes, 10*time.Millisecond)
	defer b.Close()

	client := b.Subscribe()
	defer b.Unsubscribe(client)

	changes <- intent.Change{Sequence: 7, AddedNodes: []graph.NodeID{"n1"}}

	select {
	case msg := <-client:
		assert.Contains(t, string(msg), "event: graph.updated")
		assert.Contains(t, string(msg), `"sequence":7`)
		assert.Contains(t, string(msg), `"added_nodes":1`)
	case <-time.After(2 * time.Second):
		t.Fatal("no SSE event received")
	}
}

func TestBroker_CoalescesBursts(t *testing.T) {
	changes := make(chan intent.Change)
	b := NewBroker(changes, time.Hour) // only the ticker would flush; force coalescing
	defer b.Close()

	client := b.Subscribe()
	defer b.Unsubscribe(client)

	// First change flushes immediately (nothing sent yet); the burst after
	// it coalesces into one pending signal.
	changes <- intent.Change{Sequence: 1, AddedNodes: []graph.NodeID{"n1"}}

	select {
	case <-client:
	case <-time.After(2 * time.Second):
		t.Fatal("no SSE event received")
	}

	for seq := uint64(2); seq <= 5; seq++ {
		changes <- intent.Change{Sequence: seq, UpdatedNodes: []graph.NodeID{"n1"}}
	}
	assert.Equal(t, 1, b.ClientCount())

	select {
	case msg := <-client:
		t.Fatalf("burst should be throttled, got %q", msg)
	case <-time.After(100 * time.Millisecond):
	}
}
