// Package server exposes the read-only HTTP query API over the tab graph:
// node/edge lookup, URL search, adjacency traversal, stats, and an SSE
// stream of graph-changed notifications. It never mutates the graph;
// mutation stays behind the intent pipeline.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/driftbrowser/tabgraph/pkg/config"
	"github.com/driftbrowser/tabgraph/pkg/graph"
	"github.com/driftbrowser/tabgraph/pkg/tabgraph"
)

// Server is the read-only HTTP API.
type Server struct {
	db     *tabgraph.DB
	logger *zap.Logger
	broker *Broker
	http   *http.Server
	cancel func()
}

// New builds the server over an open engine. Call Run to serve.
func New(db *tabgraph.DB, cfg config.ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	changes, cancel := db.Subscribe(64)
	s := &Server{
		db:     db,
		logger: logger,
		broker: NewBroker(changes, 250*time.Millisecond),
		cancel: cancel,
	}

	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Route("/api", func(r chi.Router) {
		r.Get("/nodes", s.handleNodesByURL)
		r.Get("/nodes/{id}", s.handleGetNode)
		r.Get("/nodes/{id}/edges", s.handleNodeEdges)
		r.Get("/edges/{id}", s.handleGetEdge)
		r.Get("/graph/stats", s.handleStats)
		r.Get("/events", s.broker.ServeHTTP)
	})

	s.http = &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		s.teardown()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.http.Shutdown(shutdownCtx)
	s.teardown()
	if serveErr := <-errCh; serveErr != nil {
		return serveErr
	}
	return err
}

func (s *Server) teardown() {
	s.cancel()
	s.broker.Close()
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id := graph.NodeID(chi.URLParam(r, "id"))

	var node *graph.Node
	err := s.db.View(r.Context(), func(g *graph.Store) error {
		n, err := g.GetNode(id)
		if err != nil {
			return err
		}
		node = n
		return nil
	})
	if err != nil {
		s.writeViewError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleGetEdge(w http.ResponseWriter, r *http.Request) {
	id := graph.EdgeID(chi.URLParam(r, "id"))

	var edge *graph.Edge
	err := s.db.View(r.Context(), func(g *graph.Store) error {
		e, err := g.GetEdge(id)
		if err != nil {
			return err
		}
		edge = e
		return nil
	})
	if err != nil {
		s.writeViewError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, edge)
}

func (s *Server) handleNodesByURL(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("missing url parameter"))
		return
	}

	nodes := []*graph.Node{}
	err := s.db.View(r.Context(), func(g *graph.Store) error {
		nodes = g.NodesByURL(url)
		return nil
	})
	if err != nil {
		s.writeViewError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleNodeEdges(w http.ResponseWriter, r *http.Request) {
	id := graph.NodeID(chi.URLParam(r, "id"))
	dir := r.URL.Query().Get("dir")
	if dir == "" {
		dir = "out"
	}
	if dir != "out" && dir != "in" {
		writeJSON(w, http.StatusBadRequest, errorBody("dir must be out or in"))
		return
	}

	edges := []*graph.Edge{}
	err := s.db.View(r.Context(), func(g *graph.Store) error {
		if !g.HasNode(id) {
			return graph.ErrNotFound
		}
		if dir == "out" {
			edges = g.OutgoingEdges(id)
		} else {
			edges = g.IncomingEdges(id)
		}
		return nil
	})
	if err != nil {
		s.writeViewError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, edges)
}

// statsResponse is the payload for GET /api/graph/stats.
type statsResponse struct {
	Nodes   int    `json:"nodes"`
	Edges   int    `json:"edges"`
	URLs    int    `json:"urls"`
	DataDir string `json:"data_dir"`
	Clients int    `json:"sse_clients"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var stats statsResponse
	err := s.db.View(r.Context(), func(g *graph.Store) error {
		stats.Nodes = g.NodeCount()
		stats.Edges = g.EdgeCount()
		stats.URLs = g.URLIndexSize()
		return nil
	})
	if err != nil {
		s.writeViewError(w, err)
		return
	}
	stats.DataDir = s.db.DataDir()
	stats.Clients = s.broker.ClientCount()
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) writeViewError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, graph.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	default:
		s.logger.Warn("query failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}
