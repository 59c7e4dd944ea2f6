// Package graph holds the authoritative in-memory graph of visited pages.
//
// Nodes represent page visits (or user-created entries) and carry a stable,
// opaque identity that never changes for the node's lifetime — the URL is
// mutable display data, not identity. Edges are directed relationships
// between nodes. The Store keeps secondary indexes (URL lookup, adjacency)
// consistent with the primary maps on every operation.
package graph

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// NodeID is the stable identity of a node. IDs are opaque 128-bit random
// values (UUIDv4) and are never reused, even after the node is removed.
type NodeID string

// EdgeID is the stable identity of an edge.
type EdgeID string

// NewNodeID mints a fresh node identity.
func NewNodeID() NodeID {
	return NodeID(uuid.NewString())
}

// NewEdgeID mints a fresh edge identity.
func NewEdgeID() EdgeID {
	return EdgeID(uuid.NewString())
}

// Lifecycle classifies a node's resource-pressure state. It is unrelated to
// deletion: a Cold node is still part of the graph.
type Lifecycle string

const (
	LifecycleActive Lifecycle = "active"
	LifecycleWarm   Lifecycle = "warm"
	LifecycleCold   Lifecycle = "cold"
)

// Valid reports whether l is a known lifecycle state.
func (l Lifecycle) Valid() bool {
	switch l {
	case LifecycleActive, LifecycleWarm, LifecycleCold:
		return true
	}
	return false
}

// EdgeKind records the provenance of an edge, not its layout semantics.
type EdgeKind string

const (
	EdgeKindHyperlink   EdgeKind = "hyperlink"
	EdgeKindHistory     EdgeKind = "history"
	EdgeKindBookmark    EdgeKind = "bookmark"
	EdgeKindManual      EdgeKind = "manual"
	EdgeKindUserGrouped EdgeKind = "user_grouped"
)

// Valid reports whether k is a known edge kind.
func (k EdgeKind) Valid() bool {
	switch k {
	case EdgeKindHyperlink, EdgeKindHistory, EdgeKindBookmark, EdgeKindManual, EdgeKindUserGrouped:
		return true
	}
	return false
}

// Position is the node's last known layout coordinates. The store persists
// it but never interprets it; layout is computed elsewhere.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is a visited page or user-created entry.
type Node struct {
	ID          NodeID    `json:"id"`
	URL         string    `json:"url"`
	Title       string    `json:"title,omitempty"`
	Favicon     string    `json:"favicon,omitempty"` // reference, not image bytes
	CreatedAt   time.Time `json:"created_at"`
	LastVisited time.Time `json:"last_visited,omitempty"`
	Lifecycle   Lifecycle `json:"lifecycle"`
	Pinned      bool      `json:"pinned,omitempty"`
	Position    Position  `json:"position"`
}

// Edge is a directed relationship between two nodes.
type Edge struct {
	ID        EdgeID    `json:"id"`
	From      NodeID    `json:"from"`
	To        NodeID    `json:"to"`
	Kind      EdgeKind  `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// Structural errors. These are diagnostics, not failures: callers treat them
// as no-ops and keep going.
var (
	ErrNotFound      = errors.New("graph: not found")
	ErrAlreadyExists = errors.New("graph: already exists")
	ErrInvalidID     = errors.New("graph: invalid id")
	ErrDanglingEdge  = errors.New("graph: edge endpoint does not exist")
)
