package wal

import (
	"encoding/json"
	"time"

	"github.com/driftbrowser/tabgraph/pkg/graph"
)

// Op identifies the mutation a log entry records.
type Op string

const (
	OpAddNode             Op = "add_node"
	OpRemoveNode          Op = "remove_node"
	OpAddEdge             Op = "add_edge"
	OpRemoveEdge          Op = "remove_edge"
	OpUpdateNodeURL       Op = "update_node_url"
	OpUpdateNodeTitle     Op = "update_node_title"
	OpUpdateNodeLifecycle Op = "update_node_lifecycle"
	OpPinNode             Op = "pin_node"
	OpUpdateNodePosition  Op = "update_node_position"
	OpTouchNode           Op = "touch_node"
	OpClearGraph          Op = "clear_graph"

	// OpCheckpoint marks a snapshot boundary. It carries no mutation and is
	// skipped during replay.
	OpCheckpoint Op = "checkpoint"
)

// Entry is a single committed mutation record. Each entry carries enough
// information to be replayed idempotently against a known prior state.
type Entry struct {
	Sequence  uint64          `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Op        Op              `json:"op"`
	Data      json.RawMessage `json:"data"`
	Checksum  uint32          `json:"checksum"` // CRC32-C of Data
}

// NodeData is the payload for OpAddNode.
type NodeData struct {
	Node *graph.Node `json:"node"`
}

// EdgeData is the payload for OpAddEdge.
type EdgeData struct {
	Edge *graph.Edge `json:"edge"`
}

// RemoveNodeData is the payload for OpRemoveNode.
type RemoveNodeData struct {
	ID graph.NodeID `json:"id"`
}

// RemoveEdgeData is the payload for OpRemoveEdge.
type RemoveEdgeData struct {
	ID graph.EdgeID `json:"id"`
}

// URLData is the payload for OpUpdateNodeURL.
type URLData struct {
	ID  graph.NodeID `json:"id"`
	URL string       `json:"url"`
}

// TitleData is the payload for OpUpdateNodeTitle.
type TitleData struct {
	ID    graph.NodeID `json:"id"`
	Title string       `json:"title"`
}

// LifecycleData is the payload for OpUpdateNodeLifecycle.
type LifecycleData struct {
	ID    graph.NodeID    `json:"id"`
	State graph.Lifecycle `json:"state"`
}

// PinData is the payload for OpPinNode.
type PinData struct {
	ID     graph.NodeID `json:"id"`
	Pinned bool         `json:"pinned"`
}

// PositionData is the payload for OpUpdateNodePosition.
type PositionData struct {
	ID       graph.NodeID   `json:"id"`
	Position graph.Position `json:"position"`
}

// TouchData is the payload for OpTouchNode.
type TouchData struct {
	ID      graph.NodeID `json:"id"`
	Visited time.Time    `json:"visited"`
	Favicon string       `json:"favicon,omitempty"`
}

// CheckpointData is the payload for OpCheckpoint.
type CheckpointData struct {
	Sequence uint64    `json:"sequence"`
	Time     time.Time `json:"time"`
}
