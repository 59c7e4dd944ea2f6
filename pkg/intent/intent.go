// Package intent implements the deterministic apply boundary for the tab
// graph. Every external actor submits typed intents; the pipeline orders
// them, resolves same-target conflicts, applies survivors to the store, and
// logs each applied mutation. No other component mutates the graph.
package intent

import (
	"time"

	"github.com/driftbrowser/tabgraph/pkg/graph"
)

// Source identifies who submitted an intent. Sources have a fixed priority
// used for deterministic cross-source ordering within one processing cycle;
// lower values order first. Recovery replay does not go through the pipeline
// at all, so it has no Source.
type Source int

const (
	SourceUI         Source = 1 // direct graph-view interaction
	SourceNavigation Source = 2 // engine navigation callbacks
	SourceKeyboard   Source = 3 // keyboard shortcuts
	SourceImport     Source = 4 // bulk import / session restore
)

// String returns the source name for diagnostics.
func (s Source) String() string {
	switch s {
	case SourceUI:
		return "ui"
	case SourceNavigation:
		return "navigation"
	case SourceKeyboard:
		return "keyboard"
	case SourceImport:
		return "import"
	default:
		return "unknown"
	}
}

// Kind identifies the mutation an intent requests.
type Kind string

const (
	KindCreateNode      Kind = "create_node"
	KindRemoveNode      Kind = "remove_node"
	KindCreateEdge      Kind = "create_edge"
	KindRemoveEdge      Kind = "remove_edge"
	KindUpdateNodeURL   Kind = "update_node_url"
	KindUpdateNodeTitle Kind = "update_node_title"
	KindUpdateLifecycle Kind = "update_lifecycle"
	KindPin             Kind = "pin"
	KindUpdatePosition  Kind = "update_position"
	KindTouchVisited    Kind = "touch_visited"
	KindClearGraph      Kind = "clear_graph"
)

// Intent is one requested mutation. Use the constructors; the zero value is
// not a valid intent.
type Intent struct {
	Kind Kind

	// NodeID targets an existing node for removal and metadata updates.
	NodeID graph.NodeID
	// EdgeID targets an existing edge for removal.
	EdgeID graph.EdgeID

	// CreateNode fields. Origin, when set, asks for one Hyperlink edge from
	// the originating node to the new one.
	URL    string
	Origin graph.NodeID

	// CreateEdge fields.
	From     graph.NodeID
	To       graph.NodeID
	EdgeKind graph.EdgeKind

	// Metadata update fields.
	Title     string
	Lifecycle graph.Lifecycle
	Pinned    bool
	Position  graph.Position
	Visited   time.Time
	Favicon   string
}

// CreateNode requests a new node for url. An empty origin means a standalone
// node; a set origin additionally creates a Hyperlink edge origin -> new.
// The node id is minted inside the pipeline, never by the submitter.
func CreateNode(url string, origin graph.NodeID) Intent {
	return Intent{Kind: KindCreateNode, URL: url, Origin: origin}
}

// RemoveNode requests removal of a node and, by cascade, its edges.
func RemoveNode(id graph.NodeID) Intent {
	return Intent{Kind: KindRemoveNode, NodeID: id}
}

// CreateEdge requests a new edge between two existing nodes.
func CreateEdge(from, to graph.NodeID, kind graph.EdgeKind) Intent {
	return Intent{Kind: KindCreateEdge, From: from, To: to, EdgeKind: kind}
}

// RemoveEdge requests removal of an edge.
func RemoveEdge(id graph.EdgeID) Intent {
	return Intent{Kind: KindRemoveEdge, EdgeID: id}
}

// UpdateNodeURL requests an in-place URL change: same-tab navigation on an
// existing node. This never creates a node.
func UpdateNodeURL(id graph.NodeID, url string) Intent {
	return Intent{Kind: KindUpdateNodeURL, NodeID: id, URL: url}
}

// UpdateNodeTitle requests a title change.
func UpdateNodeTitle(id graph.NodeID, title string) Intent {
	return Intent{Kind: KindUpdateNodeTitle, NodeID: id, Title: title}
}

// UpdateLifecycle requests a resource-pressure state change.
func UpdateLifecycle(id graph.NodeID, state graph.Lifecycle) Intent {
	return Intent{Kind: KindUpdateLifecycle, NodeID: id, Lifecycle: state}
}

// Pin requests a pinned-flag change.
func Pin(id graph.NodeID, pinned bool) Intent {
	return Intent{Kind: KindPin, NodeID: id, Pinned: pinned}
}

// UpdatePosition records the layout's last known coordinates for a node.
func UpdatePosition(id graph.NodeID, pos graph.Position) Intent {
	return Intent{Kind: KindUpdatePosition, NodeID: id, Position: pos}
}

// TouchVisited records a visit: last-visited time and optional favicon.
func TouchVisited(id graph.NodeID, visited time.Time, favicon string) Intent {
	return Intent{Kind: KindTouchVisited, NodeID: id, Visited: visited, Favicon: favicon}
}

// ClearGraph requests removal of every node and edge.
func ClearGraph() Intent {
	return Intent{Kind: KindClearGraph}
}

// isMetadata reports whether the intent is a metadata mutation of an existing
// node, subject to deletion-dominates and last-writer-wins resolution.
func (in Intent) isMetadata() bool {
	switch in.Kind {
	case KindUpdateNodeURL, KindUpdateNodeTitle, KindUpdateLifecycle,
		KindPin, KindUpdatePosition, KindTouchVisited:
		return true
	default:
		return false
	}
}

// envelope is an intent stamped with its source and global submission
// sequence. The pair (source priority, sequence) is the total order.
type envelope struct {
	intent Intent
	source Source
	seq    uint64

	// barrier, when non-nil, marks a synchronization point instead of a
	// mutation: it is closed once every envelope ordered before it has been
	// fully processed.
	barrier chan struct{}

	// exec, when non-nil, is a function to run on the pipeline goroutine
	// after the batch it arrived with has been applied.
	exec *execReq
}

// execReq carries a function into the pipeline goroutine. See Pipeline.Exec.
type execReq struct {
	fn   func()
	done chan struct{}
}
