package graph

import (
	"sort"
	"time"
)

// Store is the authoritative in-memory graph.
//
// Unlike a general-purpose engine, Store is deliberately not self-locking:
// the intent pipeline is its single owner (one goroutine performs every
// mutation), so internal synchronization would only hide ownership bugs.
// Readers outside the pipeline receive deep copies or point-in-time clones.
//
// Every operation is total and preserves the structural invariants:
//   - every edge's From/To reference an existing node
//   - the URL index exactly mirrors current node URLs
//   - removing a node cascades to all edges referencing it
type Store struct {
	nodes map[NodeID]*Node
	edges map[EdgeID]*Edge

	// Secondary indexes
	nodesByURL map[string]map[NodeID]struct{}
	outgoing   map[NodeID]map[EdgeID]struct{}
	incoming   map[NodeID]map[EdgeID]struct{}
}

// NewStore creates an empty graph store.
func NewStore() *Store {
	return &Store{
		nodes:      make(map[NodeID]*Node),
		edges:      make(map[EdgeID]*Edge),
		nodesByURL: make(map[string]map[NodeID]struct{}),
		outgoing:   make(map[NodeID]map[EdgeID]struct{}),
		incoming:   make(map[NodeID]map[EdgeID]struct{}),
	}
}

// InsertNode adds a new node. The node's ID must be set and unused.
func (s *Store) InsertNode(node *Node) error {
	if node == nil || node.ID == "" {
		return ErrInvalidID
	}
	if _, exists := s.nodes[node.ID]; exists {
		return ErrAlreadyExists
	}

	stored := copyNode(node)
	if stored.Lifecycle == "" {
		stored.Lifecycle = LifecycleActive
	}
	s.nodes[node.ID] = stored
	s.indexURL(node.ID, stored.URL)
	return nil
}

// RemoveNode deletes a node and cascades to every edge referencing it.
func (s *Store) RemoveNode(id NodeID) error {
	node, exists := s.nodes[id]
	if !exists {
		return ErrNotFound
	}

	s.unindexURL(id, node.URL)

	for edgeID := range s.outgoing[id] {
		if edge := s.edges[edgeID]; edge != nil {
			if in := s.incoming[edge.To]; in != nil {
				delete(in, edgeID)
			}
		}
		delete(s.edges, edgeID)
	}
	delete(s.outgoing, id)

	for edgeID := range s.incoming[id] {
		if edge := s.edges[edgeID]; edge != nil {
			if out := s.outgoing[edge.From]; out != nil {
				delete(out, edgeID)
			}
		}
		delete(s.edges, edgeID)
	}
	delete(s.incoming, id)

	delete(s.nodes, id)
	return nil
}

// InsertEdge adds a new edge. Both endpoints must already exist; a dangling
// edge is never observable.
func (s *Store) InsertEdge(edge *Edge) error {
	if edge == nil || edge.ID == "" {
		return ErrInvalidID
	}
	if _, exists := s.edges[edge.ID]; exists {
		return ErrAlreadyExists
	}
	if _, exists := s.nodes[edge.From]; !exists {
		return ErrDanglingEdge
	}
	if _, exists := s.nodes[edge.To]; !exists {
		return ErrDanglingEdge
	}

	stored := copyEdge(edge)
	s.edges[edge.ID] = stored

	if s.outgoing[edge.From] == nil {
		s.outgoing[edge.From] = make(map[EdgeID]struct{})
	}
	s.outgoing[edge.From][edge.ID] = struct{}{}

	if s.incoming[edge.To] == nil {
		s.incoming[edge.To] = make(map[EdgeID]struct{})
	}
	s.incoming[edge.To][edge.ID] = struct{}{}
	return nil
}

// RemoveEdge deletes an edge.
func (s *Store) RemoveEdge(id EdgeID) error {
	edge, exists := s.edges[id]
	if !exists {
		return ErrNotFound
	}

	if out := s.outgoing[edge.From]; out != nil {
		delete(out, id)
	}
	if in := s.incoming[edge.To]; in != nil {
		delete(in, id)
	}
	delete(s.edges, id)
	return nil
}

// UpdateNodeURL changes a node's URL, updating the URL index atomically with
// the node record. The URL is display data; identity is untouched.
func (s *Store) UpdateNodeURL(id NodeID, url string) error {
	node, exists := s.nodes[id]
	if !exists {
		return ErrNotFound
	}
	if node.URL == url {
		return nil
	}

	s.unindexURL(id, node.URL)
	node.URL = url
	s.indexURL(id, url)
	return nil
}

// UpdateNodeTitle changes a node's title.
func (s *Store) UpdateNodeTitle(id NodeID, title string) error {
	node, exists := s.nodes[id]
	if !exists {
		return ErrNotFound
	}
	node.Title = title
	return nil
}

// UpdateNodeLifecycle changes a node's resource-pressure state.
func (s *Store) UpdateNodeLifecycle(id NodeID, state Lifecycle) error {
	node, exists := s.nodes[id]
	if !exists {
		return ErrNotFound
	}
	node.Lifecycle = state
	return nil
}

// SetNodePinned marks or unmarks a node as pinned.
func (s *Store) SetNodePinned(id NodeID, pinned bool) error {
	node, exists := s.nodes[id]
	if !exists {
		return ErrNotFound
	}
	node.Pinned = pinned
	return nil
}

// UpdateNodePosition records the node's last known layout coordinates.
// The coordinates are an opaque payload to this store.
func (s *Store) UpdateNodePosition(id NodeID, pos Position) error {
	node, exists := s.nodes[id]
	if !exists {
		return ErrNotFound
	}
	node.Position = pos
	return nil
}

// TouchNodeVisited updates the visit timestamp and, when non-empty, the
// favicon reference.
func (s *Store) TouchNodeVisited(id NodeID, visited time.Time, favicon string) error {
	node, exists := s.nodes[id]
	if !exists {
		return ErrNotFound
	}
	node.LastVisited = visited
	if favicon != "" {
		node.Favicon = favicon
	}
	return nil
}

// Clear removes every node and edge.
func (s *Store) Clear() {
	s.nodes = make(map[NodeID]*Node)
	s.edges = make(map[EdgeID]*Edge)
	s.nodesByURL = make(map[string]map[NodeID]struct{})
	s.outgoing = make(map[NodeID]map[EdgeID]struct{})
	s.incoming = make(map[NodeID]map[EdgeID]struct{})
}

// GetNode returns a copy of the node, or ErrNotFound.
func (s *Store) GetNode(id NodeID) (*Node, error) {
	node, exists := s.nodes[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyNode(node), nil
}

// HasNode reports whether a node exists.
func (s *Store) HasNode(id NodeID) bool {
	_, exists := s.nodes[id]
	return exists
}

// GetEdge returns a copy of the edge, or ErrNotFound.
func (s *Store) GetEdge(id EdgeID) (*Edge, error) {
	edge, exists := s.edges[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyEdge(edge), nil
}

// HasEdge reports whether an edge exists.
func (s *Store) HasEdge(id EdgeID) bool {
	_, exists := s.edges[id]
	return exists
}

// NodesByURL returns copies of all nodes currently at the given URL.
// Multiple nodes may share a URL (distinct visits), so this is a multi-lookup.
func (s *Store) NodesByURL(url string) []*Node {
	ids := s.nodesByURL[url]
	if len(ids) == 0 {
		return []*Node{}
	}
	nodes := make([]*Node, 0, len(ids))
	for id := range ids {
		if node := s.nodes[id]; node != nil {
			nodes = append(nodes, copyNode(node))
		}
	}
	sortNodes(nodes)
	return nodes
}

// OutgoingEdges returns copies of all edges starting at the node.
func (s *Store) OutgoingEdges(id NodeID) []*Edge {
	return s.collectEdges(s.outgoing[id])
}

// IncomingEdges returns copies of all edges ending at the node.
func (s *Store) IncomingEdges(id NodeID) []*Edge {
	return s.collectEdges(s.incoming[id])
}

// EdgesBetween returns copies of all edges from one node to another.
func (s *Store) EdgesBetween(from, to NodeID) []*Edge {
	var edges []*Edge
	for edgeID := range s.outgoing[from] {
		if edge := s.edges[edgeID]; edge != nil && edge.To == to {
			edges = append(edges, copyEdge(edge))
		}
	}
	sortEdges(edges)
	return edges
}

// Neighbors returns the ids of nodes reachable over one outgoing edge.
func (s *Store) Neighbors(id NodeID) []NodeID {
	seen := make(map[NodeID]struct{})
	for edgeID := range s.outgoing[id] {
		if edge := s.edges[edgeID]; edge != nil {
			seen[edge.To] = struct{}{}
		}
	}
	out := make([]NodeID, 0, len(seen))
	for nid := range seen {
		out = append(out, nid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AllNodes returns copies of every node, ordered by creation time then id so
// the result is deterministic.
func (s *Store) AllNodes() []*Node {
	nodes := make([]*Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		nodes = append(nodes, copyNode(node))
	}
	sortNodes(nodes)
	return nodes
}

// AllEdges returns copies of every edge, deterministically ordered.
func (s *Store) AllEdges() []*Edge {
	edges := make([]*Edge, 0, len(s.edges))
	for _, edge := range s.edges {
		edges = append(edges, copyEdge(edge))
	}
	sortEdges(edges)
	return edges
}

// NodeCount returns the number of nodes.
func (s *Store) NodeCount() int {
	return len(s.nodes)
}

// EdgeCount returns the number of edges.
func (s *Store) EdgeCount() int {
	return len(s.edges)
}

// URLIndexSize returns how many distinct URLs are indexed.
func (s *Store) URLIndexSize() int {
	return len(s.nodesByURL)
}

// Clone produces a point-in-time deep copy of the whole graph, used by the
// snapshot worker so serialization never blocks the apply path.
func (s *Store) Clone() *Store {
	clone := NewStore()
	for id, node := range s.nodes {
		stored := copyNode(node)
		clone.nodes[id] = stored
		clone.indexURL(id, stored.URL)
	}
	for id, edge := range s.edges {
		stored := copyEdge(edge)
		clone.edges[id] = stored
		if clone.outgoing[edge.From] == nil {
			clone.outgoing[edge.From] = make(map[EdgeID]struct{})
		}
		clone.outgoing[edge.From][id] = struct{}{}
		if clone.incoming[edge.To] == nil {
			clone.incoming[edge.To] = make(map[EdgeID]struct{})
		}
		clone.incoming[edge.To][id] = struct{}{}
	}
	return clone
}

func (s *Store) collectEdges(ids map[EdgeID]struct{}) []*Edge {
	if len(ids) == 0 {
		return []*Edge{}
	}
	edges := make([]*Edge, 0, len(ids))
	for id := range ids {
		if edge := s.edges[id]; edge != nil {
			edges = append(edges, copyEdge(edge))
		}
	}
	sortEdges(edges)
	return edges
}

func (s *Store) indexURL(id NodeID, url string) {
	if s.nodesByURL[url] == nil {
		s.nodesByURL[url] = make(map[NodeID]struct{})
	}
	s.nodesByURL[url][id] = struct{}{}
}

func (s *Store) unindexURL(id NodeID, url string) {
	if ids := s.nodesByURL[url]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.nodesByURL, url)
		}
	}
}

func copyNode(n *Node) *Node {
	if n == nil {
		return nil
	}
	c := *n
	return &c
}

func copyEdge(e *Edge) *Edge {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// sortNodes orders by CreatedAt then ID: CreatedAt gives the user-visible
// deterministic ordering (e.g. tab order), ID breaks ties.
func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if !nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		}
		return nodes[i].ID < nodes[j].ID
	})
}

func sortEdges(edges []*Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if !edges[i].CreatedAt.Equal(edges[j].CreatedAt) {
			return edges[i].CreatedAt.Before(edges[j].CreatedAt)
		}
		return edges[i].ID < edges[j].ID
	})
}
