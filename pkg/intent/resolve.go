package intent

import (
	"sort"

	"github.com/driftbrowser/tabgraph/pkg/graph"
)

// orderBatch sorts envelopes into the pipeline's total order: source priority
// first, then global submission sequence. Wall-clock arrival order never
// participates.
func orderBatch(batch []envelope) {
	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].source != batch[j].source {
			return batch[i].source < batch[j].source
		}
		return batch[i].seq < batch[j].seq
	})
}

// resolveBatch applies the conflict precedence rules to an ordered batch and
// returns the surviving envelopes, still in order. The rules are total:
//
//  1. ClearGraph drops every intent ordered before it. Intents ordered after
//     it apply to the cleared graph.
//  2. RemoveNode(id) drops every metadata intent targeting id, regardless of
//     relative order: deletion dominates metadata mutation.
//  3. RemoveEdge(id) likewise drops nothing else; it only wins over a
//     duplicate RemoveEdge of the same id.
//  4. CreateEdge with an endpoint removed in the same batch is dropped, so a
//     committed batch can never introduce a dangling edge.
//  5. Same-field metadata updates to one node: the last writer by order wins;
//     earlier ones are dropped outright, producing exactly one log entry.
func resolveBatch(batch []envelope) []envelope {
	// Rule 1: keep from the last ClearGraph onward.
	for i := len(batch) - 1; i >= 0; i-- {
		if batch[i].intent.Kind == KindClearGraph {
			batch = batch[i:]
			break
		}
	}

	removedNodes := make(map[graph.NodeID]bool)
	removedEdges := make(map[graph.EdgeID]bool)
	for _, env := range batch {
		switch env.intent.Kind {
		case KindRemoveNode:
			removedNodes[env.intent.NodeID] = true
		case KindRemoveEdge:
			removedEdges[env.intent.EdgeID] = true
		}
	}

	// Rule 5: walking backwards, the first occurrence of a (node, kind) pair
	// is the winner.
	type fieldKey struct {
		node graph.NodeID
		kind Kind
	}
	lastWriter := make(map[fieldKey]int)
	for i := len(batch) - 1; i >= 0; i-- {
		in := batch[i].intent
		if !in.isMetadata() {
			continue
		}
		key := fieldKey{node: in.NodeID, kind: in.Kind}
		if _, seen := lastWriter[key]; !seen {
			lastWriter[key] = i
		}
	}

	seenRemovedNode := make(map[graph.NodeID]bool)
	seenRemovedEdge := make(map[graph.EdgeID]bool)

	survivors := batch[:0]
	for i, env := range batch {
		in := env.intent
		switch {
		case in.isMetadata():
			if removedNodes[in.NodeID] {
				continue // rule 2
			}
			if lastWriter[fieldKey{node: in.NodeID, kind: in.Kind}] != i {
				continue // rule 5
			}
		case in.Kind == KindCreateEdge:
			if removedNodes[in.From] || removedNodes[in.To] {
				continue // rule 4
			}
		case in.Kind == KindRemoveNode:
			if seenRemovedNode[in.NodeID] {
				continue // duplicate removal
			}
			seenRemovedNode[in.NodeID] = true
		case in.Kind == KindRemoveEdge:
			if seenRemovedEdge[in.EdgeID] {
				continue // rule 3
			}
			seenRemovedEdge[in.EdgeID] = true
		}
		survivors = append(survivors, env)
	}
	return survivors
}
