package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftbrowser/tabgraph/pkg/graph"
)

func kinds(batch []envelope) []Kind {
	out := make([]Kind, len(batch))
	for i, env := range batch {
		out[i] = env.intent.Kind
	}
	return out
}

func TestOrderBatch(t *testing.T) {
	t.Run("source_priority_before_submission_order", func(t *testing.T) {
		batch := []envelope{
			{intent: UpdateNodeTitle("n1", "kb"), source: SourceKeyboard, seq: 1},
			{intent: UpdateNodeTitle("n1", "nav"), source: SourceNavigation, seq: 2},
			{intent: UpdateNodeTitle("n1", "ui"), source: SourceUI, seq: 3},
		}
		orderBatch(batch)

		assert.Equal(t, SourceUI, batch[0].source)
		assert.Equal(t, SourceNavigation, batch[1].source)
		assert.Equal(t, SourceKeyboard, batch[2].source)
	})

	t.Run("submission_sequence_within_source", func(t *testing.T) {
		batch := []envelope{
			{intent: UpdateNodeTitle("n1", "b"), source: SourceUI, seq: 9},
			{intent: UpdateNodeTitle("n1", "a"), source: SourceUI, seq: 4},
		}
		orderBatch(batch)

		assert.Equal(t, uint64(4), batch[0].seq)
		assert.Equal(t, uint64(9), batch[1].seq)
	})
}

func TestResolveBatch(t *testing.T) {
	t.Run("deletion_dominates_metadata", func(t *testing.T) {
		b := graph.NodeID("node-b")
		batch := []envelope{
			{intent: RemoveNode(b), source: SourceUI, seq: 1},
			{intent: UpdateNodeTitle(b, "x"), source: SourceUI, seq: 2},
		}
		survivors := resolveBatch(batch)

		require.Len(t, survivors, 1)
		assert.Equal(t, KindRemoveNode, survivors[0].intent.Kind)
	})

	t.Run("deletion_dominates_regardless_of_order", func(t *testing.T) {
		b := graph.NodeID("node-b")
		batch := []envelope{
			{intent: UpdateNodeTitle(b, "x"), source: SourceUI, seq: 1},
			{intent: RemoveNode(b), source: SourceUI, seq: 2},
		}
		survivors := resolveBatch(batch)

		require.Len(t, survivors, 1)
		assert.Equal(t, KindRemoveNode, survivors[0].intent.Kind)
	})

	t.Run("last_writer_wins_same_field", func(t *testing.T) {
		n := graph.NodeID("node-a")
		batch := []envelope{
			{intent: UpdateNodeTitle(n, "first"), source: SourceUI, seq: 1},
			{intent: UpdateNodeTitle(n, "second"), source: SourceUI, seq: 2},
			{intent: UpdateNodeTitle(n, "third"), source: SourceUI, seq: 3},
		}
		survivors := resolveBatch(batch)

		require.Len(t, survivors, 1)
		assert.Equal(t, "third", survivors[0].intent.Title)
	})

	t.Run("different_fields_do_not_conflict", func(t *testing.T) {
		n := graph.NodeID("node-a")
		batch := []envelope{
			{intent: UpdateNodeTitle(n, "t"), source: SourceUI, seq: 1},
			{intent: UpdateNodeURL(n, "https://a2"), source: SourceUI, seq: 2},
			{intent: Pin(n, true), source: SourceUI, seq: 3},
		}
		survivors := resolveBatch(batch)
		assert.Len(t, survivors, 3)
	})

	t.Run("clear_graph_drops_everything_before_it", func(t *testing.T) {
		n := graph.NodeID("node-a")
		batch := []envelope{
			{intent: UpdateNodeTitle(n, "t"), source: SourceUI, seq: 1},
			{intent: RemoveNode(n), source: SourceUI, seq: 2},
			{intent: ClearGraph(), source: SourceUI, seq: 3},
			{intent: CreateNode("https://fresh", ""), source: SourceUI, seq: 4},
		}
		survivors := resolveBatch(batch)

		assert.Equal(t, []Kind{KindClearGraph, KindCreateNode}, kinds(survivors))
	})

	t.Run("edge_to_removed_endpoint_is_dropped", func(t *testing.T) {
		a := graph.NodeID("node-a")
		b := graph.NodeID("node-b")
		batch := []envelope{
			{intent: CreateEdge(a, b, graph.EdgeKindManual), source: SourceUI, seq: 1},
			{intent: RemoveNode(b), source: SourceUI, seq: 2},
		}
		survivors := resolveBatch(batch)

		require.Len(t, survivors, 1)
		assert.Equal(t, KindRemoveNode, survivors[0].intent.Kind)
	})

	t.Run("duplicate_removals_collapse", func(t *testing.T) {
		n := graph.NodeID("node-a")
		e := graph.EdgeID("edge-1")
		batch := []envelope{
			{intent: RemoveNode(n), source: SourceUI, seq: 1},
			{intent: RemoveNode(n), source: SourceNavigation, seq: 2},
			{intent: RemoveEdge(e), source: SourceUI, seq: 3},
			{intent: RemoveEdge(e), source: SourceUI, seq: 4},
		}
		survivors := resolveBatch(batch)
		assert.Len(t, survivors, 2)
	})

	t.Run("create_node_is_never_dropped_by_node_removal", func(t *testing.T) {
		// A removed origin only suppresses the implicit edge at apply time;
		// the new node itself has a fresh id and cannot conflict.
		origin := graph.NodeID("node-a")
		batch := []envelope{
			{intent: RemoveNode(origin), source: SourceUI, seq: 1},
			{intent: CreateNode("https://b", origin), source: SourceNavigation, seq: 2},
		}
		survivors := resolveBatch(batch)
		assert.Len(t, survivors, 2)
	})
}
