package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftbrowser/tabgraph/pkg/graph"
)

func testNode(url string) *graph.Node {
	return &graph.Node{
		ID:        graph.NewNodeID(),
		URL:       url,
		CreatedAt: time.Now(),
		Lifecycle: graph.LifecycleActive,
	}
}

func TestOpen(t *testing.T) {
	t.Run("creates_directory_and_file", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "wal")
		l, err := Open(dir, nil)
		require.NoError(t, err)
		defer l.Close()

		_, err = os.Stat(filepath.Join(dir, logFileName))
		assert.NoError(t, err)
	})

	t.Run("resumes_sequence_from_existing_log", func(t *testing.T) {
		dir := t.TempDir()
		l, err := Open(dir, &Config{SyncMode: SyncImmediate})
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			_, err := l.Append(OpAddNode, NodeData{Node: testNode("https://a")})
			require.NoError(t, err)
		}
		require.NoError(t, l.Close())

		l2, err := Open(dir, &Config{SyncMode: SyncImmediate})
		require.NoError(t, err)
		defer l2.Close()

		assert.Equal(t, uint64(3), l2.Sequence())
		seq, err := l2.Append(OpAddNode, NodeData{Node: testNode("https://b")})
		require.NoError(t, err)
		assert.Equal(t, uint64(4), seq)
	})

	t.Run("repairs_damaged_tail_before_appending", func(t *testing.T) {
		dir := t.TempDir()
		l, err := Open(dir, &Config{SyncMode: SyncImmediate})
		require.NoError(t, err)
		a := testNode("https://a")
		_, err = l.Append(OpAddNode, NodeData{Node: a})
		require.NoError(t, err)
		require.NoError(t, l.Close())

		// A crash mid-write leaves a partial header behind the last good
		// record. Appending behind it would strand every later entry: reads
		// stop at the damage and never reach them.
		path := LogPath(dir)
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
		require.NoError(t, err)
		_, err = f.Write([]byte{0x54, 0x47})
		require.NoError(t, err)
		require.NoError(t, f.Close())

		l2, err := Open(dir, &Config{SyncMode: SyncImmediate})
		require.NoError(t, err)
		b := testNode("https://b")
		seq, err := l2.Append(OpAddNode, NodeData{Node: b})
		require.NoError(t, err)
		assert.Equal(t, uint64(2), seq)
		require.NoError(t, l2.Close())

		entries, report := ReadEntries(path)
		require.Len(t, entries, 2)
		assert.False(t, report.Truncated)
		assert.False(t, report.Corrupted)

		store, info, err := Recover(dir, nil)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), info.Sequence)
		assert.True(t, store.HasNode(a.ID))
		assert.True(t, store.HasNode(b.ID))

		// The refused bytes are preserved next to the log.
		damaged, err := filepath.Glob(path + ".damaged-*")
		require.NoError(t, err)
		assert.Len(t, damaged, 1)
	})

	t.Run("repairs_garbage_tail_after_good_entries", func(t *testing.T) {
		dir := t.TempDir()
		l, err := Open(dir, &Config{SyncMode: SyncImmediate})
		require.NoError(t, err)
		a := testNode("https://a")
		_, err = l.Append(OpAddNode, NodeData{Node: a})
		require.NoError(t, err)
		require.NoError(t, l.Close())

		// A full bogus header: wrong magic, read as corruption not truncation.
		path := LogPath(dir)
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
		require.NoError(t, err)
		_, err = f.Write(make([]byte, 16))
		require.NoError(t, err)
		require.NoError(t, f.Close())

		l2, err := Open(dir, &Config{SyncMode: SyncImmediate})
		require.NoError(t, err)
		b := testNode("https://b")
		_, err = l2.Append(OpAddNode, NodeData{Node: b})
		require.NoError(t, err)
		require.NoError(t, l2.Close())

		store, info, err := Recover(dir, nil)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), info.Sequence)
		assert.True(t, store.HasNode(b.ID))
	})
}

func TestLog_Append(t *testing.T) {
	t.Run("assigns_monotonic_sequences", func(t *testing.T) {
		dir := t.TempDir()
		l, err := Open(dir, &Config{SyncMode: SyncNone})
		require.NoError(t, err)
		defer l.Close()

		for want := uint64(1); want <= 5; want++ {
			seq, err := l.Append(OpAddNode, NodeData{Node: testNode("https://a")})
			require.NoError(t, err)
			assert.Equal(t, want, seq)
		}
		assert.Equal(t, int64(5), l.SinceMark())
	})

	t.Run("returns_error_when_closed", func(t *testing.T) {
		l, err := Open(t.TempDir(), nil)
		require.NoError(t, err)
		require.NoError(t, l.Close())

		_, err = l.Append(OpAddNode, NodeData{Node: testNode("https://a")})
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("mark_snapshot_resets_counter", func(t *testing.T) {
		l, err := Open(t.TempDir(), &Config{SyncMode: SyncNone})
		require.NoError(t, err)
		defer l.Close()

		_, err = l.Append(OpAddNode, NodeData{Node: testNode("https://a")})
		require.NoError(t, err)
		require.Equal(t, int64(1), l.SinceMark())

		l.MarkSnapshot()
		assert.Equal(t, int64(0), l.SinceMark())
	})
}

func TestReadEntries(t *testing.T) {
	t.Run("roundtrips_entries_in_order", func(t *testing.T) {
		dir := t.TempDir()
		l, err := Open(dir, &Config{SyncMode: SyncImmediate})
		require.NoError(t, err)

		n := testNode("https://a")
		_, err = l.Append(OpAddNode, NodeData{Node: n})
		require.NoError(t, err)
		_, err = l.Append(OpUpdateNodeTitle, TitleData{ID: n.ID, Title: "t"})
		require.NoError(t, err)
		_, err = l.Append(OpRemoveNode, RemoveNodeData{ID: n.ID})
		require.NoError(t, err)
		require.NoError(t, l.Close())

		entries, report := ReadEntries(filepath.Join(dir, logFileName))
		require.Len(t, entries, 3)
		assert.False(t, report.Truncated)
		assert.False(t, report.Corrupted)
		assert.Equal(t, OpAddNode, entries[0].Op)
		assert.Equal(t, OpUpdateNodeTitle, entries[1].Op)
		assert.Equal(t, OpRemoveNode, entries[2].Op)
		assert.Equal(t, uint64(3), report.LastGoodSeq)
	})

	t.Run("missing_file_is_empty_and_clean", func(t *testing.T) {
		entries, report := ReadEntries(filepath.Join(t.TempDir(), "absent.wal"))
		assert.Empty(t, entries)
		assert.False(t, report.Truncated)
		assert.False(t, report.Corrupted)
	})

	t.Run("stops_at_truncated_tail", func(t *testing.T) {
		dir := t.TempDir()
		l, err := Open(dir, &Config{SyncMode: SyncImmediate})
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			_, err := l.Append(OpAddNode, NodeData{Node: testNode("https://a")})
			require.NoError(t, err)
		}
		require.NoError(t, l.Close())

		// Simulate a crash mid-write: a header with no body.
		path := filepath.Join(dir, logFileName)
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
		require.NoError(t, err)
		_, err = f.Write([]byte{0x54, 0x47, 0x4C, 0x45, 0x01, 0xFF, 0x00})
		require.NoError(t, err)
		require.NoError(t, f.Close())

		entries, report := ReadEntries(path)
		assert.Len(t, entries, 3)
		assert.True(t, report.Truncated)
		assert.Equal(t, uint64(3), report.LastGoodSeq)
	})

	t.Run("stops_before_corrupted_record", func(t *testing.T) {
		dir := t.TempDir()
		l, err := Open(dir, &Config{SyncMode: SyncImmediate})
		require.NoError(t, err)
		for i := 0; i < 4; i++ {
			_, err := l.Append(OpAddNode, NodeData{Node: testNode("https://a")})
			require.NoError(t, err)
		}
		require.NoError(t, l.Close())

		// Flip a byte near the middle of the file.
		path := filepath.Join(dir, logFileName)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		data[len(data)/2] ^= 0xFF
		require.NoError(t, os.WriteFile(path, data, 0o644))

		entries, report := ReadEntries(path)
		assert.Less(t, len(entries), 4)
		assert.True(t, report.Truncated || report.Corrupted)
	})
}

func TestLog_TruncateThrough(t *testing.T) {
	t.Run("keeps_entries_past_the_marker", func(t *testing.T) {
		dir := t.TempDir()
		l, err := Open(dir, &Config{SyncMode: SyncImmediate})
		require.NoError(t, err)
		defer l.Close()

		for i := 0; i < 5; i++ {
			_, err := l.Append(OpAddNode, NodeData{Node: testNode("https://a")})
			require.NoError(t, err)
		}

		require.NoError(t, l.TruncateThrough(3))

		entries, report := ReadEntries(l.Path())
		require.Len(t, entries, 2)
		assert.False(t, report.Corrupted)
		assert.Equal(t, uint64(4), entries[0].Sequence)
		assert.Equal(t, uint64(5), entries[1].Sequence)

		// Appends continue past the pre-truncation sequence.
		seq, err := l.Append(OpAddNode, NodeData{Node: testNode("https://b")})
		require.NoError(t, err)
		assert.Equal(t, uint64(6), seq)
	})

	t.Run("marker_covering_everything_empties_the_log", func(t *testing.T) {
		dir := t.TempDir()
		l, err := Open(dir, &Config{SyncMode: SyncImmediate})
		require.NoError(t, err)
		defer l.Close()

		for i := 0; i < 3; i++ {
			_, err := l.Append(OpAddNode, NodeData{Node: testNode("https://a")})
			require.NoError(t, err)
		}

		require.NoError(t, l.TruncateThrough(3))

		entries, report := ReadEntries(l.Path())
		assert.Empty(t, entries)
		assert.False(t, report.Corrupted)

		seq, err := l.Append(OpAddNode, NodeData{Node: testNode("https://b")})
		require.NoError(t, err)
		assert.Equal(t, uint64(4), seq)
	})
}

func TestLog_AdvanceSequence(t *testing.T) {
	l, err := Open(t.TempDir(), &Config{SyncMode: SyncNone})
	require.NoError(t, err)
	defer l.Close()

	l.AdvanceSequence(7)
	seq, err := l.Append(OpAddNode, NodeData{Node: testNode("https://a")})
	require.NoError(t, err)
	assert.Equal(t, uint64(8), seq)

	// Advancing below the current counter never rewinds it.
	l.AdvanceSequence(3)
	seq, err = l.Append(OpAddNode, NodeData{Node: testNode("https://b")})
	require.NoError(t, err)
	assert.Equal(t, uint64(9), seq)
}

func TestCheckIntegrity(t *testing.T) {
	t.Run("missing_log_is_healthy", func(t *testing.T) {
		report, err := CheckIntegrity(filepath.Join(t.TempDir(), "absent.wal"))
		require.NoError(t, err)
		assert.True(t, report.Healthy)
		assert.Zero(t, report.TotalEntries)
	})

	t.Run("truncated_tail_is_healthy", func(t *testing.T) {
		dir := t.TempDir()
		l, err := Open(dir, &Config{SyncMode: SyncImmediate})
		require.NoError(t, err)
		_, err = l.Append(OpAddNode, NodeData{Node: testNode("https://a")})
		require.NoError(t, err)
		require.NoError(t, l.Close())

		f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
		require.NoError(t, err)
		_, err = f.Write([]byte{0x54, 0x47})
		require.NoError(t, err)
		require.NoError(t, f.Close())

		report, err := CheckIntegrity(l.Path())
		require.NoError(t, err)
		assert.True(t, report.Healthy)
		assert.True(t, report.Truncated)
		assert.Equal(t, 1, report.TotalEntries)
	})
}
