package wal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/driftbrowser/tabgraph/pkg/graph"
)

const (
	snapshotVersion  = 1
	snapshotPrefix   = "snapshot-"
	snapshotSuffix   = ".json"
	manifestFileName = "manifest.json"
)

// ErrSnapshotInvalid marks a snapshot artifact that failed its integrity
// check. The artifact is skipped, never deleted.
var ErrSnapshotInvalid = errors.New("wal: invalid snapshot")

// Snapshot is a full materialization of the graph at a log position.
// Entries with sequence at or before Sequence are already reflected.
type Snapshot struct {
	Version   int           `json:"version"`
	Sequence  uint64        `json:"sequence"`
	Timestamp time.Time     `json:"timestamp"`
	Nodes     []*graph.Node `json:"nodes"`
	Edges     []*graph.Edge `json:"edges"`
}

// NewSnapshot materializes the store's current state tagged with seq.
// The store passed in should be a point-in-time clone when called off the
// pipeline goroutine.
func NewSnapshot(store *graph.Store, seq uint64) *Snapshot {
	return &Snapshot{
		Version:   snapshotVersion,
		Sequence:  seq,
		Timestamp: time.Now(),
		Nodes:     store.AllNodes(),
		Edges:     store.AllEdges(),
	}
}

// Restore builds a graph store from the snapshot contents.
func (s *Snapshot) Restore() (*graph.Store, error) {
	store := graph.NewStore()
	for _, node := range s.Nodes {
		if err := store.InsertNode(node); err != nil {
			return nil, fmt.Errorf("wal: snapshot node %s: %w", node.ID, err)
		}
	}
	for _, edge := range s.Edges {
		if err := store.InsertEdge(edge); err != nil {
			return nil, fmt.Errorf("wal: snapshot edge %s: %w", edge.ID, err)
		}
	}
	return store, nil
}

// SnapshotFileName returns the artifact name for a sequence marker.
func SnapshotFileName(seq uint64) string {
	return fmt.Sprintf("%s%016d%s", snapshotPrefix, seq, snapshotSuffix)
}

// Manifest records the latest fully written snapshot. Recovery trusts the
// manifest first and falls back to scanning the directory.
type Manifest struct {
	Latest    string    `json:"latest"`
	Sequence  uint64    `json:"sequence"`
	WrittenAt time.Time `json:"written_at"`
}

// WriteSnapshot persists snap into dir and updates the manifest. Both writes
// use the write-to-temp + fsync + atomic-rename pattern so a crash at any
// point leaves the previous snapshot and manifest intact.
func WriteSnapshot(dir string, snap *Snapshot) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("wal: failed to create snapshot directory: %w", err)
	}

	name := SnapshotFileName(snap.Sequence)
	path := filepath.Join(dir, name)
	if err := writeFileAtomic(path, snap); err != nil {
		return "", err
	}

	manifest := &Manifest{
		Latest:    name,
		Sequence:  snap.Sequence,
		WrittenAt: time.Now(),
	}
	if err := writeFileAtomic(filepath.Join(dir, manifestFileName), manifest); err != nil {
		return "", err
	}

	if err := syncDir(dir); err != nil {
		// Snapshot and manifest data are already safe; the renames may just
		// need redoing after a crash.
		return path, nil
	}
	return path, nil
}

func writeFileAtomic(path string, v any) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("wal: failed to create %s: %w", filepath.Base(path), err)
	}

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("wal: failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("wal: failed to sync %s: %w", filepath.Base(path), err)
	}
	file.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("wal: failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// LoadSnapshot reads and validates one snapshot artifact.
func LoadSnapshot(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wal: failed to open snapshot: %w", err)
	}
	defer file.Close()

	var snap Snapshot
	if err := json.NewDecoder(file).Decode(&snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotInvalid, err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrSnapshotInvalid, snap.Version)
	}
	for _, node := range snap.Nodes {
		if node == nil || node.ID == "" {
			return nil, fmt.Errorf("%w: node without id", ErrSnapshotInvalid)
		}
	}
	for _, edge := range snap.Edges {
		if edge == nil || edge.ID == "" || edge.From == "" || edge.To == "" {
			return nil, fmt.Errorf("%w: malformed edge", ErrSnapshotInvalid)
		}
	}
	return &snap, nil
}

// LoadManifest reads the manifest if present.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("wal: failed to decode manifest: %w", err)
	}
	return &m, nil
}

// ListSnapshots returns snapshot artifact names in dir, newest sequence
// first.
func ListSnapshots(dir string) []string {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, de := range dirEntries {
		name := de.Name()
		if strings.HasPrefix(name, snapshotPrefix) && strings.HasSuffix(name, snapshotSuffix) &&
			!strings.HasSuffix(name, ".tmp") {
			names = append(names, name)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names))) // zero-padded seq sorts lexically
	return names
}

// PruneSnapshots removes old snapshot artifacts, keeping the newest keep
// valid ones. The snapshot named by the manifest is always kept, so at least
// one fully valid snapshot remains.
func PruneSnapshots(dir string, keep int) error {
	if keep < 1 {
		keep = 1
	}

	var latest string
	if m, err := LoadManifest(dir); err == nil {
		latest = m.Latest
	}

	names := ListSnapshots(dir)
	kept := 0
	var firstErr error
	for _, name := range names {
		if name == latest || kept < keep {
			kept++
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
