package wal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/driftbrowser/tabgraph/pkg/graph"
)

// RecoveryInfo reports what startup recovery found and did.
type RecoveryInfo struct {
	SnapshotFile     string // empty when starting from an empty graph
	SnapshotSequence uint64
	Sequence         uint64 // highest sequence reflected in the recovered graph
	Replay           ReplayResult
	LogReport        ReadReport
}

// ReplayResult tracks the outcome of log replay.
type ReplayResult struct {
	Applied int // successfully applied entries
	Skipped int // expected skips (checkpoints, idempotent duplicates)
	Failed  int // unexpected failures
	Errors  []ReplayError
}

// ReplayError captures one failed replay entry.
type ReplayError struct {
	Sequence uint64
	Op       Op
	Err      error
}

// Summary returns a compact human-readable result line.
func (r ReplayResult) Summary() string {
	return fmt.Sprintf("applied=%d skipped=%d failed=%d", r.Applied, r.Skipped, r.Failed)
}

// Recover rebuilds the graph from the artifacts in dir. It runs once at
// startup, before the intent pipeline accepts anything.
//
// Order of preference: the manifest's snapshot, then any valid snapshot in
// the directory (newest sequence first), then an empty graph. The log is then
// replayed from the snapshot's sequence marker onward, in recorded order,
// stopping at the first malformed or truncated record. Unusable artifacts
// are left on disk untouched.
func Recover(dir string, logger *zap.Logger) (*graph.Store, *RecoveryInfo, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	info := &RecoveryInfo{}

	store := recoverSnapshot(dir, logger, info)
	if store == nil {
		store = graph.NewStore()
	}

	logPath := filepath.Join(dir, logFileName)
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		info.Sequence = info.SnapshotSequence
		return store, info, nil
	}

	entries, report := ReadEntriesAfter(logPath, info.SnapshotSequence)
	info.LogReport = report
	if report.Corrupted || report.Truncated {
		logger.Warn("log replay stops at last well-formed entry",
			zap.Uint64("last_good_seq", report.LastGoodSeq),
			zap.String("reason", report.Reason),
			zap.Bool("truncated_tail", report.Truncated))
	}

	info.Replay = ReplayEntries(store, entries)
	info.Sequence = info.SnapshotSequence
	if n := len(entries); n > 0 {
		info.Sequence = entries[n-1].Sequence
	}

	if info.Replay.Failed > 0 {
		logger.Warn("log replay completed with failures", zap.String("result", info.Replay.Summary()))
	}
	return store, info, nil
}

// recoverSnapshot loads the best available snapshot, or nil for a fresh
// start. It tries the manifest first, then scans.
func recoverSnapshot(dir string, logger *zap.Logger, info *RecoveryInfo) *graph.Store {
	tried := make(map[string]bool)

	try := func(name string) *graph.Store {
		if name == "" || tried[name] {
			return nil
		}
		tried[name] = true
		path := filepath.Join(dir, name)
		snap, err := LoadSnapshot(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				logger.Warn("skipping unusable snapshot", zap.String("file", name), zap.Error(err))
			}
			return nil
		}
		store, err := snap.Restore()
		if err != nil {
			logger.Warn("skipping inconsistent snapshot", zap.String("file", name), zap.Error(err))
			return nil
		}
		info.SnapshotFile = name
		info.SnapshotSequence = snap.Sequence
		return store
	}

	if m, err := LoadManifest(dir); err == nil {
		if store := try(m.Latest); store != nil {
			return store
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		logger.Warn("manifest unreadable, scanning snapshot directory", zap.Error(err))
	}

	for _, name := range ListSnapshots(dir) {
		if store := try(name); store != nil {
			return store
		}
	}
	return nil
}

// ReplayEntries applies entries to the store in recorded order. Replay
// bypasses intent ordering and conflict resolution: the recorded order is
// the resolved order.
func ReplayEntries(store *graph.Store, entries []Entry) ReplayResult {
	var result ReplayResult
	for _, entry := range entries {
		if entry.Op == OpCheckpoint {
			result.Skipped++
			continue
		}
		err := ReplayEntry(store, entry)
		switch {
		case err == nil:
			result.Applied++
		case errors.Is(err, graph.ErrAlreadyExists):
			// Idempotent duplicate; already reflected.
			result.Skipped++
		default:
			result.Failed++
			result.Errors = append(result.Errors, ReplayError{
				Sequence: entry.Sequence,
				Op:       entry.Op,
				Err:      err,
			})
		}
	}
	return result
}

// ReplayEntry applies a single entry directly to the store.
func ReplayEntry(store *graph.Store, entry Entry) error {
	switch entry.Op {
	case OpAddNode:
		var data NodeData
		if err := json.Unmarshal(entry.Data, &data); err != nil {
			return fmt.Errorf("wal: failed to unmarshal node: %w", err)
		}
		return store.InsertNode(data.Node)

	case OpRemoveNode:
		var data RemoveNodeData
		if err := json.Unmarshal(entry.Data, &data); err != nil {
			return fmt.Errorf("wal: failed to unmarshal node removal: %w", err)
		}
		return store.RemoveNode(data.ID)

	case OpAddEdge:
		var data EdgeData
		if err := json.Unmarshal(entry.Data, &data); err != nil {
			return fmt.Errorf("wal: failed to unmarshal edge: %w", err)
		}
		return store.InsertEdge(data.Edge)

	case OpRemoveEdge:
		var data RemoveEdgeData
		if err := json.Unmarshal(entry.Data, &data); err != nil {
			return fmt.Errorf("wal: failed to unmarshal edge removal: %w", err)
		}
		return store.RemoveEdge(data.ID)

	case OpUpdateNodeURL:
		var data URLData
		if err := json.Unmarshal(entry.Data, &data); err != nil {
			return fmt.Errorf("wal: failed to unmarshal url update: %w", err)
		}
		return store.UpdateNodeURL(data.ID, data.URL)

	case OpUpdateNodeTitle:
		var data TitleData
		if err := json.Unmarshal(entry.Data, &data); err != nil {
			return fmt.Errorf("wal: failed to unmarshal title update: %w", err)
		}
		return store.UpdateNodeTitle(data.ID, data.Title)

	case OpUpdateNodeLifecycle:
		var data LifecycleData
		if err := json.Unmarshal(entry.Data, &data); err != nil {
			return fmt.Errorf("wal: failed to unmarshal lifecycle update: %w", err)
		}
		return store.UpdateNodeLifecycle(data.ID, data.State)

	case OpPinNode:
		var data PinData
		if err := json.Unmarshal(entry.Data, &data); err != nil {
			return fmt.Errorf("wal: failed to unmarshal pin update: %w", err)
		}
		return store.SetNodePinned(data.ID, data.Pinned)

	case OpUpdateNodePosition:
		var data PositionData
		if err := json.Unmarshal(entry.Data, &data); err != nil {
			return fmt.Errorf("wal: failed to unmarshal position update: %w", err)
		}
		return store.UpdateNodePosition(data.ID, data.Position)

	case OpTouchNode:
		var data TouchData
		if err := json.Unmarshal(entry.Data, &data); err != nil {
			return fmt.Errorf("wal: failed to unmarshal visit update: %w", err)
		}
		return store.TouchNodeVisited(data.ID, data.Visited, data.Favicon)

	case OpClearGraph:
		store.Clear()
		return nil

	case OpCheckpoint:
		return nil

	default:
		return fmt.Errorf("wal: unknown operation: %s", entry.Op)
	}
}
