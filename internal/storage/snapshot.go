package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// Snapshot is a point-in-time capture of engine state, used for fast
// recovery instead of replaying the entire log. State is opaque here:
// the engine owns its serialization.
type Snapshot struct {
	// Seq is the last event sequence number folded into State.
	Seq    uint64          `json:"seq"`
	TsUnix int64           `json:"ts"`
	State  json.RawMessage `json:"state"`
}

// SnapshotManager handles saving and loading snapshots.
type SnapshotManager struct {
	dir string
	log *slog.Logger
}

// NewSnapshotManager creates a snapshot manager over dir.
func NewSnapshotManager(dir string, log *slog.Logger) *SnapshotManager {
	if log == nil {
		log = slog.Default()
	}
	return &SnapshotManager{dir: dir, log: log}
}

// Save writes a snapshot to disk.
func (sm *SnapshotManager) Save(snap *Snapshot) error {
	if err := os.MkdirAll(sm.dir, 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	filename := fmt.Sprintf("snapshot_%d_%d.json", snap.Seq, snap.TsUnix)
	path := filepath.Join(sm.dir, filename)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	sm.log.Info("snapshot saved",
		slog.Uint64("seq", snap.Seq),
		slog.String("path", path))
	return nil
}

// LoadLatest loads the snapshot with the highest sequence number.
// Returns nil without error when none exists.
func (sm *SnapshotManager) LoadLatest() (*Snapshot, error) {
	entries, err := os.ReadDir(sm.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}

	var latestPath string
	var latestSeq uint64
	found := false
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var seq uint64
		var ts int64
		if _, err := fmt.Sscanf(entry.Name(), "snapshot_%d_%d.json", &seq, &ts); err != nil {
			continue
		}
		if !found || seq > latestSeq {
			found = true
			latestSeq = seq
			latestPath = filepath.Join(sm.dir, entry.Name())
		}
	}
	if !found {
		return nil, nil
	}

	data, err := os.ReadFile(latestPath)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	sm.log.Info("snapshot loaded",
		slog.Uint64("seq", snap.Seq),
		slog.String("path", latestPath))
	return &snap, nil
}

// Cleanup removes old snapshots, keeping only the latest keepCount.
func (sm *SnapshotManager) Cleanup(keepCount int) error {
	entries, err := os.ReadDir(sm.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	type snapFile struct {
		path string
		seq  uint64
	}
	var files []snapFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var seq uint64
		var ts int64
		if _, err := fmt.Sscanf(entry.Name(), "snapshot_%d_%d.json", &seq, &ts); err == nil {
			files = append(files, snapFile{path: filepath.Join(sm.dir, entry.Name()), seq: seq})
		}
	}
	if len(files) <= keepCount {
		return nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].seq > files[j].seq })
	for i := keepCount; i < len(files); i++ {
		if err := os.Remove(files[i].path); err != nil {
			sm.log.Warn("snapshot removal failed", slog.String("path", files[i].path))
		} else {
			sm.log.Info("removed old snapshot", slog.String("path", files[i].path))
		}
	}
	return nil
}
