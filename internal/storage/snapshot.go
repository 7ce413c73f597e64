package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"venuelink/internal/domain"
)

// Snapshot is a point-in-time capture of tracked state, used for fast
// recovery instead of replaying the entire journal.
type Snapshot struct {
	Seq    uint64                   `json:"seq"` // last journaled sequence
	TsUnix int64                    `json:"ts"`
	Orders []domain.Order           `json:"orders"`
	Fills  map[string][]domain.Fill `json:"fills"` // client order id -> accepted fills
	Groups []domain.BracketGroup    `json:"groups"`
}

// SnapshotManager handles saving and loading snapshots.
type SnapshotManager struct {
	dir string
}

func NewSnapshotManager(dir string) *SnapshotManager {
	return &SnapshotManager{dir: dir}
}

// Save writes a snapshot to disk.
func (sm *SnapshotManager) Save(snap *Snapshot) error {
	if err := os.MkdirAll(sm.dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	filename := fmt.Sprintf("snapshot_%d_%d.json", snap.Seq, snap.TsUnix)
	path := filepath.Join(sm.dir, filename)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	slog.Info("Snapshot saved",
		slog.Uint64("seq", snap.Seq),
		slog.String("path", path))
	return nil
}

// LoadLatest loads the most recent snapshot from disk.
// Returns nil if no snapshot exists.
func (sm *SnapshotManager) LoadLatest() (*Snapshot, error) {
	entries, err := os.ReadDir(sm.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot dir: %w", err)
	}

	var latestPath string
	var latestSeq uint64
	var found bool

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
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	slog.Info("Snapshot loaded",
		slog.Uint64("seq", snap.Seq),
		slog.String("path", latestPath))
	return &snap, nil
}

// CreateSnapshot builds a snapshot from copies of the current state.
func CreateSnapshot(seq uint64, orders []domain.Order, fills map[string][]domain.Fill, groups []domain.BracketGroup) *Snapshot {
	fillsCopy := make(map[string][]domain.Fill, len(fills))
	for id, fs := range fills {
		fillsCopy[id] = append([]domain.Fill(nil), fs...)
	}
	return &Snapshot{
		Seq:    seq,
		TsUnix: time.Now().Unix(),
		Orders: append([]domain.Order(nil), orders...),
		Fills:  fillsCopy,
		Groups: append([]domain.BracketGroup(nil), groups...),
	}
}

// Cleanup removes old snapshots, keeping only the latest N.
func (sm *SnapshotManager) Cleanup(keepCount int) error {
	entries, err := os.ReadDir(sm.dir)
	if err != nil {
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

	// Small N, a simple selection sort is fine.
	for i := 0; i < len(files); i++ {
		for j := i + 1; j < len(files); j++ {
			if files[j].seq > files[i].seq {
				files[i], files[j] = files[j], files[i]
			}
		}
	}

	for i := keepCount; i < len(files); i++ {
		if err := os.Remove(files[i].path); err != nil {
			slog.Warn("Failed to remove old snapshot", slog.String("path", files[i].path))
		}
	}
	return nil
}
