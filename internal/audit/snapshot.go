package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"transitbd/tracker/internal/state"
)

const (
	snapshotPrefix = "snapshot-"
	snapshotSuffix = ".json.zst"
)

// ErrNoSnapshot is returned when the directory holds no fleet snapshot.
var ErrNoSnapshot = errors.New("no fleet snapshot found")

// Snapshot is a point-in-time copy of the whole fleet.
type Snapshot struct {
	TakenAt  time.Time            `json:"takenAt"`
	Vehicles []state.VehicleState `json:"vehicles"`
}

// WriteSnapshot stores the fleet as a zstd-compressed JSON document. The file appears
// atomically so a crash never leaves a truncated snapshot behind.
func WriteSnapshot(dir string, takenAt time.Time, vehicles []state.VehicleState) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	sorted := append([]state.VehicleState(nil), vehicles...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].VehicleID < sorted[j].VehicleID })
	raw, err := json.Marshal(Snapshot{TakenAt: takenAt.UTC(), Vehicles: sorted})
	if err != nil {
		return "", err
	}

	//1.- Compress the document in one shot; snapshots are small and written rarely.
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return "", err
	}
	compressed := encoder.EncodeAll(raw, nil)
	_ = encoder.Close()

	//2.- Write to a temporary name and rename into place.
	name := fmt.Sprintf("%s%020d%s", snapshotPrefix, takenAt.UTC().UnixNano(), snapshotSuffix)
	path := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return path, nil
}

// ReadSnapshot decodes one snapshot file.
func ReadSnapshot(path string) (Snapshot, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return Snapshot{}, err
	}
	defer decoder.Close()
	raw, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("decompress %s: %w", filepath.Base(path), err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return snap, nil
}

// LatestSnapshot finds and decodes the newest readable snapshot in dir. Unreadable
// snapshots are skipped in favour of older ones.
func LatestSnapshot(dir string) (Snapshot, error) {
	paths, err := snapshotPaths(dir)
	if err != nil {
		return Snapshot{}, err
	}
	var lastErr error
	for i := len(paths) - 1; i >= 0; i-- {
		snap, err := ReadSnapshot(paths[i])
		if err == nil {
			return snap, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrNoSnapshot, lastErr)
	}
	return Snapshot{}, ErrNoSnapshot
}

// snapshotPaths lists snapshot files oldest first. Names embed a zero-padded timestamp
// so lexical order is chronological.
func snapshotPaths(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}
	sort.Strings(paths)
	return paths, nil
}
