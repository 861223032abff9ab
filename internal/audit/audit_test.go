package audit

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"transitbd/tracker/internal/geo"
	"transitbd/tracker/internal/ingest"
	"transitbd/tracker/internal/logging"
	"transitbd/tracker/internal/state"
)

var base = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return base }

func vehicle(id string, ts time.Time) state.VehicleState {
	return state.VehicleState{VehicleID: id, RouteID: "1", Location: geo.Point{Lat: 23.81, Lng: 90.41}, SpeedKmh: 30, Occupancy: state.OccupancyLow, Status: state.StatusOnline, LastUpdatedAt: ts}
}

func newWriter(t *testing.T, dir string) *Writer {
	t.Helper()
	w, err := NewWriter(dir, WriterOptions{Now: fixedClock, Logger: logging.NewTestLogger()})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	return w
}

func TestWriterRecordsAcceptedUpdates(t *testing.T) {
	w := newWriter(t, t.TempDir())
	for i, id := range []string{"V1", "V2", "V1"} {
		ts := base.Add(time.Duration(i) * time.Second)
		w.RecordUpdate(ingest.PositionUpdate{VehicleID: id, Timestamp: ts}, vehicle(id, ts))
	}
	dir := w.Directory()
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	w.RecordUpdate(ingest.PositionUpdate{VehicleID: "late"}, vehicle("late", base))

	events, err := ReadEvents(dir)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected three events, got %d", len(events))
	}
	for i, event := range events {
		if event.Seq != uint64(i+1) {
			t.Fatalf("expected sequential numbering, got %d at %d", event.Seq, i)
		}
	}
	if events[2].State.VehicleID != "V1" || !events[2].Update.Timestamp.Equal(base.Add(2*time.Second)) {
		t.Fatalf("unexpected last event %+v", events[2])
	}
	if _, err := os.Stat(filepath.Join(dir, manifestFile)); err != nil {
		t.Fatalf("expected manifest: %v", err)
	}
}

func TestRollFinishesNonEmptySegments(t *testing.T) {
	w := newWriter(t, t.TempDir())
	defer w.Close()

	if finished, err := w.Roll(); err != nil || finished != "" {
		t.Fatalf("expected empty segment to stay open, got %q err=%v", finished, err)
	}
	first := w.Directory()
	w.RecordUpdate(ingest.PositionUpdate{VehicleID: "V1"}, vehicle("V1", base))
	deadline := time.Now().Add(2 * time.Second)
	for {
		if events, _ := ReadEvents(first); len(events) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("event never reached the segment")
		}
		time.Sleep(5 * time.Millisecond)
	}

	finished, err := w.Roll()
	if err != nil || finished != first {
		t.Fatalf("expected %s to be finished, got %q err=%v", first, finished, err)
	}
	if w.Directory() == first {
		t.Fatalf("expected a fresh segment after roll")
	}
}

func TestSnapshotRoundTripAndRestore(t *testing.T) {
	dir := t.TempDir()
	if _, err := WriteSnapshot(dir, base, []state.VehicleState{vehicle("V2", base), vehicle("V1", base)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	newer := base.Add(time.Minute)
	if _, err := WriteSnapshot(dir, newer, []state.VehicleState{vehicle("V1", newer), vehicle("V2", newer), vehicle("V3", newer)}); err != nil {
		t.Fatalf("write: %v", err)
	}

	snap, err := LatestSnapshot(dir)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !snap.TakenAt.Equal(newer) || len(snap.Vehicles) != 3 || snap.Vehicles[0].VehicleID != "V1" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	store := state.NewStore()
	restored, takenAt, err := Restore(dir, store)
	if err != nil || restored != 3 || !takenAt.Equal(newer) {
		t.Fatalf("unexpected restore %d %v err=%v", restored, takenAt, err)
	}
	if got, _ := store.Get("V3"); got.Occupancy != state.OccupancyLow {
		t.Fatalf("expected restored fields, got %+v", got)
	}
}

func TestLatestSnapshotSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	if _, err := WriteSnapshot(dir, base, []state.VehicleState{vehicle("V1", base)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	corrupt := filepath.Join(dir, snapshotPrefix+"99999999999999999999"+snapshotSuffix)
	if err := os.WriteFile(corrupt, []byte("not zstd"), 0o644); err != nil {
		t.Fatalf("write corrupt: %v", err)
	}
	snap, err := LatestSnapshot(dir)
	if err != nil || len(snap.Vehicles) != 1 {
		t.Fatalf("expected fallback to the readable snapshot, got %+v err=%v", snap, err)
	}
}

func TestRestoreWithoutSnapshots(t *testing.T) {
	restored, _, err := Restore(filepath.Join(t.TempDir(), "missing"), state.NewStore())
	if err != nil || restored != 0 {
		t.Fatalf("expected empty restore, got %d err=%v", restored, err)
	}
}

func TestCleanerAppliesRetention(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 4; i++ {
		if err := os.MkdirAll(filepath.Join(dir, segmentPrefix+string(rune('a'+i))), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if _, err := WriteSnapshot(dir, base.Add(time.Duration(i)*time.Minute), nil); err != nil {
			t.Fatalf("snapshot: %v", err)
		}
	}
	old := time.Now().Add(-30 * 24 * time.Hour)
	paths, _ := snapshotPaths(dir)
	for _, p := range paths {
		_ = os.Chtimes(p, old, old)
	}

	active := filepath.Join(dir, segmentPrefix+"d")
	cleaner := NewCleaner(dir, RetentionPolicy{MaxSegments: 2, MaxAge: 7 * 24 * time.Hour}, func() string { return active }, logging.NewTestLogger())
	cleaner.Sweep()

	stats := cleaner.Stats()
	if stats.Segments != 2 || stats.Snapshots != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	for _, name := range []string{"a", "b", "c", "d"} {
		_, err := os.Stat(filepath.Join(dir, segmentPrefix+name))
		wantGone := name == "a"
		if gone := os.IsNotExist(err); gone != wantGone {
			t.Fatalf("segment %s: expected gone=%v, got err=%v", name, wantGone, err)
		}
	}
	if snap, err := LatestSnapshot(dir); err != nil || !snap.TakenAt.Equal(base.Add(3*time.Minute)) {
		t.Fatalf("expected newest snapshot to survive age retention, got %+v err=%v", snap, err)
	}
}

type fakeUploader struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeUploader) Upload(_ context.Context, key, localPath string) error {
	if _, err := os.Stat(localPath); err != nil {
		return err
	}
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()
	return nil
}

func TestServiceRollArchivesFinishedSegment(t *testing.T) {
	dir := t.TempDir()
	w := newWriter(t, dir)
	defer w.Close()
	uploader := &fakeUploader{}
	store := state.NewStore()
	store.Restore([]state.VehicleState{vehicle("V1", base)})
	svc := NewService(dir, w, store.Snapshot, ServiceOptions{Uploader: uploader, Cleaner: NewCleaner(dir, RetentionPolicy{}, w.Directory, logging.NewTestLogger()), Logger: logging.NewTestLogger(), Now: fixedClock})

	first := w.Directory()
	w.RecordUpdate(ingest.PositionUpdate{VehicleID: "V1"}, vehicle("V1", base))
	deadline := time.Now().Add(2 * time.Second)
	for {
		if events, _ := ReadEvents(first); len(events) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("event never reached the segment")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := svc.RollNow(context.Background()); err != nil {
		t.Fatalf("roll: %v", err)
	}
	uploader.mu.Lock()
	keys := append([]string(nil), uploader.keys...)
	uploader.mu.Unlock()
	if len(keys) != 2 {
		t.Fatalf("expected events and manifest uploads, got %v", keys)
	}
	for _, key := range keys {
		if filepath.Dir(key) != filepath.Base(first) {
			t.Fatalf("expected keys under the segment name, got %s", key)
		}
	}

	if _, err := svc.SnapshotNow(); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap, err := LatestSnapshot(dir); err != nil || len(snap.Vehicles) != 1 {
		t.Fatalf("expected service snapshot, got %+v err=%v", snap, err)
	}
}
