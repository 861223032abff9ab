package audit

import (
	"path/filepath"
	"testing"
	"time"

	"transitbd/tracker/internal/ingest"
	"transitbd/tracker/internal/state"
)

func TestListCollectsSegments(t *testing.T) {
	dir := t.TempDir()
	w := newWriter(t, dir)
	w.RecordUpdate(ingest.PositionUpdate{VehicleID: "V1", Timestamp: base}, vehicle("V1", base))
	deadline := time.Now().Add(2 * time.Second)
	for {
		if events, _ := ReadEvents(w.Directory()); len(events) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("event never reached the segment")
		}
		time.Sleep(5 * time.Millisecond)
	}
	first, err := w.Roll()
	if err != nil || first == "" {
		t.Fatalf("roll: %q %v", first, err)
	}
	second := w.Directory()
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := WriteSnapshot(dir, base, []state.VehicleState{vehicle("V1", base)}); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	entries, err := List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected two segments, got %d", len(entries))
	}
	if entries[0].Dir != first || entries[1].Dir != second {
		t.Fatalf("expected segments in open order, got %q then %q", entries[0].Dir, entries[1].Dir)
	}
	if entries[0].EventsPath != filepath.Join(first, eventsFile) {
		t.Fatalf("unexpected events path %q", entries[0].EventsPath)
	}
	if entries[0].Manifest.OpenedAt != base.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected manifest %+v", entries[0].Manifest)
	}

	payload, err := MarshalEntries(entries)
	if err != nil || len(payload) == 0 {
		t.Fatalf("MarshalEntries: %v", err)
	}
}

func TestListRejectsMissingRoot(t *testing.T) {
	if _, err := List(" "); err == nil {
		t.Fatalf("expected an error for an empty root")
	}
	if _, err := List(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatalf("expected an error for a missing root")
	}
}
