package state

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"transitbd/tracker/internal/geo"
)

type recordingSink struct {
	mu     sync.Mutex
	states []VehicleState
}

func (r *recordingSink) Submit(state VehicleState) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

type stubLoader struct {
	states map[string]VehicleState
	err    error
	calls  int
}

func (l *stubLoader) LoadVehicleState(_ context.Context, id string) (VehicleState, error) {
	l.calls++
	if l.err != nil {
		return VehicleState{}, l.err
	}
	state, ok := l.states[id]
	if !ok {
		return VehicleState{}, ErrNotFound
	}
	return state, nil
}

func sample(id, route string, ts time.Time, speed float64) VehicleState {
	return VehicleState{
		VehicleID:     id,
		RouteID:       route,
		Location:      geo.Point{Lat: 23.8103, Lng: 90.4125},
		SpeedKmh:      speed,
		Occupancy:     OccupancyUnknown,
		Status:        StatusOnline,
		LastUpdatedAt: ts,
	}
}

func TestUpsertRejectsOlderAndAppliesTies(t *testing.T) {
	sink := &recordingSink{}
	store := NewStore(WithSink(sink))
	base := time.Unix(1_700_000_000, 0)

	if !store.Upsert(sample("V1", "R1", base.Add(time.Second), 32)) {
		t.Fatalf("expected first upsert to apply")
	}
	if store.Upsert(sample("V1", "R1", base, 30)) {
		t.Fatalf("expected older update to be rejected")
	}
	if !store.Upsert(sample("V1", "R1", base.Add(time.Second), 33)) {
		t.Fatalf("expected tie to apply")
	}

	got, ok := store.Get("V1")
	if !ok || got.SpeedKmh != 33 {
		t.Fatalf("expected tie to overwrite speed, got %+v", got)
	}
	if sink.count() != 2 {
		t.Fatalf("expected only applied upserts to be persisted, got %d", sink.count())
	}
}

func TestConcurrentUpsertsConvergeOnMaxTimestamp(t *testing.T) {
	store := NewStore(WithShards(4))
	base := time.Unix(1_700_000_000, 0)

	updates := make([]VehicleState, 200)
	for i := range updates {
		updates[i] = sample("V1", "R1", base.Add(time.Duration(i)*time.Millisecond), float64(i))
	}
	rand.New(rand.NewSource(7)).Shuffle(len(updates), func(i, j int) { updates[i], updates[j] = updates[j], updates[i] })

	var wg sync.WaitGroup
	for _, u := range updates {
		wg.Add(1)
		go func(u VehicleState) {
			defer wg.Done()
			store.Upsert(u)
		}(u)
	}
	wg.Wait()

	got, _ := store.Get("V1")
	if got.SpeedKmh != 199 {
		t.Fatalf("expected state from the latest timestamp, got speed %v", got.SpeedKmh)
	}
}

func TestSinkSeesAppliedStatesInOrder(t *testing.T) {
	sink := &recordingSink{}
	store := NewStore(WithSink(sink))
	base := time.Unix(1_700_000_000, 0)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store.Upsert(sample("V1", "R1", base.Add(time.Duration(i)*time.Millisecond), float64(i)))
			store.Update("V1", func(v VehicleState) (VehicleState, bool) {
				v.Status = StatusMaintenance
				return v, true
			})
		}(i)
	}
	wg.Wait()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i := 1; i < len(sink.states); i++ {
		if sink.states[i].LastUpdatedAt.Before(sink.states[i-1].LastUpdatedAt) {
			t.Fatalf("sink saw %s after %s", sink.states[i].LastUpdatedAt, sink.states[i-1].LastUpdatedAt)
		}
	}
	final, _ := store.Get("V1")
	if last := sink.states[len(sink.states)-1]; last != final {
		t.Fatalf("last submitted state %+v differs from stored %+v", last, final)
	}
}

func TestListByRouteFollowsReassignment(t *testing.T) {
	store := NewStore()
	base := time.Unix(1_700_000_000, 0)
	store.Upsert(sample("V1", "R1", base, 30))
	store.Upsert(sample("V2", "R1", base, 30))
	store.Upsert(sample("V3", "R2", base, 30))

	if got := len(store.ListByRoute("R1")); got != 2 {
		t.Fatalf("expected two vehicles on R1, got %d", got)
	}

	store.Upsert(sample("V1", "R2", base.Add(time.Second), 30))
	if got := len(store.ListByRoute("R1")); got != 1 {
		t.Fatalf("expected reassignment to leave one vehicle on R1, got %d", got)
	}
	if got := len(store.ListByRoute("R2")); got != 2 {
		t.Fatalf("expected two vehicles on R2, got %d", got)
	}
}

func TestApplyMergeSeesStoredState(t *testing.T) {
	store := NewStore()
	base := time.Unix(1_700_000_000, 0)
	first := sample("V1", "R1", base, 30)
	first.Occupancy = OccupancyHigh
	store.Upsert(first)

	next, ok := store.Apply("V1", func(prev VehicleState, found bool) (VehicleState, bool) {
		if !found {
			t.Fatalf("expected stored state")
		}
		update := sample("V1", "", base.Add(time.Second), 35)
		update.Occupancy = prev.Occupancy
		update.RouteID = prev.RouteID
		return update, true
	})
	if !ok || next.Occupancy != OccupancyHigh || next.RouteID != "R1" {
		t.Fatalf("expected merged state, got %+v ok=%v", next, ok)
	}

	if _, ok := store.Apply("V1", func(VehicleState, bool) (VehicleState, bool) {
		return sample("V1", "R1", base, 1), true
	}); ok {
		t.Fatalf("expected backwards timestamp to be refused even when merge accepts it")
	}
}

func TestUpdateKeepsTimestamp(t *testing.T) {
	store := NewStore()
	base := time.Unix(1_700_000_000, 0)
	store.Upsert(sample("V1", "R1", base, 30))

	next, ok := store.Update("V1", func(prev VehicleState) (VehicleState, bool) {
		prev.Status = StatusMaintenance
		prev.LastUpdatedAt = base.Add(time.Hour)
		return prev, true
	})
	if !ok || next.Status != StatusMaintenance || !next.LastUpdatedAt.Equal(base) {
		t.Fatalf("unexpected update result %+v", next)
	}
	if _, ok := store.Update("missing", func(prev VehicleState) (VehicleState, bool) { return prev, true }); ok {
		t.Fatalf("expected update of unknown vehicle to fail")
	}
}

func TestRehydrateLoadsOnce(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	loader := &stubLoader{states: map[string]VehicleState{"V9": sample("V9", "R4", base, 20)}}
	store := NewStore(WithLoader(loader))

	state, ok, err := store.Rehydrate(context.Background(), "V9")
	if err != nil || !ok || state.RouteID != "R4" {
		t.Fatalf("expected rehydrated state, got %+v ok=%v err=%v", state, ok, err)
	}
	if _, ok, _ := store.Rehydrate(context.Background(), "V9"); !ok {
		t.Fatalf("expected cached vehicle")
	}
	if loader.calls != 1 {
		t.Fatalf("expected loader to be called once, got %d", loader.calls)
	}
	if _, ok, err := store.Rehydrate(context.Background(), "nobody"); ok || err != nil {
		t.Fatalf("expected unknown vehicle without error, got ok=%v err=%v", ok, err)
	}

	failing := NewStore(WithLoader(&stubLoader{err: errors.New("db down")}))
	if _, _, err := failing.Rehydrate(context.Background(), "V1"); err == nil {
		t.Fatalf("expected loader error to propagate")
	}
}

func TestStaleAndEvict(t *testing.T) {
	store := NewStore()
	base := time.Unix(1_700_000_000, 0)
	store.Upsert(sample("old", "R1", base, 30))
	store.Upsert(sample("new", "R1", base.Add(time.Hour), 30))

	stale := store.Stale(base.Add(time.Minute))
	if len(stale) != 1 || stale[0].VehicleID != "old" {
		t.Fatalf("expected only the old vehicle to be stale, got %+v", stale)
	}
	evicted := store.Evict(base.Add(time.Minute))
	if len(evicted) != 1 || store.Len() != 1 {
		t.Fatalf("expected one eviction, got %d (len %d)", len(evicted), store.Len())
	}
	if got := store.ListByRoute("R1"); len(got) != 1 || got[0].VehicleID != "new" {
		t.Fatalf("expected route index to drop evicted vehicle, got %+v", got)
	}
}

func TestRestoreDoesNotPersist(t *testing.T) {
	sink := &recordingSink{}
	store := NewStore(WithSink(sink))
	base := time.Unix(1_700_000_000, 0)
	restored := store.Restore([]VehicleState{sample("V1", "R1", base, 30), {VehicleID: ""}})
	if restored != 1 || store.Len() != 1 {
		t.Fatalf("expected one restored vehicle, got %d", restored)
	}
	if sink.count() != 0 {
		t.Fatalf("expected restore to bypass the sink")
	}
}

func TestParseEnums(t *testing.T) {
	if occ, ok := ParseOccupancy(" medium "); !ok || occ != OccupancyMedium {
		t.Fatalf("expected MEDIUM, got %q", occ)
	}
	if occ, ok := ParseOccupancy("packed"); ok || occ != OccupancyUnknown {
		t.Fatalf("expected unknown occupancy, got %q", occ)
	}
	if status, ok := ParseStatus("maintenance"); !ok || status != StatusMaintenance {
		t.Fatalf("expected MAINTENANCE, got %q", status)
	}
}
