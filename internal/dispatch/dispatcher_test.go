package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"transitbd/tracker/internal/geo"
	"transitbd/tracker/internal/logging"
	"transitbd/tracker/internal/routes"
	"transitbd/tracker/internal/state"
	"transitbd/tracker/internal/subscription"
)

type delivery struct {
	connectionID string
	vehicleID    string
	frame        []byte
}

type fakeDeliverer struct {
	mu           sync.Mutex
	deliveries   []delivery
	failing      map[string]bool
	disconnected []string
}

func (f *fakeDeliverer) Deliver(connectionID, vehicleID string, _ time.Time, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[connectionID] {
		return errors.New("queue full")
	}
	f.deliveries = append(f.deliveries, delivery{connectionID: connectionID, vehicleID: vehicleID, frame: frame})
	return nil
}

func (f *fakeDeliverer) Disconnect(connectionID, _ string) {
	f.mu.Lock()
	f.disconnected = append(f.disconnected, connectionID)
	f.mu.Unlock()
}

func (f *fakeDeliverer) countFor(connectionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.deliveries {
		if d.connectionID == connectionID {
			n++
		}
	}
	return n
}

func (f *fakeDeliverer) payloadFor(t *testing.T, connectionID string) Payload {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.deliveries {
		if d.connectionID != connectionID {
			continue
		}
		var frame struct {
			Type string  `json:"type"`
			Data Payload `json:"data"`
		}
		if err := json.Unmarshal(d.frame, &frame); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if frame.Type != TypeVehicleUpdate {
			t.Fatalf("unexpected frame type %q", frame.Type)
		}
		return frame.Data
	}
	t.Fatalf("no delivery for %s", connectionID)
	return Payload{}
}

var base = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

func dhakaVehicle(speed float64) state.VehicleState {
	return state.VehicleState{
		VehicleID:     "V1",
		RouteID:       "R1",
		Location:      geo.Point{Lat: 23.8103, Lng: 90.4125},
		SpeedKmh:      speed,
		Occupancy:     state.OccupancyUnknown,
		Status:        state.StatusOnline,
		LastUpdatedAt: base,
	}
}

func newRegistry(t *testing.T, subs map[string][]string) *subscription.Registry {
	t.Helper()
	r := subscription.NewRegistry()
	for id, routeIDs := range subs {
		if err := r.Register(id); err != nil {
			t.Fatalf("register: %v", err)
		}
		if err := r.Subscribe(id, routeIDs, nil); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	return r
}

func TestDispatchReachesEachSubscriberOnce(t *testing.T) {
	registry := newRegistry(t, map[string][]string{"C1": {"R1"}, "C2": {"R1", "R2"}, "C3": {"R2"}})
	deliverer := &fakeDeliverer{}
	d := New(registry, deliverer, Options{Logger: logging.NewTestLogger()})

	if got := d.Dispatch(dhakaVehicle(30)); got != 2 {
		t.Fatalf("expected two deliveries, got %d", got)
	}
	if deliverer.countFor("C1") != 1 || deliverer.countFor("C2") != 1 {
		t.Fatalf("expected one delivery per subscriber, got %+v", deliverer.deliveries)
	}
	if deliverer.countFor("C3") != 0 {
		t.Fatalf("expected non-subscriber to receive nothing")
	}
}

func TestDispatchComputesETAFromDestinations(t *testing.T) {
	registry := newRegistry(t, map[string][]string{"C1": {"R1"}, "C2": {"R1"}})
	declared := geo.Point{Lat: 23.8103, Lng: 90.4125}
	if err := registry.Subscribe("C2", nil, &declared); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	catalogue := routes.NewCatalogue()
	far := geo.Point{Lat: 23.8223, Lng: 90.4265}
	catalogue.Replace([]routes.Route{{ID: "R1", Destination: &far}})
	deliverer := &fakeDeliverer{}
	d := New(registry, deliverer, Options{Destinations: catalogue, Logger: logging.NewTestLogger()})

	d.OnAccepted(dhakaVehicle(30))

	routeDefault := deliverer.payloadFor(t, "C1")
	if routeDefault.ETAMinutes == nil || *routeDefault.ETAMinutes != 4 {
		t.Fatalf("expected catalogue ETA of 4 minutes, got %v", routeDefault.ETAMinutes)
	}
	atDestination := deliverer.payloadFor(t, "C2")
	if atDestination.ETAMinutes == nil || *atDestination.ETAMinutes != 0 {
		t.Fatalf("expected declared destination ETA of 0, got %v", atDestination.ETAMinutes)
	}
}

func TestZeroSpeedYieldsNullETA(t *testing.T) {
	registry := newRegistry(t, map[string][]string{"C1": {"R1"}})
	deliverer := &fakeDeliverer{}
	d := New(registry, deliverer, Options{Destinations: routes.Dhaka(), Logger: logging.NewTestLogger()})
	s := dhakaVehicle(0)
	s.RouteID = "1"
	_ = registry.Subscribe("C1", []string{"1"}, nil)

	d.Dispatch(s)
	deliverer.mu.Lock()
	raw := string(deliverer.deliveries[0].frame)
	deliverer.mu.Unlock()
	var decoded struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	eta, present := decoded.Data["etaMinutes"]
	if !present || eta != nil {
		t.Fatalf("expected explicit null ETA, got %s", raw)
	}
}

func TestFailedDeliveryDisconnectsOnlyThatConnection(t *testing.T) {
	registry := newRegistry(t, map[string][]string{"C1": {"R1"}, "C2": {"R1"}})
	deliverer := &fakeDeliverer{failing: map[string]bool{"C1": true}}
	d := New(registry, deliverer, Options{Logger: logging.NewTestLogger()})

	if got := d.Dispatch(dhakaVehicle(30)); got != 1 {
		t.Fatalf("expected one successful delivery, got %d", got)
	}
	if len(deliverer.disconnected) != 1 || deliverer.disconnected[0] != "C1" {
		t.Fatalf("expected only C1 to be disconnected, got %v", deliverer.disconnected)
	}
	if deliverer.countFor("C2") != 1 {
		t.Fatalf("expected C2 to still receive the update")
	}
}

func TestDispatchWithoutRouteIsNoop(t *testing.T) {
	deliverer := &fakeDeliverer{}
	d := New(subscription.NewRegistry(), deliverer, Options{Logger: logging.NewTestLogger()})
	s := dhakaVehicle(30)
	s.RouteID = ""
	if d.Dispatch(s) != 0 {
		t.Fatalf("expected routeless vehicles to reach nobody")
	}
}

func TestHeartbeatReemitsOfflinesAndEvicts(t *testing.T) {
	registry := newRegistry(t, map[string][]string{"C1": {"R1"}})
	deliverer := &fakeDeliverer{}
	d := New(registry, deliverer, Options{Logger: logging.NewTestLogger()})
	store := state.NewStore()

	now := base.Add(time.Hour)
	fresh := dhakaVehicle(30)
	fresh.VehicleID, fresh.LastUpdatedAt = "fresh", now.Add(-time.Second)
	quiet := dhakaVehicle(30)
	quiet.VehicleID, quiet.LastUpdatedAt = "quiet", now.Add(-10*time.Second)
	silent := dhakaVehicle(30)
	silent.VehicleID, silent.LastUpdatedAt = "silent", now.Add(-5*time.Minute)
	gone := dhakaVehicle(30)
	gone.VehicleID, gone.LastUpdatedAt = "gone", now.Add(-48*time.Hour)
	store.Restore([]state.VehicleState{fresh, quiet, silent, gone})

	var evicted []state.VehicleState
	hb := NewHeartbeat(store, d, HeartbeatOptions{
		Freshness: 5 * time.Second,
		Offline:   2 * time.Minute,
		Retention: 24 * time.Hour,
		Logger:    logging.NewTestLogger(),
		OnEvict:   func(s []state.VehicleState) { evicted = append(evicted, s...) },
	})
	result := hb.Tick(context.Background(), now)
	if result != (HeartbeatResult{Reemitted: 1, Offline: 1, Evicted: 1}) {
		t.Fatalf("unexpected heartbeat result %+v", result)
	}
	if len(evicted) != 1 || evicted[0].VehicleID != "gone" {
		t.Fatalf("expected gone to be evicted, got %+v", evicted)
	}
	if got, _ := store.Get("silent"); got.Status != state.StatusOffline || !got.LastUpdatedAt.Equal(silent.LastUpdatedAt) {
		t.Fatalf("expected silent vehicle offline with unchanged timestamp, got %+v", got)
	}
	if deliverer.countFor("C1") != 2 {
		t.Fatalf("expected re-emit plus offline transition, got %d deliveries", deliverer.countFor("C1"))
	}

	second := hb.Tick(context.Background(), now)
	if second.Offline != 0 || second.Reemitted != 1 {
		t.Fatalf("expected offline vehicles to stay quiet on the next pass, got %+v", second)
	}
}
