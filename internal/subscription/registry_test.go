package subscription

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"transitbd/tracker/internal/geo"
)

func contains(subs []Subscriber, id string) bool {
	for _, s := range subs {
		if s.ConnectionID == id {
			return true
		}
	}
	return false
}

func mustRegister(t *testing.T, r *Registry, id string) {
	t.Helper()
	if err := r.Register(id); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, "c1")

	for i := 0; i < 3; i++ {
		if err := r.Subscribe("c1", []string{"R1"}, nil); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	if got := len(r.SubscribersOf("R1")); got != 1 {
		t.Fatalf("expected one subscriber, got %d", got)
	}
	if stats := r.Stats(); stats.Subscriptions != 1 || stats.Connections != 1 || stats.Routes != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestDisconnectRemovesFromEveryRoute(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, "c1")
	mustRegister(t, r, "c2")
	_ = r.Subscribe("c1", []string{"R1", "R2"}, nil)
	_ = r.Subscribe("c2", []string{"R1"}, nil)

	if !r.Disconnect("c1") {
		t.Fatalf("expected live connection to disconnect")
	}
	if contains(r.SubscribersOf("R1"), "c1") || contains(r.SubscribersOf("R2"), "c1") {
		t.Fatalf("expected c1 to be gone from every route")
	}
	if !contains(r.SubscribersOf("R1"), "c2") {
		t.Fatalf("expected c2 to remain subscribed")
	}
	if r.Disconnect("c1") {
		t.Fatalf("expected second disconnect to report false")
	}
	if err := r.Subscribe("c1", []string{"R3"}, nil); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("expected subscribe after disconnect to fail, got %v", err)
	}
	if len(r.SubscribersOf("R2")) != 0 {
		t.Fatalf("expected empty route to be dropped")
	}
}

func TestUnsubscribe(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, "c1")
	_ = r.Subscribe("c1", []string{"R1", "R2"}, nil)
	if err := r.Unsubscribe("c1", []string{"R1", "R9"}); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if contains(r.SubscribersOf("R1"), "c1") {
		t.Fatalf("expected R1 subscription removed")
	}
	if routes := r.RoutesOf("c1"); len(routes) != 1 || routes[0] != "R2" {
		t.Fatalf("unexpected routes %v", routes)
	}
	if err := r.Unsubscribe("ghost", []string{"R1"}); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("expected unknown connection error, got %v", err)
	}
}

func TestDestinationFollowsLatestDeclaration(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, "c1")
	first := geo.Point{Lat: 23.8, Lng: 90.4}
	_ = r.Subscribe("c1", []string{"R1"}, &first)
	second := geo.Point{Lat: 23.9, Lng: 90.5}
	_ = r.Subscribe("c1", []string{"R2"}, &second)
	_ = r.Subscribe("c1", []string{"R3"}, nil)

	for _, route := range []string{"R1", "R2", "R3"} {
		subs := r.SubscribersOf(route)
		if len(subs) != 1 || subs[0].Destination == nil || *subs[0].Destination != second {
			t.Fatalf("route %s: expected destination %+v, got %+v", route, second, subs)
		}
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, "c1")
	if err := r.Register("c1"); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected duplicate registration error, got %v", err)
	}
	if err := r.Subscribe("never", []string{"R1"}, nil); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("expected unregistered subscribe to fail, got %v", err)
	}
}

func TestConcurrentChurnLeavesNoStaleEntries(t *testing.T) {
	r := NewRegistry()
	const conns = 64
	var wg sync.WaitGroup
	for i := 0; i < conns; i++ {
		id := fmt.Sprintf("c%d", i)
		mustRegister(t, r, id)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = r.Subscribe(id, []string{"R1", fmt.Sprintf("R%d", j%4)}, nil)
				_ = r.Unsubscribe(id, []string{fmt.Sprintf("R%d", (j+1)%4)})
			}
		}()
		go func() {
			defer wg.Done()
			_ = r.SubscribersOf("R1")
		}()
	}
	wg.Wait()
	for i := 0; i < conns; i++ {
		r.Disconnect(fmt.Sprintf("c%d", i))
	}
	if stats := r.Stats(); stats != (Stats{}) {
		t.Fatalf("expected empty registry after disconnects, got %+v", stats)
	}
}
