package state

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"transitbd/tracker/internal/geo"
)

// ErrNotFound is returned by loaders when no durable state exists for a vehicle.
var ErrNotFound = errors.New("vehicle state not found")

// Occupancy is the coarse passenger load indicator.
type Occupancy string

const (
	OccupancyLow     Occupancy = "LOW"
	OccupancyMedium  Occupancy = "MEDIUM"
	OccupancyHigh    Occupancy = "HIGH"
	OccupancyUnknown Occupancy = "UNKNOWN"
)

// ParseOccupancy normalises free-form input into an Occupancy value.
func ParseOccupancy(raw string) (Occupancy, bool) {
	switch Occupancy(strings.ToUpper(strings.TrimSpace(raw))) {
	case OccupancyLow:
		return OccupancyLow, true
	case OccupancyMedium:
		return OccupancyMedium, true
	case OccupancyHigh:
		return OccupancyHigh, true
	case OccupancyUnknown:
		return OccupancyUnknown, true
	default:
		return OccupancyUnknown, false
	}
}

// Status is the operational state of a vehicle.
type Status string

const (
	StatusOnline      Status = "ONLINE"
	StatusOffline     Status = "OFFLINE"
	StatusMaintenance Status = "MAINTENANCE"
)

// ParseStatus normalises free-form input into a Status value.
func ParseStatus(raw string) (Status, bool) {
	switch Status(strings.ToUpper(strings.TrimSpace(raw))) {
	case StatusOnline:
		return StatusOnline, true
	case StatusOffline:
		return StatusOffline, true
	case StatusMaintenance:
		return StatusMaintenance, true
	default:
		return "", false
	}
}

// VehicleState is the last known state of a single vehicle. It is a plain value;
// copies handed out by the store never alias stored data.
type VehicleState struct {
	VehicleID     string    `json:"vehicleId"`
	RouteID       string    `json:"routeId"`
	Location      geo.Point `json:"location"`
	Heading       float64   `json:"heading"`
	SpeedKmh      float64   `json:"speedKmh"`
	Occupancy     Occupancy `json:"occupancy"`
	DelayMinutes  int       `json:"delayMinutes"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
	Status        Status    `json:"status"`
}

// Sink receives applied states for best-effort durable persistence. Submit must not block.
type Sink interface {
	Submit(VehicleState)
}

// Loader reads durable state during cold-start rehydration.
type Loader interface {
	LoadVehicleState(ctx context.Context, vehicleID string) (VehicleState, error)
}

// MergeFunc derives the state to store from the currently stored one. Returning false
// leaves the store untouched. It runs inside the vehicle's critical section and must not
// perform I/O.
type MergeFunc func(prev VehicleState, found bool) (VehicleState, bool)

// Option customises a Store.
type Option func(*Store)

// WithSink forwards every applied upsert to the provided persistence sink.
func WithSink(sink Sink) Option {
	return func(s *Store) { s.sink = sink }
}

// WithLoader enables rehydration of unknown vehicles from durable storage.
func WithLoader(loader Loader) Option {
	return func(s *Store) { s.loader = loader }
}

// WithShards overrides the number of lock shards.
func WithShards(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.shardCount = n
		}
	}
}

const defaultShards = 32

type shard struct {
	mu       sync.RWMutex
	vehicles map[string]VehicleState
	byRoute  map[string]map[string]struct{}
}

// Store is the authoritative in-memory vehicle state map. Vehicles are spread over
// independently locked shards so updates to different vehicles rarely contend.
type Store struct {
	shards     []*shard
	shardCount int
	sink       Sink
	loader     Loader
}

// NewStore constructs an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{shardCount: defaultShards}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.shards = make([]*shard, s.shardCount)
	for i := range s.shards {
		s.shards[i] = &shard{
			vehicles: make(map[string]VehicleState),
			byRoute:  make(map[string]map[string]struct{}),
		}
	}
	return s
}

func (s *Store) shardFor(vehicleID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(vehicleID))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Get returns the stored state for the vehicle.
func (s *Store) Get(vehicleID string) (VehicleState, bool) {
	if s == nil || vehicleID == "" {
		return VehicleState{}, false
	}
	sh := s.shardFor(vehicleID)
	sh.mu.RLock()
	state, ok := sh.vehicles[vehicleID]
	sh.mu.RUnlock()
	return state, ok
}

// Upsert applies the candidate when it is at least as recent as the stored state.
func (s *Store) Upsert(candidate VehicleState) bool {
	_, applied := s.Apply(candidate.VehicleID, func(prev VehicleState, found bool) (VehicleState, bool) {
		if found && candidate.LastUpdatedAt.Before(prev.LastUpdatedAt) {
			return VehicleState{}, false
		}
		return candidate, true
	})
	return applied
}

// Apply runs merge against the stored state under the vehicle's lock and stores the
// result when merge accepts it. Results whose timestamp would move backwards are refused
// regardless of what merge returns. Applied states are handed to the sink while the
// lock is held, so the sink sees each vehicle's states in apply order.
func (s *Store) Apply(vehicleID string, merge MergeFunc) (VehicleState, bool) {
	if s == nil || vehicleID == "" || merge == nil {
		return VehicleState{}, false
	}
	return s.apply(vehicleID, merge, true)
}

func (s *Store) apply(vehicleID string, merge MergeFunc, persist bool) (VehicleState, bool) {
	sh := s.shardFor(vehicleID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	//1.- Let the caller derive the candidate from whatever is stored right now.
	prev, found := sh.vehicles[vehicleID]
	next, ok := merge(prev, found)
	if !ok {
		return VehicleState{}, false
	}
	next.VehicleID = vehicleID

	//2.- Enforce the per-vehicle monotonic timestamp invariant.
	if found && next.LastUpdatedAt.Before(prev.LastUpdatedAt) {
		return VehicleState{}, false
	}

	//3.- Swap the state and keep the route index aligned with the new route.
	sh.vehicles[vehicleID] = next
	if found && prev.RouteID != next.RouteID {
		sh.unindex(prev.RouteID, vehicleID)
	}
	sh.index(next.RouteID, vehicleID)
	if persist && s.sink != nil {
		s.sink.Submit(next)
	}
	return next, true
}

// Update mutates an existing vehicle without the timestamp guard. It is used for
// operator and housekeeping transitions such as MAINTENANCE or OFFLINE.
func (s *Store) Update(vehicleID string, fn func(VehicleState) (VehicleState, bool)) (VehicleState, bool) {
	if s == nil || vehicleID == "" || fn == nil {
		return VehicleState{}, false
	}
	sh := s.shardFor(vehicleID)
	sh.mu.Lock()
	prev, found := sh.vehicles[vehicleID]
	if !found {
		sh.mu.Unlock()
		return VehicleState{}, false
	}
	next, ok := fn(prev)
	if !ok {
		sh.mu.Unlock()
		return VehicleState{}, false
	}
	next.VehicleID = vehicleID
	next.LastUpdatedAt = prev.LastUpdatedAt
	sh.vehicles[vehicleID] = next
	if prev.RouteID != next.RouteID {
		sh.unindex(prev.RouteID, vehicleID)
		sh.index(next.RouteID, vehicleID)
	}
	if s.sink != nil {
		s.sink.Submit(next)
	}
	sh.mu.Unlock()
	return next, true
}

// ListByRoute returns the states of every vehicle currently assigned to the route.
func (s *Store) ListByRoute(routeID string) []VehicleState {
	if s == nil || routeID == "" {
		return nil
	}
	out := make([]VehicleState, 0)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for id := range sh.byRoute[routeID] {
			out = append(out, sh.vehicles[id])
		}
		sh.mu.RUnlock()
	}
	return out
}

// Snapshot returns every stored vehicle.
func (s *Store) Snapshot() []VehicleState {
	if s == nil {
		return nil
	}
	out := make([]VehicleState, 0)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, state := range sh.vehicles {
			out = append(out, state)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Len reports how many vehicles are tracked.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += len(sh.vehicles)
		sh.mu.RUnlock()
	}
	return total
}

// Restore seeds the store from a recovered snapshot without re-persisting it.
func (s *Store) Restore(states []VehicleState) int {
	if s == nil {
		return 0
	}
	restored := 0
	for _, candidate := range states {
		if candidate.VehicleID == "" {
			continue
		}
		c := candidate
		if _, ok := s.apply(c.VehicleID, func(prev VehicleState, found bool) (VehicleState, bool) {
			return c, !found || !c.LastUpdatedAt.Before(prev.LastUpdatedAt)
		}, false); ok {
			restored++
		}
	}
	return restored
}

// Rehydrate makes sure the vehicle is present in memory, loading it from durable storage
// when needed. The boolean reports whether the vehicle is known after the call.
func (s *Store) Rehydrate(ctx context.Context, vehicleID string) (VehicleState, bool, error) {
	if state, ok := s.Get(vehicleID); ok {
		return state, true, nil
	}
	if s == nil || s.loader == nil {
		return VehicleState{}, false, nil
	}
	loaded, err := s.loader.LoadVehicleState(ctx, vehicleID)
	if errors.Is(err, ErrNotFound) {
		return VehicleState{}, false, nil
	}
	if err != nil {
		return VehicleState{}, false, err
	}
	//1.- A live update may have raced the load, so only fill an empty slot.
	state, _ := s.apply(vehicleID, func(prev VehicleState, found bool) (VehicleState, bool) {
		if found {
			return prev, true
		}
		return loaded, true
	}, false)
	return state, true, nil
}

// Stale collects vehicles whose last update happened before the cutoff.
func (s *Store) Stale(cutoff time.Time) []VehicleState {
	if s == nil {
		return nil
	}
	out := make([]VehicleState, 0)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, state := range sh.vehicles {
			if state.LastUpdatedAt.Before(cutoff) {
				out = append(out, state)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// Evict removes vehicles that have been silent since before the cutoff and returns them.
func (s *Store) Evict(cutoff time.Time) []VehicleState {
	if s == nil {
		return nil
	}
	evicted := make([]VehicleState, 0)
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, state := range sh.vehicles {
			if !state.LastUpdatedAt.Before(cutoff) {
				continue
			}
			delete(sh.vehicles, id)
			sh.unindex(state.RouteID, id)
			evicted = append(evicted, state)
		}
		sh.mu.Unlock()
	}
	return evicted
}

func (sh *shard) index(routeID, vehicleID string) {
	if routeID == "" {
		return
	}
	set, ok := sh.byRoute[routeID]
	if !ok {
		set = make(map[string]struct{})
		sh.byRoute[routeID] = set
	}
	set[vehicleID] = struct{}{}
}

func (sh *shard) unindex(routeID, vehicleID string) {
	set, ok := sh.byRoute[routeID]
	if !ok {
		return
	}
	delete(set, vehicleID)
	if len(set) == 0 {
		delete(sh.byRoute, routeID)
	}
}
