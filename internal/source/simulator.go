package source

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"transitbd/tracker/internal/geo"
	"transitbd/tracker/internal/ingest"
	"transitbd/tracker/internal/logging"
	"transitbd/tracker/internal/metrics"
	"transitbd/tracker/internal/routes"
	"transitbd/tracker/internal/state"
	"transitbd/tracker/internal/tick"
)

// SimulatorName labels simulator traffic in logs and metrics.
const SimulatorName = "simulator"

const (
	// stepsPerSegment is how many ticks a vehicle spends between two route points.
	stepsPerSegment = 50
	baseSpeedKmh    = 30
	speedJitterKmh  = 10
	maxDelayMinutes = 5
)

// SimulatedVehicle assigns a demo vehicle to a route of the catalogue.
type SimulatedVehicle struct {
	VehicleID string
	RouteID   string
}

// DhakaFleet is the demo fleet driven over the built-in Dhaka routes.
func DhakaFleet() []SimulatedVehicle {
	return []SimulatedVehicle{
		{VehicleID: "1", RouteID: "1"},
		{VehicleID: "2", RouteID: "2"},
		{VehicleID: "3", RouteID: "1"},
		{VehicleID: "4", RouteID: "1"},
	}
}

// SimulatorOptions configures a Simulator.
type SimulatorOptions struct {
	Interval time.Duration
	Seed     int64
	Metrics  *metrics.Metrics
	Logger   *logging.Logger
}

type simVehicle struct {
	id      string
	routeID string
	segment int
	step    int
}

// Simulator walks demo vehicles along their route paths and reports a position for
// each of them on every tick.
type Simulator struct {
	catalogue *routes.Catalogue
	interval  time.Duration
	metrics   *metrics.Metrics
	log       *logging.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	vehicles []*simVehicle
}

// NewSimulator prepares the fleet. Vehicles whose route is unknown or has fewer than
// two path points stay parked and produce nothing.
func NewSimulator(catalogue *routes.Catalogue, fleet []SimulatedVehicle, opts SimulatorOptions) *Simulator {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s := &Simulator{
		catalogue: catalogue,
		interval:  opts.Interval,
		metrics:   opts.Metrics,
		log:       componentLogger(opts.Logger, SimulatorName),
		rng:       rand.New(rand.NewSource(seed)),
	}
	for _, v := range fleet {
		s.vehicles = append(s.vehicles, &simVehicle{id: v.VehicleID, routeID: v.RouteID})
	}
	return s
}

// Name implements Source.
func (s *Simulator) Name() string { return SimulatorName }

// Step advances every vehicle by one tick and returns the reports stamped with now.
func (s *Simulator) Step(now time.Time) []ingest.PositionUpdate {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	updates := make([]ingest.PositionUpdate, 0, len(s.vehicles))
	for _, v := range s.vehicles {
		route, ok := s.catalogue.Get(v.routeID)
		if !ok || len(route.Path) < 2 {
			continue
		}
		if v.segment >= len(route.Path) {
			v.segment = 0
		}

		//1.- Interpolate along the current segment; the last segment closes the loop.
		start := route.Path[v.segment]
		end := route.Path[(v.segment+1)%len(route.Path)]
		fraction := float64(v.step) / stepsPerSegment
		occupancy := s.occupancy()
		delay := s.rng.Intn(maxDelayMinutes)
		updates = append(updates, ingest.PositionUpdate{
			VehicleID:    v.id,
			RouteID:      v.routeID,
			Location:     geo.Interpolate(start, end, fraction),
			Heading:      geo.Heading(start, end),
			SpeedKmh:     baseSpeedKmh + s.rng.Float64()*speedJitterKmh,
			Timestamp:    now,
			Occupancy:    &occupancy,
			DelayMinutes: &delay,
		})

		//2.- Move to the next segment once the current one is walked.
		v.step++
		if v.step >= stepsPerSegment {
			v.step = 0
			v.segment = (v.segment + 1) % (len(route.Path) - 1)
		}
	}
	return updates
}

func (s *Simulator) occupancy() state.Occupancy {
	if s.rng.Float64() > 0.7 {
		return state.OccupancyHigh
	}
	if s.rng.Float64() > 0.3 {
		return state.OccupancyMedium
	}
	return state.OccupancyLow
}

// Run ticks the simulator until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context, sink Ingester) error {
	s.log.Info("vehicle simulator started",
		logging.Int("vehicles", len(s.vehicles)),
		logging.Duration("interval", s.interval),
	)
	loop := tick.NewLoop(s.interval, func(ctx context.Context, now time.Time) {
		for _, update := range s.Step(now) {
			submit(ctx, SimulatorName, sink, update, s.metrics, s.log)
		}
	}, nil)
	err := loop.Run(ctx)
	s.log.Info("vehicle simulator stopped")
	return err
}
