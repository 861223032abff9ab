package dispatch

import (
	"time"

	"transitbd/tracker/internal/geo"
	"transitbd/tracker/internal/logging"
	"transitbd/tracker/internal/metrics"
	"transitbd/tracker/internal/state"
	"transitbd/tracker/internal/subscription"
)

// DisconnectSendFailed is the reason reported when a delivery fails.
const DisconnectSendFailed = "send_failed"

// Deliverer hands frames to live connections. Deliver must not block on the network.
type Deliverer interface {
	Deliver(connectionID, vehicleID string, lastUpdatedAt time.Time, frame []byte) error
	Disconnect(connectionID, reason string)
}

// Subscribers answers which connections follow a route.
type Subscribers interface {
	SubscribersOf(routeID string) []subscription.Subscriber
}

// Options configures a Dispatcher.
type Options struct {
	Destinations Destinations
	Metrics      *metrics.Metrics
	Logger       *logging.Logger
	Now          func() time.Time
}

// Dispatcher fans accepted vehicle states out to every subscriber of the vehicle's route.
type Dispatcher struct {
	subscribers  Subscribers
	deliverer    Deliverer
	destinations Destinations
	metrics      *metrics.Metrics
	log          *logging.Logger
	now          func() time.Time
}

// New constructs a Dispatcher.
func New(subscribers Subscribers, deliverer Deliverer, opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		subscribers:  subscribers,
		deliverer:    deliverer,
		destinations: opts.Destinations,
		metrics:      opts.Metrics,
		log:          opts.Logger.With(logging.String("component", "dispatch")),
		now:          opts.Now,
	}
}

// OnAccepted satisfies the ingest notifier contract.
func (d *Dispatcher) OnAccepted(s state.VehicleState) {
	d.Dispatch(s)
}

// Dispatch sends the state to each current subscriber of its route once and reports how
// many deliveries succeeded. Failed deliveries disconnect only the affected connection.
func (d *Dispatcher) Dispatch(s state.VehicleState) int {
	if d == nil || d.deliverer == nil || s.RouteID == "" {
		return 0
	}
	started := d.now()
	subs := d.subscribers.SubscribersOf(s.RouteID)
	if len(subs) == 0 {
		return 0
	}

	//1.- Encode once per distinct destination; most subscribers share the route default.
	var routeDefault []byte
	byDestination := make(map[geo.Point][]byte)
	frameFor := func(declared *geo.Point) []byte {
		if declared == nil && routeDefault != nil {
			return routeDefault
		}
		if declared != nil {
			if frame, ok := byDestination[*declared]; ok {
				return frame
			}
		}
		frame, err := EncodeUpdate(NewPayload(s, ResolveDestination(declared, s.RouteID, d.destinations)))
		if err != nil {
			d.log.Error("failed to encode vehicle update", logging.String("vehicle_id", s.VehicleID), logging.Error(err))
			return nil
		}
		if declared == nil {
			routeDefault = frame
		} else {
			byDestination[*declared] = frame
		}
		return frame
	}

	//2.- Deliveries only enqueue, so one slow connection never holds up the rest.
	delivered := 0
	for _, sub := range subs {
		frame := frameFor(sub.Destination)
		if frame == nil {
			continue
		}
		if err := d.deliverer.Deliver(sub.ConnectionID, s.VehicleID, s.LastUpdatedAt, frame); err != nil {
			d.metrics.ObserveSend(false)
			d.log.Debug("vehicle update delivery failed", logging.String("connection_id", sub.ConnectionID), logging.String("vehicle_id", s.VehicleID), logging.Error(err))
			d.deliverer.Disconnect(sub.ConnectionID, DisconnectSendFailed)
			continue
		}
		d.metrics.ObserveSend(true)
		delivered++
	}
	d.metrics.ObserveFanout(d.now().Sub(started))
	return delivered
}
