package dispatch

import (
	"context"
	"time"

	"transitbd/tracker/internal/logging"
	"transitbd/tracker/internal/metrics"
	"transitbd/tracker/internal/state"
)

// HeartbeatOptions configures the periodic fleet pass.
type HeartbeatOptions struct {
	// Freshness is the age after which a silent vehicle is re-emitted. Zero disables re-emits.
	Freshness time.Duration
	// Offline is the age after which a silent vehicle is marked OFFLINE. Zero disables it.
	Offline time.Duration
	// Retention is the age after which a silent vehicle is evicted. Zero keeps vehicles forever.
	Retention time.Duration
	Metrics   *metrics.Metrics
	Logger    *logging.Logger
	// OnEvict receives vehicles removed from memory.
	OnEvict func([]state.VehicleState)
}

// HeartbeatResult summarises one pass.
type HeartbeatResult struct {
	Reemitted int
	Offline   int
	Evicted   int
}

// Heartbeat re-broadcasts quiet vehicles so late subscribers and lossy links converge,
// and ages out vehicles that stopped reporting.
type Heartbeat struct {
	store      *state.Store
	dispatcher *Dispatcher
	opts       HeartbeatOptions
	log        *logging.Logger
}

// NewHeartbeat constructs a heartbeat bound to the store and dispatcher.
func NewHeartbeat(store *state.Store, dispatcher *Dispatcher, opts HeartbeatOptions) *Heartbeat {
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	return &Heartbeat{
		store:      store,
		dispatcher: dispatcher,
		opts:       opts,
		log:        opts.Logger.With(logging.String("component", "heartbeat")),
	}
}

// Step adapts Tick to the periodic loop signature.
func (h *Heartbeat) Step(ctx context.Context, now time.Time) {
	h.Tick(ctx, now)
}

// Tick runs one pass evaluated at now.
func (h *Heartbeat) Tick(ctx context.Context, now time.Time) HeartbeatResult {
	var result HeartbeatResult
	if h == nil || h.store == nil {
		return result
	}

	//1.- Evict first so expired vehicles are neither re-emitted nor flipped offline.
	if h.opts.Retention > 0 {
		if evicted := h.store.Evict(now.Add(-h.opts.Retention)); len(evicted) > 0 {
			result.Evicted = len(evicted)
			h.log.Info("evicted silent vehicles", logging.Int("count", len(evicted)))
			if h.opts.OnEvict != nil {
				h.opts.OnEvict(evicted)
			}
		}
	}

	threshold := h.opts.Freshness
	if threshold <= 0 || (h.opts.Offline > 0 && h.opts.Offline < threshold) {
		threshold = h.opts.Offline
	}
	if threshold <= 0 {
		h.opts.Metrics.SetTrackedVehicles(h.store.Len())
		return result
	}

	for _, quiet := range h.store.Stale(now.Add(-threshold)) {
		if ctx.Err() != nil {
			break
		}
		age := now.Sub(quiet.LastUpdatedAt)

		//2.- Flip vehicles past the offline threshold, guarding against a concurrent update.
		if h.opts.Offline > 0 && age >= h.opts.Offline && quiet.Status == state.StatusOnline {
			seen := quiet.LastUpdatedAt
			next, ok := h.store.Update(quiet.VehicleID, func(cur state.VehicleState) (state.VehicleState, bool) {
				if cur.Status != state.StatusOnline || cur.LastUpdatedAt.After(seen) {
					return cur, false
				}
				cur.Status = state.StatusOffline
				return cur, true
			})
			if ok {
				result.Offline++
				h.log.Info("vehicle went offline", logging.String("vehicle_id", next.VehicleID), logging.Duration("silent_for", age))
				h.dispatcher.Dispatch(next)
			}
			continue
		}

		//3.- Re-emit quiet vehicles that are still considered live.
		if h.opts.Freshness > 0 && age >= h.opts.Freshness && quiet.Status != state.StatusOffline {
			h.dispatcher.Dispatch(quiet)
			result.Reemitted++
		}
	}
	h.opts.Metrics.SetTrackedVehicles(h.store.Len())
	return result
}
