package ingest

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"transitbd/tracker/internal/geo"
	"transitbd/tracker/internal/logging"
	"transitbd/tracker/internal/state"
)

// Reason classifies why an update was rejected.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonInvalidVehicleID Reason = "INVALID_VEHICLE_ID"
	ReasonUnknownVehicle   Reason = "UNKNOWN_VEHICLE"
	ReasonInvalidLocation  Reason = "INVALID_LOCATION"
	ReasonInvalidSpeed     Reason = "INVALID_SPEED"
	ReasonStaleUpdate      Reason = "STALE_UPDATE"
)

var (
	ErrInvalidVehicleID = errors.New("vehicle id is required")
	ErrUnknownVehicle   = errors.New("vehicle is not registered")
	ErrInvalidLocation  = errors.New("location is out of range")
	ErrInvalidSpeed     = errors.New("speed must be a non-negative number")
	ErrStaleUpdate      = errors.New("update is older than the stored state")
)

var reasonErrors = map[Reason]error{
	ReasonInvalidVehicleID: ErrInvalidVehicleID,
	ReasonUnknownVehicle:   ErrUnknownVehicle,
	ReasonInvalidLocation:  ErrInvalidLocation,
	ReasonInvalidSpeed:     ErrInvalidSpeed,
	ReasonStaleUpdate:      ErrStaleUpdate,
}

// RejectError carries the rejection reason alongside its sentinel error.
type RejectError struct {
	Reason    Reason
	VehicleID string
}

func (e *RejectError) Error() string {
	return string(e.Reason) + ": " + reasonErrors[e.Reason].Error()
}

// Unwrap exposes the sentinel so callers can use errors.Is.
func (e *RejectError) Unwrap() error { return reasonErrors[e.Reason] }

// ReasonOf extracts the rejection reason from an error returned by Ingest.
func ReasonOf(err error) Reason {
	var reject *RejectError
	if errors.As(err, &reject) {
		return reject.Reason
	}
	return ReasonNone
}

// PositionUpdate is the raw report produced by a vehicle or a position source.
type PositionUpdate struct {
	VehicleID    string           `json:"vehicleId"`
	RouteID      string           `json:"routeId,omitempty"`
	Location     geo.Point        `json:"location"`
	Heading      float64          `json:"heading"`
	SpeedKmh     float64          `json:"speedKmh"`
	Timestamp    time.Time        `json:"timestamp"`
	Occupancy    *state.Occupancy `json:"occupancy,omitempty"`
	DelayMinutes *int             `json:"delayMinutes,omitempty"`
}

// Decision is the outcome of one Ingest call.
type Decision struct {
	Accepted bool
	// Applied is false for accepted updates that lost a race to a newer one.
	Applied bool
	Reason  Reason
	State   state.VehicleState
}

// Notifier is told about every update that changed the store.
type Notifier interface {
	OnAccepted(state.VehicleState)
}

// Recorder receives accepted updates for auditing.
type Recorder interface {
	RecordUpdate(update PositionUpdate, applied state.VehicleState)
}

// Options configures an Ingestor.
type Options struct {
	AutoRegister bool
	Notifier     Notifier
	Recorder     Recorder
	Logger       *logging.Logger
	Now          func() time.Time
	// Observe is called once per Ingest with the final decision.
	Observe func(Decision)
}

// Ingestor validates position updates and merges them into the store.
type Ingestor struct {
	store        *state.Store
	autoRegister bool
	notifier     Notifier
	recorder     Recorder
	log          *logging.Logger
	now          func() time.Time
	observe      func(Decision)
	validate     *validator.Validate
}

// New constructs an Ingestor bound to the store.
func New(store *state.Store, opts Options) *Ingestor {
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ingestor{
		store:        store,
		autoRegister: opts.AutoRegister,
		notifier:     opts.Notifier,
		recorder:     opts.Recorder,
		log:          opts.Logger.With(logging.String("component", "ingest")),
		now:          opts.Now,
		observe:      opts.Observe,
		validate:     validator.New(),
	}
}

// SetNotifier wires the dispatcher after construction.
func (i *Ingestor) SetNotifier(n Notifier) {
	if i != nil {
		i.notifier = n
	}
}

// Ingest validates the update and applies it to the store. Rejections return a
// *RejectError; nothing here is fatal to the caller's loop.
func (i *Ingestor) Ingest(ctx context.Context, update PositionUpdate) (Decision, error) {
	decision, err := i.ingest(ctx, update)
	if i.observe != nil {
		i.observe(decision)
	}
	return decision, err
}

func (i *Ingestor) ingest(ctx context.Context, update PositionUpdate) (Decision, error) {
	update.VehicleID = strings.TrimSpace(update.VehicleID)
	update.RouteID = strings.TrimSpace(update.RouteID)

	//1.- Resolve the vehicle identity, rehydrating it from durable storage when possible.
	if update.VehicleID == "" {
		return i.reject(update, ReasonInvalidVehicleID)
	}
	stored, known, err := i.store.Rehydrate(ctx, update.VehicleID)
	if err != nil {
		i.log.Warn("vehicle rehydration failed", logging.String("vehicle_id", update.VehicleID), logging.Error(err))
	}
	if !known && !i.autoRegister {
		return i.reject(update, ReasonUnknownVehicle)
	}

	//2.- Validate coordinates and speed in that order.
	if !i.validLocation(update.Location) {
		return i.reject(update, ReasonInvalidLocation)
	}
	if !i.validSpeed(update.SpeedKmh) {
		return i.reject(update, ReasonInvalidSpeed)
	}

	//3.- Stamp missing timestamps and drop anything older than the stored state.
	if update.Timestamp.IsZero() {
		update.Timestamp = i.now()
	}
	if known && update.Timestamp.Before(stored.LastUpdatedAt) {
		return i.reject(update, ReasonStaleUpdate)
	}

	//4.- Merge under the vehicle lock so defaults come from the state actually replaced.
	stale := false
	next, applied := i.store.Apply(update.VehicleID, func(prev state.VehicleState, found bool) (state.VehicleState, bool) {
		if found && update.Timestamp.Before(prev.LastUpdatedAt) {
			stale = true
			return state.VehicleState{}, false
		}
		return merge(update, prev, found), true
	})
	if stale {
		return i.reject(update, ReasonStaleUpdate)
	}

	decision := Decision{Accepted: true, Applied: applied, State: next}
	if !applied {
		return decision, nil
	}

	//5.- Only applied updates reach the dispatcher and the audit trail.
	if i.notifier != nil {
		i.notifier.OnAccepted(next)
	}
	if i.recorder != nil {
		i.recorder.RecordUpdate(update, next)
	}
	return decision, nil
}

func (i *Ingestor) validLocation(p geo.Point) bool {
	if i.validate.Var(p.Lat, "gte=-90,lte=90") != nil {
		return false
	}
	if i.validate.Var(p.Lng, "gte=-180,lte=180") != nil {
		return false
	}
	return p.Valid()
}

func (i *Ingestor) validSpeed(speed float64) bool {
	if math.IsNaN(speed) || math.IsInf(speed, 0) {
		return false
	}
	return i.validate.Var(speed, "gte=0") == nil
}

func (i *Ingestor) reject(update PositionUpdate, reason Reason) (Decision, error) {
	if reason != ReasonStaleUpdate {
		i.log.Debug("position update rejected", logging.String("vehicle_id", update.VehicleID), logging.String("reason", string(reason)))
	}
	return Decision{Reason: reason}, &RejectError{Reason: reason, VehicleID: update.VehicleID}
}

// merge derives the stored state from an accepted update. Optional fields the update
// leaves out carry over from the previous state.
func merge(update PositionUpdate, prev state.VehicleState, found bool) state.VehicleState {
	next := state.VehicleState{
		VehicleID:     update.VehicleID,
		RouteID:       update.RouteID,
		Location:      update.Location,
		Heading:       geo.NormalizeHeading(update.Heading),
		SpeedKmh:      update.SpeedKmh,
		Occupancy:     state.OccupancyUnknown,
		DelayMinutes:  0,
		LastUpdatedAt: update.Timestamp,
		Status:        state.StatusOnline,
	}
	if found {
		if next.RouteID == "" {
			next.RouteID = prev.RouteID
		}
		if prev.Occupancy != "" {
			next.Occupancy = prev.Occupancy
		}
		next.DelayMinutes = prev.DelayMinutes
		if prev.Status == state.StatusMaintenance {
			next.Status = state.StatusMaintenance
		}
	}
	if update.Occupancy != nil {
		if occ, ok := state.ParseOccupancy(string(*update.Occupancy)); ok {
			next.Occupancy = occ
		}
	}
	if update.DelayMinutes != nil {
		next.DelayMinutes = *update.DelayMinutes
	}
	return next
}
