package dispatch

import (
	"encoding/json"
	"time"

	"transitbd/tracker/internal/geo"
	"transitbd/tracker/internal/state"
)

// Outbound envelope types produced by the dispatcher.
const (
	TypeVehicleUpdate    = "vehicle_update"
	TypeVehiclePositions = "vehicle_positions"
)

// Payload is the client-facing view of one vehicle. ETAMinutes is null when the ETA is
// unknown (no destination or a non-positive speed).
type Payload struct {
	VehicleID     string          `json:"vehicleId"`
	RouteID       string          `json:"routeId"`
	Location      geo.Point       `json:"location"`
	Heading       float64         `json:"heading"`
	SpeedKmh      float64         `json:"speedKmh"`
	ETAMinutes    *int            `json:"etaMinutes"`
	Occupancy     state.Occupancy `json:"occupancy"`
	DelayMinutes  int             `json:"delayMinutes"`
	Status        state.Status    `json:"status"`
	LastUpdatedAt time.Time       `json:"lastUpdatedAt"`
}

// Frame is the outbound envelope written to subscribers.
type Frame struct {
	Type     string   `json:"type"`
	RouteIDs []string `json:"routeIds,omitempty"`
	Data     any      `json:"data"`
}

// Destinations resolves a route's default ETA target.
type Destinations interface {
	Destination(routeID string) (geo.Point, bool)
}

// ResolveDestination picks the ETA target for a subscriber: its declared destination,
// else the route's catalogue destination, else nil.
func ResolveDestination(declared *geo.Point, routeID string, destinations Destinations) *geo.Point {
	if declared != nil {
		return declared
	}
	if destinations == nil {
		return nil
	}
	if dest, ok := destinations.Destination(routeID); ok {
		return &dest
	}
	return nil
}

// NewPayload projects a vehicle state for a subscriber heading to dest.
func NewPayload(s state.VehicleState, dest *geo.Point) Payload {
	p := Payload{
		VehicleID:     s.VehicleID,
		RouteID:       s.RouteID,
		Location:      s.Location,
		Heading:       s.Heading,
		SpeedKmh:      s.SpeedKmh,
		Occupancy:     s.Occupancy,
		DelayMinutes:  s.DelayMinutes,
		Status:        s.Status,
		LastUpdatedAt: s.LastUpdatedAt,
	}
	if p.Occupancy == "" {
		p.Occupancy = state.OccupancyUnknown
	}
	if dest != nil {
		if eta, ok := geo.RoundedETA(s.Location, *dest, s.SpeedKmh); ok {
			p.ETAMinutes = &eta
		}
	}
	return p
}

// EncodeUpdate renders a vehicle_update frame.
func EncodeUpdate(p Payload) ([]byte, error) {
	return json.Marshal(Frame{Type: TypeVehicleUpdate, Data: p})
}

// EncodePositions renders a vehicle_positions snapshot frame.
func EncodePositions(routeIDs []string, payloads []Payload) ([]byte, error) {
	if payloads == nil {
		payloads = []Payload{}
	}
	return json.Marshal(Frame{Type: TypeVehiclePositions, RouteIDs: routeIDs, Data: payloads})
}
