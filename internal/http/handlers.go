package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"transitbd/tracker/internal/auth"
	"transitbd/tracker/internal/dispatch"
	"transitbd/tracker/internal/geo"
	"transitbd/tracker/internal/ingest"
	"transitbd/tracker/internal/logging"
	"transitbd/tracker/internal/metrics"
	"transitbd/tracker/internal/state"
)

const maxPositionBody = 64 << 10

// ReadinessProvider exposes service state required for readiness checks.
type ReadinessProvider interface {
	Connections() int
	StartupError() error
	Uptime() time.Duration
}

// VehicleStore is the read and operator-write surface of the state store.
type VehicleStore interface {
	Get(vehicleID string) (state.VehicleState, bool)
	ListByRoute(routeID string) []state.VehicleState
	Snapshot() []state.VehicleState
	Update(vehicleID string, fn func(state.VehicleState) (state.VehicleState, bool)) (state.VehicleState, bool)
}

// Ingester accepts position updates posted over HTTP.
type Ingester interface {
	Ingest(ctx context.Context, update ingest.PositionUpdate) (ingest.Decision, error)
}

// Notifier is told about operator status changes so subscribers see them.
type Notifier interface {
	OnAccepted(state.VehicleState)
}

// RateLimiter gates how often one client may post positions.
type RateLimiter interface {
	Allow(key string) bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger       *logging.Logger
	Readiness    ReadinessProvider
	Store        VehicleStore
	Ingester     Ingester
	Notifier     Notifier
	Destinations dispatch.Destinations
	Publisher    auth.Publisher
	RateLimiter  RateLimiter
	Metrics      *metrics.Metrics
	TimeSource   func() time.Time
}

// HandlerSet bundles the operational probes and the vehicle REST API.
type HandlerSet struct {
	logger       *logging.Logger
	readiness    ReadinessProvider
	store        VehicleStore
	ingester     Ingester
	notifier     Notifier
	destinations dispatch.Destinations
	publisher    auth.Publisher
	rateLimiter  RateLimiter
	metrics      *metrics.Metrics
	now          func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher, _ = auth.NewPublisher("")
	}
	return &HandlerSet{
		logger:       logger.With(logging.String("component", "http")),
		readiness:    opts.Readiness,
		store:        opts.Store,
		ingester:     opts.Ingester,
		notifier:     opts.Notifier,
		destinations: opts.Destinations,
		publisher:    publisher,
		rateLimiter:  opts.RateLimiter,
		metrics:      opts.Metrics,
		now:          now,
	}
}

// NewRouter returns a chi router carrying CORS and request tracing with every handler
// of the set registered.
func NewRouter(h *HandlerSet, allowedOrigins []string) chi.Router {
	origins := allowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Auth-Token"},
		MaxAge:         300,
	}))
	r.Use(logging.HTTPTraceMiddleware(h.logger))
	h.Register(r)
	return r
}

// Register attaches all handlers to the provided router.
func (h *HandlerSet) Register(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/livez", h.LivenessHandler())
	r.Get("/readyz", h.ReadinessHandler())
	r.Handle("/metrics", h.metrics.Handler())
	r.Route("/api/vehicles", func(r chi.Router) {
		r.Get("/", h.ListVehiclesHandler())
		r.Post("/positions", h.PostPositionHandler())
		r.Get("/{vehicleID}", h.GetVehicleHandler())
		r.Get("/{vehicleID}/eta", h.VehicleETAHandler())
		r.Put("/{vehicleID}/status", h.SetStatusHandler())
	})
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports readiness, including live connections and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Connections   int     `json:"connections"`
		Vehicles      int     `json:"vehicles"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.store != nil {
			resp.Vehicles = len(h.store.Snapshot())
		}
		if h.readiness != nil {
			resp.Connections = h.readiness.Connections()
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// ListVehiclesHandler returns every tracked vehicle, or the vehicles of one route when
// routeId is given. ETAs target each route's catalogue destination.
func (h *HandlerSet) ListVehiclesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.store == nil {
			writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "vehicle store is not configured")
			return
		}
		var states []state.VehicleState
		if routeID := strings.TrimSpace(r.URL.Query().Get("routeId")); routeID != "" {
			states = h.store.ListByRoute(routeID)
		} else {
			states = h.store.Snapshot()
		}
		sort.Slice(states, func(i, j int) bool { return states[i].VehicleID < states[j].VehicleID })
		payloads := make([]dispatch.Payload, 0, len(states))
		for _, s := range states {
			payloads = append(payloads, dispatch.NewPayload(s, dispatch.ResolveDestination(nil, s.RouteID, h.destinations)))
		}
		writeJSON(w, http.StatusOK, payloads)
	}
}

// GetVehicleHandler returns one vehicle.
func (h *HandlerSet) GetVehicleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := h.lookup(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, dispatch.NewPayload(s, dispatch.ResolveDestination(nil, s.RouteID, h.destinations)))
	}
}

// VehicleETAHandler estimates arrival at lat/lng, or at the route destination when the
// query leaves the target out.
func (h *HandlerSet) VehicleETAHandler() http.HandlerFunc {
	type response struct {
		VehicleID   string     `json:"vehicleId"`
		RouteID     string     `json:"routeId"`
		Destination *geo.Point `json:"destination"`
		DistanceKm  *float64   `json:"distanceKm"`
		ETAMinutes  *int       `json:"etaMinutes"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var declared *geo.Point
		if rawLat, rawLng := r.URL.Query().Get("lat"), r.URL.Query().Get("lng"); rawLat != "" || rawLng != "" {
			point, err := parsePoint(rawLat, rawLng)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, string(ingest.ReasonInvalidLocation), err.Error())
				return
			}
			declared = &point
		}
		s, ok := h.lookup(w, r)
		if !ok {
			return
		}
		resp := response{VehicleID: s.VehicleID, RouteID: s.RouteID}
		if dest := dispatch.ResolveDestination(declared, s.RouteID, h.destinations); dest != nil {
			distance := geo.DistanceKm(s.Location, *dest)
			resp.Destination = dest
			resp.DistanceKm = &distance
			if eta, ok := geo.RoundedETA(s.Location, *dest, s.SpeedKmh); ok {
				resp.ETAMinutes = &eta
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// PostPositionHandler ingests one position report. Validation failures answer 422 with
// the rejection reason.
func (h *HandlerSet) PostPositionHandler() http.HandlerFunc {
	type response struct {
		Accepted bool                `json:"accepted"`
		Applied  bool                `json:"applied"`
		Vehicle  *state.VehicleState `json:"vehicle,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(logging.String("handler", "post_position"), logging.String("remote_addr", r.RemoteAddr))
		if h.ingester == nil {
			writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "ingestion is not configured")
			return
		}

		//1.- Authenticate the publisher, then rate limit per publisher or per client address.
		publisherID, err := h.publisher.Authorize(auth.TokenFromRequest(r))
		if err != nil {
			reqLogger.Warn("position post denied: unauthorized", logging.Error(err))
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
			return
		}
		key := publisherID
		if key == "" {
			key = clientAddress(r)
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow(key) {
			reqLogger.Warn("position post denied: rate limit exceeded", logging.String("client", key))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}

		//2.- Decode and ingest.
		var update ingest.PositionUpdate
		decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPositionBody))
		if err := decoder.Decode(&update); err != nil {
			writeError(w, http.StatusBadRequest, "MALFORMED", "request body is not a position update")
			return
		}
		decision, err := h.ingester.Ingest(r.Context(), update)
		if err != nil {
			if reason := ingest.ReasonOf(err); reason != ingest.ReasonNone {
				writeError(w, http.StatusUnprocessableEntity, string(reason), err.Error())
				return
			}
			reqLogger.Error("position ingest failed", logging.Error(err))
			writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to ingest position")
			return
		}
		resp := response{Accepted: decision.Accepted, Applied: decision.Applied}
		if decision.Applied {
			applied := decision.State
			resp.Vehicle = &applied
		}
		writeJSON(w, http.StatusAccepted, resp)
	}
}

// SetStatusHandler lets operators put a vehicle into MAINTENANCE or back ONLINE.
func (h *HandlerSet) SetStatusHandler() http.HandlerFunc {
	type request struct {
		Status string `json:"status"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if h.store == nil {
			writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "vehicle store is not configured")
			return
		}
		if _, err := h.publisher.Authorize(auth.TokenFromRequest(r)); err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
			return
		}
		var req request
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPositionBody)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "MALFORMED", "request body must carry a status")
			return
		}
		status, ok := state.ParseStatus(req.Status)
		if !ok || status == state.StatusOffline {
			writeError(w, http.StatusUnprocessableEntity, "INVALID_STATUS", "status must be MAINTENANCE or ONLINE")
			return
		}

		vehicleID := chi.URLParam(r, "vehicleID")
		next, ok := h.store.Update(vehicleID, func(s state.VehicleState) (state.VehicleState, bool) {
			if s.Status == status {
				return s, false
			}
			s.Status = status
			return s, true
		})
		if !ok {
			current, found := h.store.Get(vehicleID)
			if !found {
				writeError(w, http.StatusNotFound, "NOT_FOUND", "vehicle is not tracked")
				return
			}
			writeJSON(w, http.StatusOK, dispatch.NewPayload(current, nil))
			return
		}
		h.logger.Info("vehicle status changed", logging.String("vehicle_id", vehicleID), logging.String("status", string(status)))
		if h.notifier != nil {
			h.notifier.OnAccepted(next)
		}
		writeJSON(w, http.StatusOK, dispatch.NewPayload(next, nil))
	}
}

func (h *HandlerSet) lookup(w http.ResponseWriter, r *http.Request) (state.VehicleState, bool) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "vehicle store is not configured")
		return state.VehicleState{}, false
	}
	s, ok := h.store.Get(chi.URLParam(r, "vehicleID"))
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "vehicle is not tracked")
		return state.VehicleState{}, false
	}
	return s, true
}

var errBadCoordinates = errors.New("lat and lng must both be valid coordinates")

func parsePoint(rawLat, rawLng string) (geo.Point, error) {
	lat, err := strconv.ParseFloat(strings.TrimSpace(rawLat), 64)
	if err != nil {
		return geo.Point{}, errBadCoordinates
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(rawLng), 64)
	if err != nil {
		return geo.Point{}, errBadCoordinates
	}
	point := geo.Point{Lat: lat, Lng: lng}
	if !point.Valid() {
		return geo.Point{}, errBadCoordinates
	}
	return point, nil
}

func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
