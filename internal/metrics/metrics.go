package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the tracker's Prometheus collectors. A nil *Metrics is a valid no-op
// recorder so components can be built without instrumentation in tests.
type Metrics struct {
	registry *prometheus.Registry

	// IngestTotal counts ingest decisions, labelled by rejection reason ("accepted" when none).
	IngestTotal *prometheus.CounterVec
	// DispatchSends counts per-connection send attempts (result: sent/failed).
	DispatchSends *prometheus.CounterVec
	// DispatchLatency measures one fan-out from acceptance to the last enqueue.
	DispatchLatency prometheus.Histogram
	// HeartbeatDuration measures one heartbeat pass.
	HeartbeatDuration prometheus.Histogram
	// ActiveConnections tracks live connections per transport (websocket/grpc).
	ActiveConnections *prometheus.GaugeVec
	// Disconnects counts lifecycle closes by reason.
	Disconnects *prometheus.CounterVec
	// Subscriptions tracks connection/route pairs.
	Subscriptions prometheus.Gauge
	// TrackedVehicles tracks the number of vehicles held in memory.
	TrackedVehicles prometheus.Gauge
	// PersistenceFailures counts dropped or failed persistence writes.
	PersistenceFailures *prometheus.CounterVec
	// SourceMessages counts messages received from position sources (source, result).
	SourceMessages *prometheus.CounterVec
}

// New builds and registers every collector on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		IngestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_ingest_updates_total",
			Help: "Position updates processed by the ingestor, by outcome.",
		}, []string{"outcome"}),
		DispatchSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_dispatch_sends_total",
			Help: "Vehicle update frames handed to connections, by result.",
		}, []string{"result"}),
		DispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_dispatch_fanout_seconds",
			Help:    "Time spent fanning one accepted update out to its subscribers.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}),
		HeartbeatDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_heartbeat_duration_seconds",
			Help:    "Duration of one heartbeat pass over the fleet.",
			Buckets: prometheus.DefBuckets,
		}),
		ActiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tracker_active_connections",
			Help: "Live subscriber connections, by transport.",
		}, []string{"transport"}),
		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_disconnects_total",
			Help: "Connections torn down, by reason.",
		}, []string{"reason"}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_route_subscriptions",
			Help: "Connection and route pairs currently indexed.",
		}),
		TrackedVehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_tracked_vehicles",
			Help: "Vehicles held in the in-memory state store.",
		}),
		PersistenceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_persistence_failures_total",
			Help: "Vehicle state writes that were dropped or failed.",
		}, []string{"reason"}),
		SourceMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_source_messages_total",
			Help: "Messages received from position sources, by source and result.",
		}, []string{"source", "result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.IngestTotal,
		m.DispatchSends,
		m.DispatchLatency,
		m.HeartbeatDuration,
		m.ActiveConnections,
		m.Disconnects,
		m.Subscriptions,
		m.TrackedVehicles,
		m.PersistenceFailures,
		m.SourceMessages,
	)
	return m
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveIngest records one ingest outcome.
func (m *Metrics) ObserveIngest(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "accepted"
	}
	m.IngestTotal.WithLabelValues(reason).Inc()
}

// ObserveSend records one per-connection send attempt.
func (m *Metrics) ObserveSend(ok bool) {
	if m == nil {
		return
	}
	result := "sent"
	if !ok {
		result = "failed"
	}
	m.DispatchSends.WithLabelValues(result).Inc()
}

// ObserveFanout records the duration of one dispatch.
func (m *Metrics) ObserveFanout(d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchLatency.Observe(d.Seconds())
}

// ObserveHeartbeat records the duration of one heartbeat pass.
func (m *Metrics) ObserveHeartbeat(d time.Duration) {
	if m == nil {
		return
	}
	m.HeartbeatDuration.Observe(d.Seconds())
}

// ConnectionOpened increments the live connection gauge for the transport.
func (m *Metrics) ConnectionOpened(transport string) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(transport).Inc()
}

// ConnectionClosed decrements the live connection gauge and counts the reason.
func (m *Metrics) ConnectionClosed(transport, reason string) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(transport).Dec()
	m.Disconnects.WithLabelValues(reason).Inc()
}

// SetSubscriptions publishes the current subscription count.
func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.Subscriptions.Set(float64(n))
}

// SetTrackedVehicles publishes the current fleet size.
func (m *Metrics) SetTrackedVehicles(n int) {
	if m == nil {
		return
	}
	m.TrackedVehicles.Set(float64(n))
}

// PersistenceFailure counts one failed or dropped persistence write.
func (m *Metrics) PersistenceFailure(reason string) {
	if m == nil {
		return
	}
	m.PersistenceFailures.WithLabelValues(reason).Inc()
}

// SourceMessage counts one message from a position source.
func (m *Metrics) SourceMessage(source, result string) {
	if m == nil {
		return
	}
	m.SourceMessages.WithLabelValues(source, result).Inc()
}
