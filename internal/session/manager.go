package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"transitbd/tracker/internal/dispatch"
	"transitbd/tracker/internal/ingest"
	"transitbd/tracker/internal/logging"
	"transitbd/tracker/internal/metrics"
	"transitbd/tracker/internal/state"
	"transitbd/tracker/internal/subscription"
)

var (
	// ErrSendFailed reports that a frame could not be queued or written to a connection.
	ErrSendFailed = errors.New("transport send failure")
	// ErrClosed is returned by operations on a connection that has already disconnected.
	ErrClosed = errors.New("connection closed")
	// ErrTooManyConnections is returned by Open when the connection limit is reached.
	ErrTooManyConnections = errors.New("connection limit reached")
	// ErrUnknownConnection is returned when a connection id does not name a live connection.
	ErrUnknownConnection = errors.New("unknown connection")
)

// Disconnect reasons reported to metrics and logs.
const (
	ReasonClientClosed = "client_closed"
	ReasonReadError    = "read_error"
	ReasonWriteError   = "write_error"
	ReasonLiveness     = "liveness_timeout"
	ReasonShutdown     = "shutdown"
)

const closeAllWait = 2 * time.Second

// Transport is the write side of a subscriber connection. Send may block up to the
// deadline carried by ctx.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Close() error
}

// Pinger is implemented by transports that carry a native liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ingester accepts position updates published over a connection.
type Ingester interface {
	Ingest(ctx context.Context, update ingest.PositionUpdate) (ingest.Decision, error)
}

// Options configures a Manager.
type Options struct {
	Store    *state.Store
	Ingester Ingester
	// RequirePublisher refuses update_position from connections never authorised.
	RequirePublisher bool
	// IngestTimeout bounds each update_position, including any rehydration it triggers.
	IngestTimeout  time.Duration
	Destinations   dispatch.Destinations
	PingInterval   time.Duration
	MaxMissedPings int
	SendQueueSize  int
	// MaxClients caps concurrent connections; zero means unlimited.
	MaxClients   int
	WriteTimeout time.Duration
	Metrics      *metrics.Metrics
	Logger       *logging.Logger
}

// Manager owns the lifecycle of every live subscriber connection.
type Manager struct {
	registry *subscription.Registry
	opts     Options
	log      *logging.Logger

	conns sync.Map
	count atomic.Int64
}

// NewManager constructs a manager bound to the subscription registry.
func NewManager(registry *subscription.Registry, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.MaxMissedPings <= 0 {
		opts.MaxMissedPings = 3
	}
	if opts.IngestTimeout <= 0 {
		opts.IngestTimeout = 2 * time.Second
	}
	return &Manager{
		registry: registry,
		opts:     opts,
		log:      opts.Logger.With(logging.String("component", "session")),
	}
}

// Open registers a freshly accepted transport and starts its writer. kind labels the
// transport for metrics ("websocket", "grpc").
func (m *Manager) Open(transport Transport, kind string) (*Conn, error) {
	if m == nil || transport == nil {
		return nil, ErrClosed
	}
	//1.- Reserve a slot before doing any work so the limit is never overshot.
	if n := m.count.Add(1); m.opts.MaxClients > 0 && n > int64(m.opts.MaxClients) {
		m.count.Add(-1)
		return nil, ErrTooManyConnections
	}

	//2.- Register the connection under a fresh identifier.
	id := uuid.NewString()
	if err := m.registry.Register(id); err != nil {
		m.count.Add(-1)
		return nil, err
	}
	conn := newConn(m, id, kind, transport)
	m.conns.Store(id, conn)
	m.opts.Metrics.ConnectionOpened(kind)
	conn.log.Info("connection opened")

	//3.- The writer owns the transport's write side and the liveness probe.
	go conn.writeLoop()
	return conn, nil
}

// Get returns the live connection with the id.
func (m *Manager) Get(connectionID string) (*Conn, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.conns.Load(connectionID)
	if !ok {
		return nil, false
	}
	return v.(*Conn), true
}

// Deliver queues a vehicle frame on the connection without blocking.
func (m *Manager) Deliver(connectionID, vehicleID string, lastUpdatedAt time.Time, frame []byte) error {
	conn, ok := m.Get(connectionID)
	if !ok {
		return ErrUnknownConnection
	}
	return conn.deliver(vehicleID, lastUpdatedAt, frame)
}

// Disconnect closes the connection if it is still live.
func (m *Manager) Disconnect(connectionID, reason string) {
	if conn, ok := m.Get(connectionID); ok {
		conn.Close(reason)
	}
}

// Count reports the number of live connections.
func (m *Manager) Count() int {
	if m == nil {
		return 0
	}
	return int(m.count.Load())
}

// CloseAll disconnects every live connection and waits, up to closeAllWait, for their
// transports to shut down.
func (m *Manager) CloseAll(reason string) {
	if m == nil {
		return
	}
	var closing []*Conn
	m.conns.Range(func(_, v any) bool {
		c := v.(*Conn)
		c.Close(reason)
		closing = append(closing, c)
		return true
	})
	deadline := time.NewTimer(closeAllWait)
	defer deadline.Stop()
	for _, c := range closing {
		select {
		case <-c.Released():
		case <-deadline.C:
			return
		}
	}
}

func (m *Manager) forget(c *Conn, reason string) {
	m.conns.Delete(c.id)
	m.count.Add(-1)
	m.opts.Metrics.ConnectionClosed(c.kind, reason)
}
