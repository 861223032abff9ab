package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"transitbd/tracker/internal/dispatch"
	"transitbd/tracker/internal/geo"
	"transitbd/tracker/internal/logging"
)

// Lifecycle states and events.
const (
	StateConnected    = "connected"
	StateDisconnected = "disconnected"

	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventClose       = "close"
)

type subscribeRequest struct {
	routeIDs    []string
	destination *geo.Point
	err         error
}

// Conn is one live subscriber connection. Lifecycle events on a connection are applied
// one at a time by its state machine; DISCONNECTED is terminal.
type Conn struct {
	id        string
	kind      string
	manager   *Manager
	transport Transport
	log       *logging.Logger

	lifecycle *fsm.FSM
	queue     chan []byte
	done      chan struct{}
	released  chan struct{}
	missed    atomic.Int32
	publisher atomic.Pointer[string]

	sendMu      sync.Mutex
	closed      bool
	lastSent    map[string]time.Time
	destination *geo.Point
}

func newConn(m *Manager, id, kind string, transport Transport) *Conn {
	c := &Conn{
		id:        id,
		kind:      kind,
		manager:   m,
		transport: transport,
		log:       m.log.With(logging.String("connection_id", id), logging.String("transport", kind)),
		queue:     make(chan []byte, m.opts.SendQueueSize),
		done:      make(chan struct{}),
		released:  make(chan struct{}),
		lastSent:  make(map[string]time.Time),
	}
	c.lifecycle = fsm.NewFSM(
		StateConnected,
		fsm.Events{
			{Name: EventSubscribe, Src: []string{StateConnected}, Dst: StateConnected},
			{Name: EventUnsubscribe, Src: []string{StateConnected}, Dst: StateConnected},
			{Name: EventClose, Src: []string{StateConnected}, Dst: StateDisconnected},
		},
		fsm.Callbacks{
			"before_" + EventSubscribe:   c.onSubscribe,
			"before_" + EventUnsubscribe: c.onUnsubscribe,
			"enter_" + StateDisconnected: c.onDisconnected,
		},
	)
	return c
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Conn) State() string { return c.lifecycle.Current() }

// Done is closed once the connection has disconnected.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Released is closed once the transport has been shut down after disconnect.
func (c *Conn) Released() <-chan struct{} { return c.released }

// Subscribe adds routes to the connection and queues a vehicle_positions snapshot for them.
func (c *Conn) Subscribe(ctx context.Context, routeIDs []string, destination *geo.Point) error {
	req := &subscribeRequest{routeIDs: routeIDs, destination: destination}
	if err := c.event(ctx, EventSubscribe, req); err != nil {
		return err
	}
	if req.err != nil {
		return req.err
	}
	return c.sendSnapshot(routeIDs)
}

// Unsubscribe removes routes from the connection.
func (c *Conn) Unsubscribe(ctx context.Context, routeIDs []string) error {
	req := &subscribeRequest{routeIDs: routeIDs}
	if err := c.event(ctx, EventUnsubscribe, req); err != nil {
		return err
	}
	return req.err
}

// Close moves the connection to DISCONNECTED. Only the first call tears the connection
// down and reports true.
func (c *Conn) Close(reason string) bool {
	if reason == "" {
		reason = ReasonClientClosed
	}
	return c.lifecycle.Event(context.Background(), EventClose, reason) == nil
}

// AuthorizePublisher lets the connection publish positions as publisherID.
func (c *Conn) AuthorizePublisher(publisherID string) { c.publisher.Store(&publisherID) }

// Publisher returns the authorised publisher identity, if any.
func (c *Conn) Publisher() (string, bool) {
	id := c.publisher.Load()
	if id == nil {
		return "", false
	}
	return *id, true
}

// MarkAlive resets the missed liveness probe counter.
func (c *Conn) MarkAlive() { c.missed.Store(0) }

// Send queues a control frame such as an ack. A full queue is a send failure and closes
// the connection.
func (c *Conn) Send(frame []byte) error {
	c.sendMu.Lock()
	err := c.enqueueLocked(frame)
	c.sendMu.Unlock()
	c.closeOnFailure(err)
	return err
}

func (c *Conn) event(ctx context.Context, name string, req *subscribeRequest) error {
	err := c.lifecycle.Event(ctx, name, req)
	var noTransition fsm.NoTransitionError
	var invalid fsm.InvalidEventError
	switch {
	case err == nil, errors.As(err, &noTransition):
		return nil
	case errors.As(err, &invalid):
		return ErrClosed
	case req.err != nil:
		return req.err
	default:
		return err
	}
}

func (c *Conn) onSubscribe(_ context.Context, e *fsm.Event) {
	req := e.Args[0].(*subscribeRequest)
	if err := c.manager.registry.Subscribe(c.id, req.routeIDs, req.destination); err != nil {
		req.err = err
		e.Cancel(err)
		return
	}
	if req.destination != nil {
		d := *req.destination
		c.sendMu.Lock()
		c.destination = &d
		c.sendMu.Unlock()
	}
}

func (c *Conn) onUnsubscribe(_ context.Context, e *fsm.Event) {
	req := e.Args[0].(*subscribeRequest)
	if err := c.manager.registry.Unsubscribe(c.id, req.routeIDs); err != nil {
		req.err = err
		e.Cancel(err)
	}
}

// onDisconnected runs exactly once, inside the close transition.
func (c *Conn) onDisconnected(_ context.Context, e *fsm.Event) {
	reason := ReasonClientClosed
	if len(e.Args) > 0 {
		if r, ok := e.Args[0].(string); ok {
			reason = r
		}
	}
	//1.- Drop every route subscription before anything else can observe the close.
	c.manager.registry.Disconnect(c.id)

	//2.- Refuse further frames and stop the writer.
	c.sendMu.Lock()
	c.closed = true
	c.lastSent = nil
	c.sendMu.Unlock()
	close(c.done)

	//3.- Release the slot now; the transport may still be stuck in a write, so it is
	// closed off the caller's goroutine.
	c.manager.forget(c, reason)
	go c.release()
	c.log.Info("connection closed", logging.String("reason", reason))
}

func (c *Conn) release() {
	defer close(c.released)
	if err := c.transport.Close(); err != nil {
		c.log.Debug("transport close failed", logging.Error(err))
	}
}

func (c *Conn) enqueueLocked(frame []byte) error {
	if c.closed {
		return ErrClosed
	}
	select {
	case c.queue <- frame:
		return nil
	default:
		return ErrSendFailed
	}
}

func (c *Conn) closeOnFailure(err error) {
	if errors.Is(err, ErrSendFailed) {
		c.Close(dispatch.DisconnectSendFailed)
	}
}

// deliver queues a vehicle frame unless the connection already sent a newer state for
// the vehicle, keeping each vehicle's timestamps non-decreasing on the wire.
func (c *Conn) deliver(vehicleID string, lastUpdatedAt time.Time, frame []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if last, ok := c.lastSent[vehicleID]; ok && lastUpdatedAt.Before(last) {
		return nil
	}
	if err := c.enqueueLocked(frame); err != nil {
		return err
	}
	c.lastSent[vehicleID] = lastUpdatedAt
	return nil
}

func (c *Conn) sendSnapshot(routeIDs []string) error {
	store := c.manager.opts.Store
	if store == nil {
		return nil
	}
	states := make([]dispatch.Payload, 0)
	c.sendMu.Lock()
	if c.closed {
		c.sendMu.Unlock()
		return ErrClosed
	}
	//1.- Project current vehicles, skipping any the connection has already seen newer.
	for _, routeID := range routeIDs {
		for _, s := range store.ListByRoute(routeID) {
			if last, ok := c.lastSent[s.VehicleID]; ok && s.LastUpdatedAt.Before(last) {
				continue
			}
			dest := dispatch.ResolveDestination(c.destination, s.RouteID, c.manager.opts.Destinations)
			states = append(states, dispatch.NewPayload(s, dest))
			c.lastSent[s.VehicleID] = s.LastUpdatedAt
		}
	}
	sort.Slice(states, func(i, j int) bool { return states[i].VehicleID < states[j].VehicleID })

	//2.- Encode and queue under the same lock so no newer update can overtake it.
	frame, err := dispatch.EncodePositions(routeIDs, states)
	if err == nil {
		err = c.enqueueLocked(frame)
	}
	c.sendMu.Unlock()
	c.closeOnFailure(err)
	return err
}

// writeLoop drains the queue onto the transport and probes liveness.
func (c *Conn) writeLoop() {
	opts := c.manager.opts
	pinger, canPing := c.transport.(Pinger)
	var tick <-chan time.Time
	if canPing && opts.PingInterval > 0 {
		ticker := time.NewTicker(opts.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.queue:
			ctx, cancel := context.WithTimeout(context.Background(), opts.WriteTimeout)
			err := c.transport.Send(ctx, frame)
			cancel()
			if err != nil {
				c.log.Debug("write failed", logging.Error(err))
				c.Close(ReasonWriteError)
				return
			}
		case <-tick:
			//1.- Too many unanswered probes means the peer is gone.
			if int(c.missed.Add(1)) > opts.MaxMissedPings {
				c.Close(ReasonLiveness)
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), opts.WriteTimeout)
			err := pinger.Ping(ctx)
			cancel()
			if err != nil {
				c.Close(ReasonWriteError)
				return
			}
		}
	}
}
