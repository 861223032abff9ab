package subscription

import (
	"errors"
	"hash/fnv"
	"sort"
	"sync"

	"transitbd/tracker/internal/geo"
)

var (
	// ErrUnknownConnection is returned when the connection was never registered or has
	// already been disconnected.
	ErrUnknownConnection = errors.New("connection is not registered")
	// ErrAlreadyRegistered is returned when a live connection identifier is reused.
	ErrAlreadyRegistered = errors.New("connection already registered")
)

// Subscriber is one entry of a route's subscriber set.
type Subscriber struct {
	ConnectionID string
	// Destination is the ETA target the connection declared, if any.
	Destination *geo.Point
}

// Stats summarises registry occupancy.
type Stats struct {
	Connections   int
	Routes        int
	Subscriptions int
}

type connection struct {
	mu          sync.Mutex
	closed      bool
	routes      map[string]struct{}
	destination *geo.Point
}

type connShard struct {
	mu    sync.RWMutex
	conns map[string]*connection
}

type routeShard struct {
	mu     sync.RWMutex
	routes map[string]map[string]Subscriber
}

// Registry is the many-to-many relation between live connections and routes. Operations
// on one connection are linearised by that connection's lock; different connections only
// meet on the sharded route index, which is held for map updates only.
type Registry struct {
	conns  []*connShard
	routes []*routeShard
}

const defaultShards = 32

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	r := &Registry{
		conns:  make([]*connShard, defaultShards),
		routes: make([]*routeShard, defaultShards),
	}
	for i := range r.conns {
		r.conns[i] = &connShard{conns: make(map[string]*connection)}
		r.routes[i] = &routeShard{routes: make(map[string]map[string]Subscriber)}
	}
	return r
}

func shardIndex(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (r *Registry) connShardFor(id string) *connShard {
	return r.conns[shardIndex(id, len(r.conns))]
}

func (r *Registry) routeShardFor(routeID string) *routeShard {
	return r.routes[shardIndex(routeID, len(r.routes))]
}

// Register records a freshly connected transport with no subscriptions.
func (r *Registry) Register(connectionID string) error {
	if r == nil || connectionID == "" {
		return ErrUnknownConnection
	}
	sh := r.connShardFor(connectionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.conns[connectionID]; exists {
		return ErrAlreadyRegistered
	}
	sh.conns[connectionID] = &connection{routes: make(map[string]struct{})}
	return nil
}

func (r *Registry) lookup(connectionID string) *connection {
	if r == nil || connectionID == "" {
		return nil
	}
	sh := r.connShardFor(connectionID)
	sh.mu.RLock()
	c := sh.conns[connectionID]
	sh.mu.RUnlock()
	return c
}

// Subscribe adds routes to the connection's interest set. Subscribing to a route twice is
// a no-op apart from refreshing the declared destination. A nil destination keeps the
// previously declared one.
func (r *Registry) Subscribe(connectionID string, routeIDs []string, destination *geo.Point) error {
	c := r.lookup(connectionID)
	if c == nil {
		return ErrUnknownConnection
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrUnknownConnection
	}

	//1.- Refresh the destination and re-index existing routes when it changed.
	if destination != nil {
		d := *destination
		c.destination = &d
		for routeID := range c.routes {
			r.index(routeID, connectionID, c.destination)
		}
	}

	//2.- Index the new routes under their shards.
	for _, routeID := range routeIDs {
		if routeID == "" {
			continue
		}
		if _, ok := c.routes[routeID]; ok {
			continue
		}
		c.routes[routeID] = struct{}{}
		r.index(routeID, connectionID, c.destination)
	}
	return nil
}

// Unsubscribe removes routes from the connection's interest set.
func (r *Registry) Unsubscribe(connectionID string, routeIDs []string) error {
	c := r.lookup(connectionID)
	if c == nil {
		return ErrUnknownConnection
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrUnknownConnection
	}
	for _, routeID := range routeIDs {
		if _, ok := c.routes[routeID]; !ok {
			continue
		}
		delete(c.routes, routeID)
		r.unindex(routeID, connectionID)
	}
	return nil
}

// Disconnect removes the connection from every route index. When it returns, no route
// lists the connection and later Subscribe calls for it fail. It reports whether the
// connection was live.
func (r *Registry) Disconnect(connectionID string) bool {
	if r == nil || connectionID == "" {
		return false
	}
	sh := r.connShardFor(connectionID)
	sh.mu.Lock()
	c, ok := sh.conns[connectionID]
	delete(sh.conns, connectionID)
	sh.mu.Unlock()
	if !ok {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	for routeID := range c.routes {
		r.unindex(routeID, connectionID)
	}
	c.routes = nil
	return true
}

// SubscribersOf returns a snapshot of the route's subscribers.
func (r *Registry) SubscribersOf(routeID string) []Subscriber {
	if r == nil || routeID == "" {
		return nil
	}
	sh := r.routeShardFor(routeID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	set := sh.routes[routeID]
	if len(set) == 0 {
		return nil
	}
	out := make([]Subscriber, 0, len(set))
	for _, sub := range set {
		out = append(out, sub)
	}
	return out
}

// RoutesOf lists the routes the connection is subscribed to, sorted.
func (r *Registry) RoutesOf(connectionID string) []string {
	c := r.lookup(connectionID)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	out := make([]string, 0, len(c.routes))
	for routeID := range c.routes {
		out = append(out, routeID)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// Stats walks every shard and reports totals.
func (r *Registry) Stats() Stats {
	var stats Stats
	if r == nil {
		return stats
	}
	for _, sh := range r.conns {
		sh.mu.RLock()
		stats.Connections += len(sh.conns)
		sh.mu.RUnlock()
	}
	for _, sh := range r.routes {
		sh.mu.RLock()
		stats.Routes += len(sh.routes)
		for _, set := range sh.routes {
			stats.Subscriptions += len(set)
		}
		sh.mu.RUnlock()
	}
	return stats
}

func (r *Registry) index(routeID, connectionID string, destination *geo.Point) {
	sh := r.routeShardFor(routeID)
	sh.mu.Lock()
	set, ok := sh.routes[routeID]
	if !ok {
		set = make(map[string]Subscriber)
		sh.routes[routeID] = set
	}
	set[connectionID] = Subscriber{ConnectionID: connectionID, Destination: destination}
	sh.mu.Unlock()
}

func (r *Registry) unindex(routeID, connectionID string) {
	sh := r.routeShardFor(routeID)
	sh.mu.Lock()
	if set, ok := sh.routes[routeID]; ok {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(sh.routes, routeID)
		}
	}
	sh.mu.Unlock()
}
