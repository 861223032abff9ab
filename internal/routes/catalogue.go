package routes

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"transitbd/tracker/internal/geo"
)

// Route describes one service line: its geometry and the stop ETAs are computed against.
type Route struct {
	ID          string      `yaml:"id" json:"id" validate:"required"`
	Name        string      `yaml:"name" json:"name"`
	Destination *geo.Point  `yaml:"destination" json:"destination,omitempty" validate:"omitempty"`
	Path        []geo.Point `yaml:"path" json:"path" validate:"omitempty,min=2"`
}

type document struct {
	Routes []Route `yaml:"routes" validate:"required,dive"`
}

// Catalogue is the route and destination collaborator. It is safe for concurrent use and
// may be swapped wholesale by Replace when the backing file changes.
type Catalogue struct {
	mu     sync.RWMutex
	routes map[string]Route
}

var validate = validator.New()

// NewCatalogue builds a catalogue from the provided routes.
func NewCatalogue(routes ...Route) *Catalogue {
	c := &Catalogue{}
	c.Replace(routes)
	return c
}

// Load reads and validates a YAML route catalogue file.
func Load(path string) (*Catalogue, error) {
	routes, err := parseFile(path)
	if err != nil {
		return nil, err
	}
	return NewCatalogue(routes...), nil
}

// Reload replaces the catalogue content with the file at path. On error the current
// content is kept.
func (c *Catalogue) Reload(path string) error {
	routes, err := parseFile(path)
	if err != nil {
		return err
	}
	c.Replace(routes)
	return nil
}

func parseFile(path string) ([]Route, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read route catalogue: %w", err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode route catalogue: %w", err)
	}
	if err := validate.Struct(doc); err != nil {
		return nil, fmt.Errorf("validate route catalogue: %w", err)
	}
	seen := make(map[string]struct{}, len(doc.Routes))
	for _, r := range doc.Routes {
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("validate route catalogue: duplicate route id %q", r.ID)
		}
		seen[r.ID] = struct{}{}
		for _, p := range r.Path {
			if !p.Valid() {
				return nil, fmt.Errorf("validate route catalogue: route %q has out of range point %+v", r.ID, p)
			}
		}
		if r.Destination != nil && !r.Destination.Valid() {
			return nil, fmt.Errorf("validate route catalogue: route %q has out of range destination", r.ID)
		}
	}
	return doc.Routes, nil
}

// Replace swaps in a new set of routes.
func (c *Catalogue) Replace(routes []Route) {
	next := make(map[string]Route, len(routes))
	for _, r := range routes {
		if r.ID == "" {
			continue
		}
		r.Path = append([]geo.Point(nil), r.Path...)
		next[r.ID] = r
	}
	c.mu.Lock()
	c.routes = next
	c.mu.Unlock()
}

// Destination returns the ETA target for the route. Routes without an explicit
// destination use the final point of their path.
func (c *Catalogue) Destination(routeID string) (geo.Point, bool) {
	if c == nil {
		return geo.Point{}, false
	}
	c.mu.RLock()
	r, ok := c.routes[routeID]
	c.mu.RUnlock()
	if !ok {
		return geo.Point{}, false
	}
	if r.Destination != nil {
		return *r.Destination, true
	}
	if n := len(r.Path); n > 0 {
		return r.Path[n-1], true
	}
	return geo.Point{}, false
}

// Get returns a copy of the route.
func (c *Catalogue) Get(routeID string) (Route, bool) {
	if c == nil {
		return Route{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.routes[routeID]
	if !ok {
		return Route{}, false
	}
	r.Path = append([]geo.Point(nil), r.Path...)
	return r, true
}

// All returns every route ordered by identifier.
func (c *Catalogue) All() []Route {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	out := make([]Route, 0, len(c.routes))
	for _, r := range c.routes {
		r.Path = append([]geo.Point(nil), r.Path...)
		out = append(out, r)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Dhaka returns the demo catalogue the simulator drives when no file is configured.
func Dhaka() *Catalogue {
	return NewCatalogue(
		Route{
			ID:   "1",
			Name: "Gulshan Circle",
			Path: []geo.Point{
				{Lat: 23.8103, Lng: 90.4125},
				{Lat: 23.8223, Lng: 90.4265},
				{Lat: 23.8133, Lng: 90.4342},
				{Lat: 23.8028, Lng: 90.4255},
			},
		},
		Route{
			ID:   "2",
			Name: "Farmgate Connector",
			Path: []geo.Point{
				{Lat: 23.7925, Lng: 90.4078},
				{Lat: 23.8012, Lng: 90.4125},
				{Lat: 23.8103, Lng: 90.4125},
				{Lat: 23.8145, Lng: 90.4023},
			},
		},
	)
}
