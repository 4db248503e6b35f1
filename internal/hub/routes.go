package hub

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Route forwards matching messages to an output module. Pattern matching is
// either equality on the message type or an arbitrary predicate.
type Route struct {
	Pattern      string               // matches Message.Type exactly when Predicate is nil
	Predicate    func(*Message) bool  // optional; overrides Pattern when set
	TargetOutput string
	Priority     int
	Timeout      time.Duration // per-route blocking-send deadline; 0 uses the hub default
}

// routeTable keeps routes sorted by descending priority; first match wins.
type routeTable struct {
	mu     sync.RWMutex
	routes []Route
}

func newRouteTable() *routeTable {
	return &routeTable{}
}

func (t *routeTable) Add(route Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = append(t.routes, route)
	sort.SliceStable(t.routes, func(i, j int) bool {
		return t.routes[i].Priority > t.routes[j].Priority
	})
}

// Resolve returns the first route matching the message, highest priority
// first.
func (t *routeTable) Resolve(msg *Message) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, route := range t.routes {
		if route.Predicate != nil {
			if route.Predicate(msg) {
				return route, true
			}
			continue
		}
		if route.Pattern == msg.Type {
			return route, true
		}
	}
	return Route{}, false
}

func (t *routeTable) List() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// RouteDecl is the YAML form of a route in config/routes.yaml.
type RouteDecl struct {
	Pattern    string `yaml:"pattern"`
	Target     string `yaml:"target"`
	Priority   int    `yaml:"priority"`
	TimeoutSec int    `yaml:"timeoutSec"`
}

// ModuleDecl is the YAML form of a module in config/inputs.yaml and
// config/outputs.yaml. Handlers are bound in code at registration time;
// the declaration carries identity and capabilities only.
type ModuleDecl struct {
	ID           string         `yaml:"id"`
	Path         string         `yaml:"path"`
	Capabilities []string       `yaml:"capabilities"`
	Metadata     map[string]any `yaml:"metadata"`
}

type routesFile struct {
	Routes []RouteDecl `yaml:"routes"`
}

type modulesFile struct {
	Modules []ModuleDecl `yaml:"modules"`
}

// LoadRouteDecls reads route declarations from a YAML file. A missing file
// is not an error; it yields no routes.
func LoadRouteDecls(path string) ([]RouteDecl, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read routes file: %w", err)
	}
	var parsed routesFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse routes file %s: %w", path, err)
	}
	return parsed.Routes, nil
}

// LoadModuleDecls reads module declarations from a YAML file. A missing
// file is not an error; it yields no declarations.
func LoadModuleDecls(path string) ([]ModuleDecl, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read modules file: %w", err)
	}
	var parsed modulesFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse modules file %s: %w", path, err)
	}
	return parsed.Modules, nil
}
