package plugin

import (
	"fmt"
	"path/filepath"
	goplugin "plugin"
)

// Symbol names a routing module must export. RouteSymbol is required;
// InitSymbol is optional and runs once after load.
const (
	RouteSymbol = "PgdogRouteQuery"
	InitSymbol  = "PgdogInit"
)

// RouteFunc is the routing entry point a module exports.
type RouteFunc func(Query) Route

// InitFunc is the optional initialization entry point.
type InitFunc func()

// Plugin is one loaded routing module. The library handle is kept on the
// struct so the resolved functions can never outlive it.
type Plugin struct {
	name   string
	handle *goplugin.Plugin
	route  RouteFunc
	init   InitFunc
}

// libraryFilename resolves a bare module name to the platform's shared
// library name. Names that already carry an extension pass through.
func libraryFilename(name string) string {
	if filepath.Ext(name) != "" {
		return name
	}
	return name + ".so"
}

// Load opens the shared library for name and resolves its entry points.
// A module missing the route symbol still loads but reports invalid.
func Load(name string) (*Plugin, error) {
	lib, err := goplugin.Open(libraryFilename(name))
	if err != nil {
		return nil, fmt.Errorf("opening plugin %q: %w", name, err)
	}

	p := &Plugin{name: name, handle: lib}

	if sym, err := lib.Lookup(RouteSymbol); err == nil {
		if route, ok := sym.(func(Query) Route); ok {
			p.route = route
		}
	}

	if sym, err := lib.Lookup(InitSymbol); err == nil {
		if init, ok := sym.(func()); ok {
			p.init = init
		}
	}

	return p, nil
}

// NewStatic builds an in-process plugin from function values. Used for
// built-in routing modules and tests; the chain treats it exactly like a
// loaded library.
func NewStatic(name string, route RouteFunc, init InitFunc) *Plugin {
	return &Plugin{name: name, route: route, init: init}
}

// Name returns the module name the plugin loaded under.
func (p *Plugin) Name() string {
	return p.name
}

// Valid reports whether the required routing entry point resolved.
func (p *Plugin) Valid() bool {
	return p.route != nil
}

// Route asks the module to route the query. The second return is false
// when the module has no routing entry point.
func (p *Plugin) Route(q Query) (Route, bool) {
	if p.route == nil {
		return UnknownRoute(), false
	}
	return p.route(q), true
}

// Init runs the module's initialization, reporting whether one ran.
func (p *Plugin) Init() bool {
	if p.init == nil {
		return false
	}
	p.init()
	return true
}
