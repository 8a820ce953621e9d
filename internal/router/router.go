// Package router maps client statements to a shard and role by walking
// the chain of loaded routing plugins.
package router

import (
	"errors"
	"log/slog"
	"time"

	"github.com/etolbakov/pgdog/internal/metrics"
	"github.com/etolbakov/pgdog/internal/plugin"
)

// ErrNoQueryInBuffer means the router was asked to route with no
// parseable statement at hand.
var ErrNoQueryInBuffer = errors.New("no query in buffer")

// Statement is the opaque parsed-statement handle produced by the parser
// collaborator. The router never looks inside beyond what this surface
// exposes.
type Statement interface {
	// Query returns the SQL text, reporting false when the buffer holds
	// no statement (e.g. a bare protocol fragment).
	Query() (string, bool)
	// Parameters returns the bound parameters, if any.
	Parameters() []plugin.Parameter
}

// Router decides the route for each statement of one client session. It
// is sticky: when no plugin can decide, the previous route stands, so
// protocol fragments that carry no routing signal (a Describe following
// a Parse) keep going to the right place.
type Router struct {
	registry *plugin.Registry
	metrics  *metrics.Collector
	route    plugin.Route
}

// New creates a router consulting the given plugin chain. The metrics
// collector may be nil.
func New(registry *plugin.Registry, m *metrics.Collector) *Router {
	return &Router{
		registry: registry,
		metrics:  m,
		route:    plugin.UnknownRoute(),
	}
}

// Query routes the next statement. Plugins are consulted in load order
// and the first decided route wins and becomes the sticky route. When
// every plugin declines, the previous route is returned unchanged.
func (r *Router) Query(stmt Statement) (plugin.Route, error) {
	if stmt == nil {
		return plugin.UnknownRoute(), ErrNoQueryInBuffer
	}
	text, ok := stmt.Query()
	if !ok {
		return plugin.UnknownRoute(), ErrNoQueryInBuffer
	}

	query, err := plugin.NewQuery(text, stmt.Parameters())
	if err != nil {
		return plugin.UnknownRoute(), err
	}

	start := time.Now()
	for _, p := range r.registry.Plugins() {
		route, ok := p.Route(query)
		if !ok || route.Unknown() {
			continue
		}

		r.route = route
		elapsed := time.Since(start)

		shard, _ := route.Shard()
		slog.Debug("routing query",
			"role", route.Role().String(),
			"shard", shard,
			"plugin", p.Name(),
			"elapsed", elapsed,
		)
		if r.metrics != nil {
			r.metrics.RoutingDecision(p.Name(), route.Role().String(), elapsed)
		}

		return route, nil
	}

	return r.route, nil
}

// Route returns the current sticky route.
func (r *Router) Route() plugin.Route {
	return r.route
}
