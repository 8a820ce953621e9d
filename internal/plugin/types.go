// Package plugin loads routing decision modules and defines the types
// that cross the plugin boundary.
package plugin

import (
	"errors"
	"strings"
)

// ErrNullBytes is returned when a string containing NUL bytes would have
// to cross the plugin boundary.
var ErrNullBytes = errors.New("string contains null bytes")

// Parameter is a bound statement parameter handed to plugins. The format
// follows the wire protocol: 0 = text, 1 = binary.
type Parameter struct {
	Format int16
	Data   []byte
}

// Query is the statement handed to routing plugins: the SQL text plus
// any bound parameters. Plugins must not retain it beyond the call.
type Query struct {
	Text       string
	Parameters []Parameter
}

// NewQuery wraps statement text for the plugin boundary. Text containing
// NUL bytes cannot cross it.
func NewQuery(text string, params []Parameter) (Query, error) {
	if strings.ContainsRune(text, 0) {
		return Query{}, ErrNullBytes
	}
	return Query{Text: text, Parameters: params}, nil
}

// Role distinguishes primaries from replicas in the topology handed to
// plugins.
type Role int

const (
	RolePrimary Role = iota
	RoleReplica
)

func (r Role) String() string {
	if r == RolePrimary {
		return "primary"
	}
	return "replica"
}

// DatabaseConfig is one pool entry of the topology handed to plugins.
type DatabaseConfig struct {
	Host  string
	Port  uint16
	Role  Role
	Shard int
}

// Config is the flat cluster topology handed to plugins.
type Config struct {
	Name      string
	Databases []DatabaseConfig
	Shards    int
}

// RouteRole is the read/write decision carried by a Route.
type RouteRole uint8

const (
	RoleRead RouteRole = iota
	RoleWrite
	RoleUnknown
)

func (r RouteRole) String() string {
	switch r {
	case RoleRead:
		return "read"
	case RoleWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Route is a plugin's verdict for a statement: which shard should serve
// it and whether it reads or writes. A negative shard means the plugin
// left the shard undecided.
type Route struct {
	shard int
	role  RouteRole
}

// UnknownRoute is the route of a plugin that declines to decide.
func UnknownRoute() Route {
	return Route{shard: -1, role: RoleUnknown}
}

// ReadRoute routes a read to the given shard.
func ReadRoute(shard int) Route {
	return Route{shard: shard, role: RoleRead}
}

// WriteRoute routes a write to the given shard.
func WriteRoute(shard int) Route {
	return Route{shard: shard, role: RoleWrite}
}

// Shard returns the decided shard index, if any.
func (r Route) Shard() (int, bool) {
	if r.shard < 0 {
		return 0, false
	}
	return r.shard, true
}

// Read reports whether the route targets a replica.
func (r Route) Read() bool {
	return r.role == RoleRead
}

// Write reports whether the route targets the primary.
func (r Route) Write() bool {
	return r.role == RoleWrite
}

// Role returns the route's read/write decision.
func (r Route) Role() RouteRole {
	return r.role
}

// Unknown reports whether the plugin declined to route.
func (r Route) Unknown() bool {
	return r.role == RoleUnknown
}
