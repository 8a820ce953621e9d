package pool

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/etolbakov/pgdog/internal/proto"
)

// Address is a backend server location. Immutable after creation.
type Address struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// String joins the address into host:port form.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, fmt.Sprintf("%d", a.Port))
}

// PoolerMode decides at which boundary a checked-out connection returns
// to its pool.
type PoolerMode int

const (
	// ModeSession returns the connection only when the client disconnects.
	ModeSession PoolerMode = iota
	// ModeTransaction returns the connection at each transaction boundary.
	ModeTransaction
	// ModeStatement returns the connection after each statement; a return
	// inside a transaction is rolled back and discarded.
	ModeStatement
)

func (m PoolerMode) String() string {
	switch m {
	case ModeSession:
		return "session"
	case ModeTransaction:
		return "transaction"
	case ModeStatement:
		return "statement"
	default:
		return "unknown"
	}
}

// ParsePoolerMode parses a pooler mode name. An empty string selects
// transaction mode.
func ParsePoolerMode(s string) (PoolerMode, error) {
	switch s {
	case "session":
		return ModeSession, nil
	case "transaction", "":
		return ModeTransaction, nil
	case "statement":
		return ModeStatement, nil
	default:
		return 0, fmt.Errorf("unknown pooler mode %q", s)
	}
}

// LoadBalancingStrategy selects which replica pool serves a read.
type LoadBalancingStrategy int

const (
	// RoundRobin rotates through the replicas in order.
	RoundRobin LoadBalancingStrategy = iota
	// Random picks a replica uniformly.
	Random
	// LeastConnections picks the replica with the fewest connections in
	// use, ties broken by lower index.
	LeastConnections
)

func (s LoadBalancingStrategy) String() string {
	switch s {
	case RoundRobin:
		return "round_robin"
	case Random:
		return "random"
	case LeastConnections:
		return "least_connections"
	default:
		return "unknown"
	}
}

// ParseLoadBalancingStrategy parses a strategy name. An empty string
// selects round robin.
func ParseLoadBalancingStrategy(s string) (LoadBalancingStrategy, error) {
	switch s {
	case "round_robin", "":
		return RoundRobin, nil
	case "random":
		return Random, nil
	case "least_connections":
		return LeastConnections, nil
	default:
		return 0, fmt.Errorf("unknown load balancing strategy %q", s)
	}
}

// Settings carries pool sizing, timing, credentials, and return policy.
type Settings struct {
	MaxConns            int
	MinConns            int
	IdleTimeout         time.Duration
	MaxLifetime         time.Duration
	CheckoutTimeout     time.Duration
	HealthCheckInterval time.Duration
	DialTimeout         time.Duration

	User     string
	Database string
	Password string
	TLS      *tls.Config

	PoolerMode PoolerMode
}

// DefaultSettings returns the pool settings used when the config doesn't
// override them.
func DefaultSettings() Settings {
	return Settings{
		MaxConns:            10,
		MinConns:            1,
		IdleTimeout:         5 * time.Minute,
		MaxLifetime:         30 * time.Minute,
		CheckoutTimeout:     5 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		DialTimeout:         5 * time.Second,
		PoolerMode:          ModeTransaction,
	}
}

// Config pairs an address with the settings its pool runs under.
// Cloning is cheap; pools built from the same Config are independent.
type Config struct {
	Address  Address
	Settings Settings
}

// Request identifies a checkout: the key is the client session asking,
// used to route cancellations to whichever server is serving it.
type Request struct {
	Key proto.BackendKeyData
}
