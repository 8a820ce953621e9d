package pool

import (
	"context"
	"strings"

	"github.com/etolbakov/pgdog/internal/plugin"
	"github.com/etolbakov/pgdog/internal/proto"
)

// Cluster is an ordered set of shards serving one database name. Shard
// order is stable and is the index namespace routes refer to. The
// structure is immutable after construction; only pool state mutates.
type Cluster struct {
	name       string
	shards     []*Shard
	password   string
	poolerMode PoolerMode
}

// NewCluster builds a cluster of shards under the given database name.
// The name, password, and pooler mode are stamped into every pool's
// settings so pools can connect autonomously.
func NewCluster(name string, shards []ShardConfig, strategy LoadBalancingStrategy, password string, mode PoolerMode) *Cluster {
	c := &Cluster{
		name:       name,
		password:   password,
		poolerMode: mode,
	}
	for _, sc := range shards {
		stamped := ShardConfig{}
		if sc.Primary != nil {
			cfg := stamp(*sc.Primary, name, password, mode)
			stamped.Primary = &cfg
		}
		for _, rc := range sc.Replicas {
			stamped.Replicas = append(stamped.Replicas, stamp(rc, name, password, mode))
		}
		c.shards = append(c.shards, NewShard(stamped, strategy))
	}
	return c
}

func stamp(cfg Config, database, password string, mode PoolerMode) Config {
	if cfg.Settings.Database == "" {
		cfg.Settings.Database = database
	}
	if cfg.Settings.Password == "" {
		cfg.Settings.Password = password
	}
	cfg.Settings.PoolerMode = mode
	return cfg
}

// Name returns the database name the cluster serves.
func (c *Cluster) Name() string {
	return c.name
}

// Password returns the password users connect to the database with.
func (c *Cluster) Password() string {
	return c.password
}

// PoolerMode returns the connection-return policy for this cluster.
func (c *Cluster) PoolerMode() PoolerMode {
	return c.poolerMode
}

// Shards returns the cluster's shards in index order.
func (c *Cluster) Shards() []*Shard {
	return c.shards
}

// Primary checks out a connection to the primary of the given shard.
func (c *Cluster) Primary(ctx context.Context, shard int, key proto.BackendKeyData) (*Guard, error) {
	s, err := c.shard(shard)
	if err != nil {
		return nil, err
	}
	return s.Primary(ctx, Request{Key: key})
}

// Replica checks out a connection to a replica of the given shard.
func (c *Cluster) Replica(ctx context.Context, shard int, key proto.BackendKeyData) (*Guard, error) {
	s, err := c.shard(shard)
	if err != nil {
		return nil, err
	}
	return s.Replica(ctx, Request{Key: key})
}

func (c *Cluster) shard(idx int) (*Shard, error) {
	if idx < 0 || idx >= len(c.shards) {
		return nil, NoShardError{Shard: idx}
	}
	return c.shards[idx], nil
}

// Cancel broadcasts the cancellation to every shard. Every shard is
// attempted; the first error encountered is returned.
func (c *Cluster) Cancel(key proto.BackendKeyData) error {
	var firstErr error
	for _, s := range c.shards {
		if err := s.Cancel(key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Duplicate returns a logically identical cluster with fresh pools.
// Used for configuration reload: build the duplicate, swap it in, shut
// the old cluster down.
func (c *Cluster) Duplicate() *Cluster {
	dup := &Cluster{
		name:       c.name,
		password:   c.password,
		poolerMode: c.poolerMode,
	}
	for _, s := range c.shards {
		dup.shards = append(dup.shards, s.Duplicate())
	}
	return dup
}

// Launch brings every pool in the cluster online.
func (c *Cluster) Launch() {
	for _, s := range c.shards {
		s.Launch()
	}
}

// Shutdown takes every pool in the cluster offline.
func (c *Cluster) Shutdown() {
	for _, s := range c.shards {
		s.Shutdown()
	}
}

// EachPool visits every pool in the cluster with its shard index and role.
func (c *Cluster) EachPool(fn func(shard int, role plugin.Role, p *Pool)) {
	for i, s := range c.shards {
		if p := s.PrimaryPool(); p != nil {
			fn(i, plugin.RolePrimary, p)
		}
		for _, p := range s.ReplicaPools() {
			fn(i, plugin.RoleReplica, p)
		}
	}
}

// PluginConfig projects the cluster topology into the flat form handed
// to routing plugins. Hosts containing NUL bytes cannot cross the plugin
// boundary and are skipped; a name containing one fails the projection.
func (c *Cluster) PluginConfig() (plugin.Config, error) {
	if strings.ContainsRune(c.name, 0) {
		return plugin.Config{}, plugin.ErrNullBytes
	}

	cfg := plugin.Config{
		Name:   c.name,
		Shards: len(c.shards),
	}

	for i, s := range c.shards {
		if p := s.PrimaryPool(); p != nil {
			if db, ok := databaseConfig(p.Addr(), plugin.RolePrimary, i); ok {
				cfg.Databases = append(cfg.Databases, db)
			}
		}
		for _, p := range s.ReplicaPools() {
			if db, ok := databaseConfig(p.Addr(), plugin.RoleReplica, i); ok {
				cfg.Databases = append(cfg.Databases, db)
			}
		}
	}

	return cfg, nil
}

func databaseConfig(addr Address, role plugin.Role, shard int) (plugin.DatabaseConfig, bool) {
	if strings.ContainsRune(addr.Host, 0) {
		return plugin.DatabaseConfig{}, false
	}
	return plugin.DatabaseConfig{
		Host:  addr.Host,
		Port:  addr.Port,
		Role:  role,
		Shard: shard,
	}, true
}
