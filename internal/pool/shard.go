package pool

import (
	"context"

	"github.com/etolbakov/pgdog/internal/proto"
)

// ShardConfig describes one shard: an optional primary plus replicas.
// At least one of the two must be present for the shard to be routable.
type ShardConfig struct {
	Primary  *Config
	Replicas []Config
}

// Shard is a primary pool plus a replica set holding one horizontal
// partition of the data.
type Shard struct {
	primary  *Pool
	replicas *Replicas
}

// NewShard builds a shard from its config.
func NewShard(cfg ShardConfig, strategy LoadBalancingStrategy) *Shard {
	var primary *Pool
	if cfg.Primary != nil {
		primary = NewPool(*cfg.Primary)
	}
	return &Shard{
		primary:  primary,
		replicas: NewReplicas(cfg.Replicas, strategy),
	}
}

// Primary checks out a connection to the shard's primary.
func (s *Shard) Primary(ctx context.Context, req Request) (*Guard, error) {
	if s.primary == nil {
		return nil, ErrNoPrimary
	}
	return s.primary.Get(ctx, req)
}

// Replica checks out a connection to one of the shard's replicas,
// falling back to the primary when the replica set is empty.
func (s *Shard) Replica(ctx context.Context, req Request) (*Guard, error) {
	return s.replicas.Get(ctx, req, s.primary)
}

// Cancel attempts cancellation on the primary and every replica. Partial
// success is success; only when every attempt fails is an error returned.
func (s *Shard) Cancel(key proto.BackendKeyData) error {
	var firstErr error
	succeeded := false

	for _, p := range s.Pools() {
		if err := p.Cancel(key); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			succeeded = true
		}
	}

	if succeeded {
		return nil
	}
	return firstErr
}

// PrimaryPool returns the primary pool, or nil if the shard has none.
func (s *Shard) PrimaryPool() *Pool {
	return s.primary
}

// ReplicaPools returns the replica pools in order.
func (s *Shard) ReplicaPools() []*Pool {
	return s.replicas.Pools()
}

// Pools returns every pool in the shard, primary first.
func (s *Shard) Pools() []*Pool {
	var pools []*Pool
	if s.primary != nil {
		pools = append(pools, s.primary)
	}
	return append(pools, s.replicas.Pools()...)
}

// Duplicate returns an equivalent shard with fresh pools.
func (s *Shard) Duplicate() *Shard {
	dup := &Shard{replicas: s.replicas.Duplicate()}
	if s.primary != nil {
		dup.primary = s.primary.Duplicate()
	}
	return dup
}

// Launch brings every pool in the shard online.
func (s *Shard) Launch() {
	for _, p := range s.Pools() {
		p.Launch()
	}
}

// Shutdown takes every pool in the shard offline.
func (s *Shard) Shutdown() {
	for _, p := range s.Pools() {
		p.Shutdown()
	}
}
