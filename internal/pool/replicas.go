package pool

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"

	"github.com/etolbakov/pgdog/internal/proto"
)

// Replicas is an ordered set of replica pools behind a load-balancing
// strategy. The structure is immutable after construction; only the
// round-robin cursor and the pools themselves mutate.
type Replicas struct {
	pools    []*Pool
	strategy LoadBalancingStrategy
	cursor   atomic.Uint64
}

// NewReplicas builds a replica set from the given pool configs.
func NewReplicas(configs []Config, strategy LoadBalancingStrategy) *Replicas {
	r := &Replicas{strategy: strategy}
	for _, cfg := range configs {
		r.pools = append(r.pools, NewPool(cfg))
	}
	return r
}

// IsEmpty reports whether the set has no replicas.
func (r *Replicas) IsEmpty() bool {
	return len(r.pools) == 0
}

// Pools returns the replica pools in order.
func (r *Replicas) Pools() []*Pool {
	return r.pools
}

// Get checks out a connection from a replica chosen by the strategy.
// With no replicas configured, the request falls back to the primary
// when one is given and fails with ErrNoDatabases otherwise. Under
// round-robin and random, a transient failure on the chosen replica is
// retried once on the next candidate; least-connections does not retry.
func (r *Replicas) Get(ctx context.Context, req Request, fallback *Pool) (*Guard, error) {
	if r.IsEmpty() {
		if fallback != nil {
			return fallback.Get(ctx, req)
		}
		return nil, ErrNoDatabases
	}

	idx := r.choose()
	guard, err := r.pools[idx].Get(ctx, req)
	if err == nil {
		return guard, nil
	}

	if len(r.pools) > 1 && transient(err) && r.strategy != LeastConnections {
		if guard, retryErr := r.pools[(idx+1)%len(r.pools)].Get(ctx, req); retryErr == nil {
			return guard, nil
		}
	}

	return nil, err
}

// choose picks a replica index per the configured strategy.
func (r *Replicas) choose() int {
	n := len(r.pools)
	switch r.strategy {
	case Random:
		return rand.Intn(n)
	case LeastConnections:
		best := 0
		bestInUse := r.pools[0].InUse()
		for i := 1; i < n; i++ {
			if inUse := r.pools[i].InUse(); inUse < bestInUse {
				best, bestInUse = i, inUse
			}
		}
		return best
	default: // RoundRobin
		return int((r.cursor.Add(1) - 1) % uint64(n))
	}
}

// transient reports whether a checkout error is worth one retry on a
// different replica. Timeouts and shutdowns are not: the next pool shares
// the same clock, and a closing set should fail fast.
func transient(err error) bool {
	return !errors.Is(err, ErrPoolTimeout) && !errors.Is(err, ErrPoolShutdown)
}

// Cancel forwards the cancellation to every replica. Any single success
// counts as success.
func (r *Replicas) Cancel(key proto.BackendKeyData) error {
	var firstErr error
	succeeded := len(r.pools) == 0
	for _, p := range r.pools {
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

// Duplicate returns an equivalent replica set with fresh pools.
func (r *Replicas) Duplicate() *Replicas {
	dup := &Replicas{strategy: r.strategy}
	for _, p := range r.pools {
		dup.pools = append(dup.pools, p.Duplicate())
	}
	return dup
}

// Launch brings every replica pool online.
func (r *Replicas) Launch() {
	for _, p := range r.pools {
		p.Launch()
	}
}

// Shutdown takes every replica pool offline.
func (r *Replicas) Shutdown() {
	for _, p := range r.pools {
		p.Shutdown()
	}
}
