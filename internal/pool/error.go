package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrNoPrimary means the shard was asked for a primary it doesn't have.
	ErrNoPrimary = errors.New("shard has no primary")

	// ErrNoDatabases means the shard has neither replicas nor a primary
	// that could serve the request.
	ErrNoDatabases = errors.New("no databases available")

	// ErrPoolTimeout means the checkout wait exceeded the configured bound.
	ErrPoolTimeout = errors.New("pool checkout timeout")

	// ErrPoolShutdown means the pool refused the checkout because it is
	// shutting down.
	ErrPoolShutdown = errors.New("pool is shut down")
)

// NoShardError reports a shard index outside the cluster's shard range.
type NoShardError struct {
	Shard int
}

func (e NoShardError) Error() string {
	return fmt.Sprintf("no shard with index %d", e.Shard)
}
