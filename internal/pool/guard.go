package pool

import (
	"github.com/etolbakov/pgdog/internal/backend"
	"github.com/etolbakov/pgdog/internal/proto"
)

// Guard is a scoped, exclusive checkout of a server connection. Exactly
// one Guard exists per checked-out session. Release returns the session
// to its pool when it is healthy and discards it otherwise; it is
// idempotent.
type Guard struct {
	pool     *Pool
	session  *backend.Session
	key      proto.BackendKeyData
	released bool
}

// Session returns the server connection this guard owns.
func (g *Guard) Session() *backend.Session {
	return g.session
}

// Addr returns the address of the pool the guard came from.
func (g *Guard) Addr() Address {
	return g.pool.Addr()
}

// Release returns the session to its pool under the pool's return
// discipline:
//
//   - errored or mid-exchange sessions are discarded;
//   - sessions inside a transaction are rolled back first, and in
//     statement mode discarded even when the rollback succeeds;
//   - everything else goes back on the idle queue.
func (g *Guard) Release() {
	if g.released {
		return
	}
	g.released = true

	s := g.session

	if s.Error() || !s.InSync() {
		g.pool.discard(g.key, s)
		return
	}

	if s.InTransaction() {
		s.Rollback()
		if s.Error() || g.pool.Mode() == ModeStatement {
			g.pool.discard(g.key, s)
			return
		}
	}

	g.pool.put(g.key, s)
}
