// Package pool multiplexes client sessions onto bounded pools of
// PostgreSQL server connections and arranges those pools into shards,
// replica sets, and clusters.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/etolbakov/pgdog/internal/backend"
	"github.com/etolbakov/pgdog/internal/proto"
)

// Stats is a point-in-time snapshot of a pool's occupancy.
type Stats struct {
	Addr     string `json:"addr"`
	Idle     int    `json:"idle"`
	InUse    int    `json:"in_use"`
	Total    int    `json:"total"`
	Waiting  int    `json:"waiting"`
	MaxConns int    `json:"max_connections"`
	MinConns int    `json:"min_connections"`

	Checkouts uint64 `json:"checkouts_total"`
	Timeouts  uint64 `json:"timeouts_total"`
	Discards  uint64 `json:"discards_total"`
}

// Hooks are optional callbacks the owner wires for observability.
// All fields may be nil.
type Hooks struct {
	// OnExhausted fires when a checkout has to wait for a connection.
	OnExhausted func(addr string)
	// OnCheckout fires when a checkout resolves, with the wait duration.
	OnCheckout func(addr string, d time.Duration, err error)
}

// idleConn is an idle session plus the time it went idle.
type idleConn struct {
	session *backend.Session
	since   time.Time
}

// waiter is a parked checkout. A healthy session may be handed over
// directly; nil wakes the waiter to retry (capacity freed or shutdown).
type waiter struct {
	ready chan *backend.Session
}

// Pool is a bounded reservoir of server connections for one address.
// All internal state lives behind a single mutex; no I/O happens while
// it is held.
type Pool struct {
	config Config
	hooks  Hooks

	mu         sync.Mutex
	idle       []idleConn
	waiters    []*waiter
	total      int
	inUse      int
	checkedOut map[proto.BackendKeyData]proto.BackendKeyData // client key -> server key
	shutdown   bool
	launched   bool

	checkouts uint64
	timeouts  uint64
	discards  uint64

	done     chan struct{}
	stopOnce sync.Once
}

// NewPool creates a pool for the given address and settings. Call Launch
// to pre-warm it and start maintenance.
func NewPool(config Config) *Pool {
	return &Pool{
		config:     config,
		checkedOut: make(map[proto.BackendKeyData]proto.BackendKeyData),
		done:       make(chan struct{}),
	}
}

// SetHooks wires observability callbacks. Call before Launch.
func (p *Pool) SetHooks(hooks Hooks) {
	p.hooks = hooks
}

// Addr returns the server address this pool connects to.
func (p *Pool) Addr() Address {
	return p.config.Address
}

// Mode returns the pooler mode the pool returns connections under.
func (p *Pool) Mode() PoolerMode {
	return p.config.Settings.PoolerMode
}

// InUse returns the number of connections currently checked out.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Get checks out a server connection. It prefers an idle one, dials a new
// one under the size limit, and otherwise waits in FIFO order bounded by
// the checkout timeout.
func (p *Pool) Get(ctx context.Context, req Request) (*Guard, error) {
	start := time.Now()
	guard, err := p.get(ctx, req, start)
	if p.hooks.OnCheckout != nil {
		p.hooks.OnCheckout(p.config.Address.String(), time.Since(start), err)
	}
	return guard, err
}

func (p *Pool) get(ctx context.Context, req Request, start time.Time) (*Guard, error) {
	deadline := start.Add(p.config.Settings.CheckoutTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	for {
		p.mu.Lock()

		if p.shutdown {
			p.mu.Unlock()
			return nil, ErrPoolShutdown
		}

		// Idle connections are handed out from the front of the queue.
		// Anything expired or errored is discarded and we try the next.
		for len(p.idle) > 0 {
			entry := p.idle[0]
			p.idle = p.idle[1:]

			idleTooLong := p.config.Settings.IdleTimeout > 0 &&
				time.Since(entry.since) > p.config.Settings.IdleTimeout
			if idleTooLong || p.stale(entry.session) {
				p.total--
				p.discards++
				entry.session.Close()
				continue
			}

			return p.lend(entry.session, req), nil
		}

		if p.total < p.config.Settings.MaxConns {
			p.total++
			p.mu.Unlock()

			session, err := backend.Connect(ctx, p.config.Address.String(), p.backendConfig())
			if err != nil {
				p.mu.Lock()
				p.total--
				p.wakeOne()
				p.mu.Unlock()
				return nil, fmt.Errorf("pool %s: %w", p.config.Address, err)
			}

			p.mu.Lock()
			if p.shutdown {
				p.total--
				p.mu.Unlock()
				session.Close()
				return nil, ErrPoolShutdown
			}
			return p.lend(session, req), nil
		}

		// At capacity: park in FIFO order until a return or a freed slot.
		w := &waiter{ready: make(chan *backend.Session, 1)}
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()

		if p.hooks.OnExhausted != nil {
			p.hooks.OnExhausted(p.config.Address.String())
		}

		timer := time.NewTimer(time.Until(deadline))
		select {
		case session := <-w.ready:
			timer.Stop()
			if session == nil {
				continue // a slot freed up, retry from the top
			}
			if session.Error() {
				p.mu.Lock()
				p.total--
				p.discards++
				p.wakeOne()
				p.mu.Unlock()
				session.Close()
				continue
			}
			p.mu.Lock()
			return p.lend(session, req), nil

		case <-timer.C:
			p.abandonWaiter(w)
			p.mu.Lock()
			p.timeouts++
			p.mu.Unlock()
			return nil, ErrPoolTimeout

		case <-ctx.Done():
			timer.Stop()
			p.abandonWaiter(w)
			return nil, ctx.Err()

		case <-p.done:
			timer.Stop()
			p.abandonWaiter(w)
			return nil, ErrPoolShutdown
		}
	}
}

// lend records the checkout and builds the guard. Called with mu held;
// releases it.
func (p *Pool) lend(session *backend.Session, req Request) *Guard {
	p.inUse++
	p.checkouts++
	p.checkedOut[req.Key] = session.ID()
	p.mu.Unlock()

	return &Guard{pool: p, session: session, key: req.Key}
}

// stale reports whether a session should be discarded instead of handed
// out again.
func (p *Pool) stale(session *backend.Session) bool {
	s := p.config.Settings
	if session.Error() {
		return true
	}
	if s.MaxLifetime > 0 && session.Age() > s.MaxLifetime {
		return true
	}
	return false
}

// wakeOne pops the first waiter and signals it to retry. Called with mu held.
func (p *Pool) wakeOne() {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	w.ready <- nil
}

// abandonWaiter removes w from the queue. If a session was already handed
// to it, the session goes back into circulation.
func (p *Pool) abandonWaiter(w *waiter) {
	p.mu.Lock()
	for i, other := range p.waiters {
		if other == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	select {
	case session := <-w.ready:
		if session != nil {
			p.requeue(session)
		}
	default:
	}
}

// put returns a healthy session to the pool after a checkout.
func (p *Pool) put(key proto.BackendKeyData, session *backend.Session) {
	p.mu.Lock()
	delete(p.checkedOut, key)
	p.inUse--
	p.mu.Unlock()
	p.requeue(session)
}

// requeue hands a session to the first waiter or parks it in the idle queue.
func (p *Pool) requeue(session *backend.Session) {
	p.mu.Lock()

	if p.shutdown || p.stale(session) {
		p.total--
		p.discards++
		p.wakeOne()
		p.mu.Unlock()
		session.Close()
		return
	}

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		// The channel is buffered and each waiter is popped exactly once,
		// so this never blocks. Sending under the lock keeps the handoff
		// atomic with the queue removal: a waiter that finds itself gone
		// from the queue knows its channel already holds the session.
		w.ready <- session
		p.mu.Unlock()
		return
	}

	p.idle = append(p.idle, idleConn{session: session, since: time.Now()})
	p.mu.Unlock()
}

// discard drops a session from a checkout without re-queueing it.
func (p *Pool) discard(key proto.BackendKeyData, session *backend.Session) {
	p.mu.Lock()
	delete(p.checkedOut, key)
	p.inUse--
	p.total--
	p.discards++
	p.wakeOne()
	p.mu.Unlock()
	session.Close()
}

// Cancel requests cancellation of whatever query the client identified by
// key is running on this pool. It opens one fresh connection and consumes
// no pooled session. Unknown keys are a no-op.
func (p *Pool) Cancel(key proto.BackendKeyData) error {
	p.mu.Lock()
	serverKey, ok := p.checkedOut[key]
	p.mu.Unlock()

	if !ok {
		return nil
	}
	return backend.Cancel(p.config.Address.String(), serverKey)
}

// Launch pre-warms the pool up to its minimum size and starts the idle
// reaper. Safe to call more than once.
func (p *Pool) Launch() {
	p.mu.Lock()
	if p.launched || p.shutdown {
		p.mu.Unlock()
		return
	}
	p.launched = true
	p.mu.Unlock()

	go p.reapLoop()
	if p.config.Settings.MinConns > 0 {
		go p.warmUp()
	}
}

// warmUp dials connections until the pool holds its minimum.
func (p *Pool) warmUp() {
	for {
		p.mu.Lock()
		if p.shutdown || p.total >= p.config.Settings.MinConns {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		session, err := backend.Connect(context.Background(), p.config.Address.String(), p.backendConfig())
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			slog.Warn("pool warm-up failed", "addr", p.config.Address.String(), "err", err)
			return
		}

		p.mu.Lock()
		if p.shutdown {
			p.total--
			p.mu.Unlock()
			session.Close()
			return
		}
		p.idle = append(p.idle, idleConn{session: session, since: time.Now()})
		p.mu.Unlock()
	}
}

// Shutdown drains the idle queue, fails all waiters, and refuses further
// checkouts. Connections still lent out are discarded on return.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true

	idle := p.idle
	p.idle = nil
	p.total -= len(idle)

	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	p.stopOnce.Do(func() { close(p.done) })

	for _, entry := range idle {
		entry.session.Close()
	}
	for _, w := range waiters {
		w.ready <- nil
	}

	slog.Info("pool shut down", "addr", p.config.Address.String())
}

// Duplicate returns a fresh, equivalent pool. Used when reloading
// configuration: build the new topology, swap, drop the old.
func (p *Pool) Duplicate() *Pool {
	np := NewPool(p.config)
	np.hooks = p.hooks
	return np
}

// Stats returns a snapshot of the pool's occupancy and counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Addr:      p.config.Address.String(),
		Idle:      len(p.idle),
		InUse:     p.inUse,
		Total:     p.total,
		Waiting:   len(p.waiters),
		MaxConns:  p.config.Settings.MaxConns,
		MinConns:  p.config.Settings.MinConns,
		Checkouts: p.checkouts,
		Timeouts:  p.timeouts,
		Discards:  p.discards,
	}
}

func (p *Pool) backendConfig() backend.Config {
	s := p.config.Settings
	return backend.Config{
		User:        s.User,
		Database:    s.Database,
		Password:    s.Password,
		TLS:         s.TLS,
		DialTimeout: s.DialTimeout,
	}
}

func (p *Pool) reapLoop() {
	interval := p.config.Settings.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.done:
			return
		}
	}
}

// reapIdle evicts idle connections past their idle timeout or lifetime,
// oldest first, keeping at least the configured minimum.
func (p *Pool) reapIdle() {
	s := p.config.Settings

	p.mu.Lock()
	if len(p.idle) <= s.MinConns {
		p.mu.Unlock()
		return
	}

	var evict []idleConn
	kept := make([]idleConn, 0, len(p.idle))
	excess := len(p.idle) - s.MinConns
	for i, entry := range p.idle {
		expired := (s.IdleTimeout > 0 && time.Since(entry.since) > s.IdleTimeout) ||
			(s.MaxLifetime > 0 && entry.session.Age() > s.MaxLifetime)
		if i < excess && expired {
			evict = append(evict, entry)
			p.total--
			p.discards++
		} else {
			kept = append(kept, entry)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	for _, entry := range evict {
		entry.session.Close()
	}
}
