// Package pgtest runs scripted in-process PostgreSQL servers for tests.
// The servers speak just enough of the v3 protocol to exercise startup,
// authentication, simple queries, transactions, and cancellation.
package pgtest

import (
	"crypto/tls"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/etolbakov/pgdog/internal/proto"
)

// Option configures a Server.
type Option func(*Server)

// WithPassword makes the server demand cleartext password authentication.
func WithPassword(password string) Option {
	return func(s *Server) { s.password = password }
}

// WithTLS makes the server accept the SSLRequest and upgrade with cfg.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = cfg }
}

// WithQueryHandler overrides the built-in query emulation. The handler
// returns the full response, typically ending in a ReadyForQuery.
func WithQueryHandler(h func(sql string) []proto.Message) Option {
	return func(s *Server) { s.onQuery = h }
}

// Server is a fake PostgreSQL server bound to a loopback port.
type Server struct {
	ln        net.Listener
	password  string
	tlsConfig *tls.Config
	onQuery   func(sql string) []proto.Message

	mu       sync.Mutex
	sessions int
	cancels  []proto.BackendKeyData
	sleepers map[proto.BackendKeyData]chan struct{}
	conns    map[net.Conn]struct{}
	nextPID  int32
	closed   bool

	wg sync.WaitGroup
}

// NewServer starts a fake server on an ephemeral loopback port and
// registers its shutdown with t.
func NewServer(t *testing.T, opts ...Option) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("pgtest: listen: %v", err)
	}

	return newServer(t, ln, opts)
}

// TryNewServerAt binds a fake server to a specific address, reporting
// false when the address is not (yet) available.
func TryNewServerAt(t *testing.T, addr string, opts ...Option) (*Server, bool) {
	t.Helper()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, false
	}

	return newServer(t, ln, opts), true
}

func newServer(t *testing.T, ln net.Listener, opts []Option) *Server {
	s := &Server{
		ln:       ln,
		sleepers: make(map[proto.BackendKeyData]chan struct{}),
		conns:    make(map[net.Conn]struct{}),
		nextPID:  1000,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)

	return s
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Host returns the server's bind host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the server's bound port.
func (s *Server) Port() uint16 {
	_, port, _ := net.SplitHostPort(s.Addr())
	p, _ := strconv.Atoi(port)
	return uint16(p)
}

// Sessions returns how many full sessions (startup frames, not cancel
// connections) the server has accepted.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

// Cancels returns every backend key received via CancelRequest.
func (s *Server) Cancels() []proto.BackendKeyData {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]proto.BackendKeyData, len(s.cancels))
	copy(out, s.cancels)
	return out
}

// Close stops the listener and waits for in-flight connections.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, ch := range s.sleepers {
		close(ch)
	}
	s.sleepers = make(map[proto.BackendKeyData]chan struct{})
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.ln.Close()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				conn.Close()
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
			}()
			s.serve(conn)
		}()
	}
}

func (s *Server) serve(conn net.Conn) {
	frame, err := proto.ReadStartupFrame(conn)
	if err != nil {
		return
	}

	if frame.Code == proto.SSLRequestCode {
		if s.tlsConfig != nil {
			if _, err := conn.Write([]byte{'S'}); err != nil {
				return
			}
			tlsConn := tls.Server(conn, s.tlsConfig)
			if err := tlsConn.Handshake(); err != nil {
				return
			}
			conn = tlsConn
		} else {
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return
			}
		}
		if frame, err = proto.ReadStartupFrame(conn); err != nil {
			return
		}
	}

	if frame.Code == proto.CancelRequestCode {
		key, err := frame.CancelKey()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.cancels = append(s.cancels, key)
		if ch, ok := s.sleepers[key]; ok {
			close(ch)
			delete(s.sleepers, key)
		}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.sessions++
	s.nextPID++
	key := proto.BackendKeyData{PID: s.nextPID, Secret: 4242}
	s.mu.Unlock()

	if !s.authenticate(conn) {
		return
	}

	proto.WriteMessage(conn, proto.AuthenticationMessage(proto.AuthOk, nil))
	proto.WriteMessage(conn, proto.ParameterStatusMessage("server_version", "16.2"))
	proto.WriteMessage(conn, proto.ParameterStatusMessage("client_encoding", "UTF8"))
	proto.WriteMessage(conn, proto.BackendKeyDataMessage(key))
	proto.WriteMessage(conn, proto.ReadyForQueryMessage('I'))

	s.queryLoop(conn, key)
}

func (s *Server) authenticate(conn net.Conn) bool {
	if s.password == "" {
		return true
	}

	proto.WriteMessage(conn, proto.AuthenticationMessage(proto.AuthCleartextPassword, nil))
	msg, err := proto.ReadMessage(conn)
	if err != nil || msg.Code != proto.MsgPassword {
		return false
	}
	supplied := strings.TrimRight(string(msg.Payload), "\x00")
	if supplied != s.password {
		proto.WriteMessage(conn, proto.ErrorResponseMessage("FATAL", "28P01", "password authentication failed"))
		return false
	}
	return true
}

// queryLoop emulates simple-query transaction behavior: BEGIN opens a
// transaction, errors inside one poison it until ROLLBACK, a query
// containing "boom" raises an error, and pg_sleep blocks until canceled.
func (s *Server) queryLoop(conn net.Conn, key proto.BackendKeyData) {
	inTx := false
	txErr := false

	status := func() byte {
		switch {
		case txErr:
			return 'E'
		case inTx:
			return 'T'
		default:
			return 'I'
		}
	}

	for {
		msg, err := proto.ReadMessage(conn)
		if err != nil {
			return
		}

		switch msg.Code {
		case proto.MsgTerminate:
			return

		case proto.MsgQuery:
			sql := proto.ParseQuery(msg.Payload)

			if s.onQuery != nil {
				for _, m := range s.onQuery(sql) {
					if err := proto.WriteMessage(conn, m); err != nil {
						return
					}
				}
				continue
			}

			upper := strings.ToUpper(strings.TrimSpace(sql))
			switch {
			case txErr && upper != "ROLLBACK":
				proto.WriteMessage(conn, proto.ErrorResponseMessage("ERROR", "25P02", "current transaction is aborted"))
				proto.WriteMessage(conn, proto.ReadyForQueryMessage('E'))

			case strings.HasPrefix(upper, "BEGIN"):
				inTx = true
				proto.WriteMessage(conn, proto.CommandCompleteMessage("BEGIN"))
				proto.WriteMessage(conn, proto.ReadyForQueryMessage('T'))

			case upper == "ROLLBACK":
				inTx, txErr = false, false
				proto.WriteMessage(conn, proto.CommandCompleteMessage("ROLLBACK"))
				proto.WriteMessage(conn, proto.ReadyForQueryMessage('I'))

			case upper == "COMMIT":
				inTx, txErr = false, false
				proto.WriteMessage(conn, proto.CommandCompleteMessage("COMMIT"))
				proto.WriteMessage(conn, proto.ReadyForQueryMessage('I'))

			case strings.Contains(sql, "pg_sleep"):
				if s.waitForCancel(key) {
					proto.WriteMessage(conn, proto.ErrorResponseMessage("ERROR", "57014", "canceling statement due to user request"))
				} else {
					proto.WriteMessage(conn, proto.CommandCompleteMessage("SELECT 1"))
				}
				proto.WriteMessage(conn, proto.ReadyForQueryMessage(status()))

			case strings.Contains(sql, "boom"):
				if inTx {
					txErr = true
				}
				proto.WriteMessage(conn, proto.ErrorResponseMessage("ERROR", "42601", "syntax error"))
				proto.WriteMessage(conn, proto.ReadyForQueryMessage(status()))

			default:
				proto.WriteMessage(conn, proto.CommandCompleteMessage("SELECT 1"))
				proto.WriteMessage(conn, proto.ReadyForQueryMessage(status()))
			}

		default:
			// Ignore anything else a client might send.
		}
	}
}

// waitForCancel parks the session until a CancelRequest arrives for key
// or the server shuts down. Reports whether a cancel was received.
func (s *Server) waitForCancel(key proto.BackendKeyData) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	// A cancel may already have landed before the query reached us.
	for _, c := range s.cancels {
		if c == key {
			s.mu.Unlock()
			return true
		}
	}
	ch := make(chan struct{})
	s.sleepers[key] = ch
	s.mu.Unlock()

	<-ch

	s.mu.Lock()
	canceled := false
	for _, c := range s.cancels {
		if c == key {
			canceled = true
			break
		}
	}
	s.mu.Unlock()
	return canceled
}
