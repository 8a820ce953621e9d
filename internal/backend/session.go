// Package backend manages server-side PostgreSQL connections: the startup
// handshake (including the TLS upgrade and authentication), transaction
// state tracking, and query cancellation.
package backend

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/etolbakov/pgdog/internal/proto"
)

// Config carries the credentials and TLS settings a session connects with.
type Config struct {
	User     string
	Database string
	Password string
	// TLS enables the upgrade when the server accepts the SSLRequest.
	// With a nil config, a server that accepts the SSLRequest fails the
	// connect; a server that declines it is used in plaintext.
	TLS *tls.Config
	// DialTimeout bounds the TCP connect. Zero means no bound beyond ctx.
	DialTimeout time.Duration
}

// Session is one connection to a PostgreSQL server. It is exclusively
// owned: the pool hands it out through a Guard and no two holders ever
// share it.
type Session struct {
	conn      net.Conn
	r         *bufio.Reader
	w         *bufio.Writer
	id        proto.BackendKeyData
	params    [][2]string
	state     State
	createdAt time.Time
}

// Connect opens a connection to addr, upgrades to TLS when offered and
// configured, authenticates, and reads the session parameters until the
// server reports ReadyForQuery.
func Connect(ctx context.Context, addr string, cfg Config) (*Session, error) {
	slog.Debug("connecting to server", "addr", addr)

	dialer := net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}

	conn, err = negotiateTLS(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}

	s := &Session{
		conn:      conn,
		r:         bufio.NewReader(conn),
		w:         bufio.NewWriter(conn),
		state:     StateIdle,
		createdAt: time.Now(),
	}

	if err := s.startup(cfg); err != nil {
		conn.Close()
		return nil, err
	}

	slog.Info("new server connection", "addr", addr, "pid", s.id.PID)
	return s, nil
}

// negotiateTLS sends the SSLRequest and upgrades the transport when the
// server answers affirmatively and TLS is configured.
func negotiateTLS(conn net.Conn, addr string, cfg Config) (net.Conn, error) {
	if _, err := conn.Write(proto.SSLRequest()); err != nil {
		return conn, fmt.Errorf("sending ssl request: %w", err)
	}

	var reply [1]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		return conn, fmt.Errorf("reading ssl reply: %w", err)
	}

	switch reply[0] {
	case 'S':
		if cfg.TLS == nil {
			// Server accepted but we have no TLS config: the stream is
			// now expecting a handshake, so this connection is unusable.
			return conn, fmt.Errorf("server requires tls but none configured")
		}
		tlsCfg := cfg.TLS.Clone()
		if tlsCfg.ServerName == "" {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				host = addr
			}
			tlsCfg.ServerName = host
		}
		tlsConn := tls.Client(conn, tlsCfg)
		if err := tlsConn.Handshake(); err != nil {
			return conn, fmt.Errorf("tls handshake with %s: %w", addr, err)
		}
		return tlsConn, nil
	case 'N':
		return conn, nil
	default:
		return conn, UnexpectedMessageError{Code: reply[0]}
	}
}

// startup sends the startup message, completes authentication, and
// collects parameter status and backend key data until ReadyForQuery.
func (s *Session) startup(cfg Config) error {
	if _, err := s.conn.Write(proto.StartupMessage(cfg.User, cfg.Database)); err != nil {
		return fmt.Errorf("sending startup message: %w", err)
	}

	// Authentication loop: react to challenges until AuthenticationOk.
auth:
	for {
		msg, err := proto.ReadMessage(s.r)
		if err != nil {
			return fmt.Errorf("reading auth message: %w", err)
		}

		switch msg.Code {
		case proto.MsgErrorResponse:
			return ConnectError{Response: proto.ParseErrorResponse(msg.Payload)}

		case proto.MsgAuthentication:
			authType, data, err := proto.ParseAuthentication(msg.Payload)
			if err != nil {
				return err
			}
			switch authType {
			case proto.AuthOk:
				break auth
			case proto.AuthCleartextPassword:
				if err := s.writePassword([]byte(cfg.Password)); err != nil {
					return err
				}
			case proto.AuthMD5Password:
				if len(data) < 4 {
					return fmt.Errorf("md5 auth message too short")
				}
				hashed := md5Password(cfg.User, cfg.Password, data[:4])
				if err := s.writePassword([]byte(hashed)); err != nil {
					return err
				}
			case proto.AuthSASL:
				if err := scramSHA256Auth(s.r, s.conn, cfg.User, cfg.Password, data); err != nil {
					return fmt.Errorf("scram-sha-256 auth: %w", err)
				}
			default:
				return fmt.Errorf("unsupported auth type: %d", authType)
			}

		default:
			return UnexpectedMessageError{Code: msg.Code}
		}
	}

	// Collect session parameters and key data until ReadyForQuery.
	var keyData *proto.BackendKeyData
	for {
		msg, err := proto.ReadMessage(s.r)
		if err != nil {
			return fmt.Errorf("reading startup message: %w", err)
		}

		switch msg.Code {
		case proto.MsgReadyForQuery:
			if keyData == nil {
				return ErrNoBackendKeyData
			}
			s.id = *keyData
			return nil

		case proto.MsgParameterStatus:
			name, value, err := proto.ParseParameterStatus(msg.Payload)
			if err != nil {
				return err
			}
			s.params = append(s.params, [2]string{name, value})

		case proto.MsgBackendKeyData:
			key, err := proto.ParseBackendKeyData(msg.Payload)
			if err != nil {
				return err
			}
			keyData = &key

		default:
			return UnexpectedMessageError{Code: msg.Code}
		}
	}
}

func (s *Session) writePassword(data []byte) error {
	payload := append(data, 0)
	if err := proto.WriteMessage(s.conn, proto.PasswordMessage(payload)); err != nil {
		return fmt.Errorf("sending password message: %w", err)
	}
	return nil
}

// Cancel opens a fresh connection to addr and issues a CancelRequest for
// the backend identified by key. It never touches a pooled session.
func Cancel(addr string, key proto.BackendKeyData) error {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connecting for cancel to %s: %w", addr, err)
	}
	defer conn.Close()

	if _, err := conn.Write(proto.CancelRequest(key)); err != nil {
		return fmt.Errorf("sending cancel request: %w", err)
	}
	return nil
}

// Send queues messages for delivery to the server in submission order.
func (s *Session) Send(messages []proto.Message) error {
	s.state = StateActive
	for _, m := range messages {
		if err := proto.WriteMessage(s.w, m); err != nil {
			s.state = StateError
			return err
		}
	}
	return nil
}

// Flush forces queued messages onto the wire. Completing Flush orders all
// previous sends before the next server read.
func (s *Session) Flush() error {
	if err := s.w.Flush(); err != nil {
		s.state = StateError
		return err
	}
	return nil
}

// Read returns the next server message, updating the transaction state
// when a ReadyForQuery goes by.
func (s *Session) Read() (proto.Message, error) {
	msg, err := proto.ReadMessage(s.r)
	if err != nil {
		s.state = StateError
		return proto.Message{}, err
	}

	if msg.Code == proto.MsgReadyForQuery {
		status, err := proto.ParseReadyForQuery(msg.Payload)
		if err != nil {
			s.state = StateError
			return proto.Message{}, err
		}
		switch status {
		case 'I':
			s.state = StateIdle
		case 'T':
			s.state = StateIdleInTransaction
		case 'E':
			s.state = StateTransactionError
		default:
			s.state = StateError
			return proto.Message{}, UnexpectedStatusError{Status: status}
		}
	}

	return msg, nil
}

// Execute runs a simple query and returns every message received up to
// and including the final ReadyForQuery.
func (s *Session) Execute(sql string) ([]proto.Message, error) {
	if !s.InSync() {
		return nil, ErrNotInSync
	}

	if err := s.Send([]proto.Message{proto.QueryMessage(sql)}); err != nil {
		return nil, err
	}
	if err := s.Flush(); err != nil {
		return nil, err
	}

	var messages []proto.Message
	for s.state == StateActive {
		msg, err := s.Read()
		if err != nil {
			return messages, err
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

// Rollback aborts the open transaction, if any. A failed rollback or a
// session left out of sync is marked errored and will be discarded.
func (s *Session) Rollback() {
	if s.InTransaction() {
		if _, err := s.Execute("ROLLBACK"); err != nil {
			s.state = StateError
		}
	}
	if !s.InSync() {
		s.state = StateError
	}
}

// Done reports whether the server finished the exchange and sits idle.
func (s *Session) Done() bool {
	return s.state == StateIdle
}

// InSync reports whether the session can accept more work.
func (s *Session) InSync() bool {
	switch s.state {
	case StateIdle, StateIdleInTransaction, StateTransactionError:
		return true
	default:
		return false
	}
}

// InTransaction reports whether the server is inside a transaction,
// failed or not.
func (s *Session) InTransaction() bool {
	return s.state == StateIdleInTransaction || s.state == StateTransactionError
}

// Error reports whether the connection permanently failed.
func (s *Session) Error() bool {
	return s.state == StateError
}

// State returns the current transaction state.
func (s *Session) State() State {
	return s.state
}

// Params returns the parameter status pairs reported during startup.
func (s *Session) Params() [][2]string {
	return s.params
}

// ID returns the backend key data identifying this server process.
func (s *Session) ID() proto.BackendKeyData {
	return s.id
}

// Age returns how long ago the connection was established.
func (s *Session) Age() time.Duration {
	return time.Since(s.createdAt)
}

// Close tears down the transport.
func (s *Session) Close() error {
	return s.conn.Close()
}
