package backend

// State tracks where a server connection is in its exchange with the
// backend. It is derived from ReadyForQuery status bytes and I/O outcomes.
type State int

const (
	// StateIdle means the server is outside a transaction and ready.
	StateIdle State = iota
	// StateIdleInTransaction means the server is inside an open transaction.
	StateIdleInTransaction
	// StateTransactionError means the current transaction has failed and
	// must be rolled back.
	StateTransactionError
	// StateActive means a request is in flight and the server has not
	// reported ReadyForQuery yet.
	StateActive
	// StateError means the connection failed and must be discarded.
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateIdleInTransaction:
		return "idle_in_transaction"
	case StateTransactionError:
		return "transaction_error"
	case StateActive:
		return "active"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
