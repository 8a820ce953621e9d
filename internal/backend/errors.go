package backend

import (
	"errors"
	"fmt"

	"github.com/etolbakov/pgdog/internal/proto"
)

var (
	// ErrNotInSync is returned when work is issued on a session that is
	// mid-exchange. This is a caller bug, not a recoverable condition.
	ErrNotInSync = errors.New("server connection not in sync")

	// ErrNoBackendKeyData is returned when the server finished startup
	// without sending BackendKeyData.
	ErrNoBackendKeyData = errors.New("server sent no backend key data")
)

// ConnectError is returned when the server rejects startup or
// authentication with an ErrorResponse.
type ConnectError struct {
	Response proto.ErrorResponse
}

func (e ConnectError) Error() string {
	return fmt.Sprintf("server rejected connection: %s", e.Response.Error())
}

// UnexpectedMessageError is a protocol violation: the server sent a
// message code that is invalid at this point of the exchange.
type UnexpectedMessageError struct {
	Code byte
}

func (e UnexpectedMessageError) Error() string {
	return fmt.Sprintf("unexpected message: %q", e.Code)
}

// UnexpectedStatusError is a protocol violation: ReadyForQuery carried a
// transaction status byte outside {I, T, E}.
type UnexpectedStatusError struct {
	Status byte
}

func (e UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected transaction status: %q", e.Status)
}
