package proto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// StartupMessage builds the startup frame carrying the user and database
// parameters. Startup-family frames have no code byte.
func StartupMessage(user, database string) []byte {
	var body []byte

	ver := make([]byte, 4)
	binary.BigEndian.PutUint32(ver, ProtocolVersion)
	body = append(body, ver...)

	body = append(body, "user"...)
	body = append(body, 0)
	body = append(body, user...)
	body = append(body, 0)

	body = append(body, "database"...)
	body = append(body, 0)
	body = append(body, database...)
	body = append(body, 0)

	body = append(body, 0)

	msg := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(msg[:4], uint32(4+len(body)))
	copy(msg[4:], body)
	return msg
}

// SSLRequest builds the frame that asks the server to upgrade to TLS.
func SSLRequest() []byte {
	msg := make([]byte, 8)
	binary.BigEndian.PutUint32(msg[:4], 8)
	binary.BigEndian.PutUint32(msg[4:], SSLRequestCode)
	return msg
}

// CancelRequest builds the frame that asks the server to cancel the query
// running on the backend identified by key.
func CancelRequest(key BackendKeyData) []byte {
	msg := make([]byte, 16)
	binary.BigEndian.PutUint32(msg[:4], 16)
	binary.BigEndian.PutUint32(msg[4:8], CancelRequestCode)
	binary.BigEndian.PutUint32(msg[8:12], uint32(key.PID))
	binary.BigEndian.PutUint32(msg[12:16], uint32(key.Secret))
	return msg
}

// StartupFrame is a decoded startup-family frame as read by a server.
type StartupFrame struct {
	Code    uint32 // ProtocolVersion, SSLRequestCode, or CancelRequestCode
	Payload []byte // bytes after the code
}

// ReadStartupFrame reads a startup-family frame (length + code + payload).
// Used by the fake servers in tests and by anything acting as the backend.
func ReadStartupFrame(r io.Reader) (StartupFrame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return StartupFrame{}, err
	}
	msgLen := int(binary.BigEndian.Uint32(lenBuf[:]))
	if msgLen < 8 || msgLen > 10000 {
		return StartupFrame{}, fmt.Errorf("invalid startup message length: %d", msgLen)
	}

	body := make([]byte, msgLen-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return StartupFrame{}, err
	}

	return StartupFrame{
		Code:    binary.BigEndian.Uint32(body[:4]),
		Payload: body[4:],
	}, nil
}

// Parameters decodes the null-terminated key/value pairs of a startup
// message payload.
func (f StartupFrame) Parameters() map[string]string {
	params := make(map[string]string)
	data := f.Payload
	for len(data) > 1 {
		keyEnd := 0
		for keyEnd < len(data) && data[keyEnd] != 0 {
			keyEnd++
		}
		if keyEnd >= len(data) {
			break
		}
		key := string(data[:keyEnd])
		data = data[keyEnd+1:]

		valEnd := 0
		for valEnd < len(data) && data[valEnd] != 0 {
			valEnd++
		}
		if valEnd > len(data) {
			break
		}
		params[key] = string(data[:valEnd])
		if valEnd >= len(data) {
			break
		}
		data = data[valEnd+1:]
	}
	return params
}

// CancelKey decodes the backend key of a CancelRequest frame.
func (f StartupFrame) CancelKey() (BackendKeyData, error) {
	if f.Code != CancelRequestCode || len(f.Payload) < 8 {
		return BackendKeyData{}, fmt.Errorf("not a cancel request")
	}
	return BackendKeyData{
		PID:    int32(binary.BigEndian.Uint32(f.Payload[:4])),
		Secret: int32(binary.BigEndian.Uint32(f.Payload[4:8])),
	}, nil
}
