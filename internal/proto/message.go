// Package proto implements PostgreSQL wire protocol (v3) message framing
// and the handful of typed messages the pooler needs to speak with backend
// servers.
package proto

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// PostgreSQL protocol version 3.0
	ProtocolVersion = 3<<16 | 0

	// Special startup-frame request codes.
	SSLRequestCode    = 80877103
	CancelRequestCode = 80877102

	// Backend message codes.
	MsgAuthentication  byte = 'R'
	MsgErrorResponse   byte = 'E'
	MsgReadyForQuery   byte = 'Z'
	MsgParameterStatus byte = 'S'
	MsgBackendKeyData  byte = 'K'
	MsgRowDescription  byte = 'T'
	MsgDataRow         byte = 'D'
	MsgCommandComplete byte = 'C'

	// Frontend message codes.
	MsgQuery     byte = 'Q'
	MsgPassword  byte = 'p'
	MsgTerminate byte = 'X'

	// Reject anything claiming a payload larger than this.
	maxPayload = 1 << 24
)

// Message is a single typed protocol message: one code byte followed by a
// length-prefixed payload.
type Message struct {
	Code    byte
	Payload []byte
}

// ReadMessage reads one typed message (code + length + payload) from r.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}

	payloadLen := int(binary.BigEndian.Uint32(hdr[1:5])) - 4
	if payloadLen < 0 || payloadLen > maxPayload {
		return Message{}, fmt.Errorf("invalid message length: %d", payloadLen)
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, err
		}
	}

	return Message{Code: hdr[0], Payload: payload}, nil
}

// WriteMessage writes one typed message to w.
func WriteMessage(w io.Writer, m Message) error {
	buf := make([]byte, 1+4+len(m.Payload))
	buf[0] = m.Code
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(m.Payload)+4))
	copy(buf[5:], m.Payload)
	_, err := w.Write(buf)
	return err
}

// Encode returns the wire representation of the message.
func (m Message) Encode() []byte {
	buf := make([]byte, 1+4+len(m.Payload))
	buf[0] = m.Code
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(m.Payload)+4))
	copy(buf[5:], m.Payload)
	return buf
}
