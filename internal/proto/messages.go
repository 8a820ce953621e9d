package proto

import (
	"encoding/binary"
	"fmt"
)

// BackendKeyData identifies a backend process for query cancellation.
type BackendKeyData struct {
	PID    int32 `json:"pid"`
	Secret int32 `json:"secret"`
}

// ParseBackendKeyData decodes a BackendKeyData ('K') payload.
func ParseBackendKeyData(payload []byte) (BackendKeyData, error) {
	if len(payload) < 8 {
		return BackendKeyData{}, fmt.Errorf("backend key data too short: %d bytes", len(payload))
	}
	return BackendKeyData{
		PID:    int32(binary.BigEndian.Uint32(payload[:4])),
		Secret: int32(binary.BigEndian.Uint32(payload[4:8])),
	}, nil
}

// BackendKeyDataMessage encodes a BackendKeyData message.
func BackendKeyDataMessage(key BackendKeyData) Message {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint32(payload[:4], uint32(key.PID))
	binary.BigEndian.PutUint32(payload[4:8], uint32(key.Secret))
	return Message{Code: MsgBackendKeyData, Payload: payload}
}

// ParseReadyForQuery decodes the transaction status byte of a
// ReadyForQuery ('Z') payload.
func ParseReadyForQuery(payload []byte) (byte, error) {
	if len(payload) < 1 {
		return 0, fmt.Errorf("empty ready-for-query payload")
	}
	return payload[0], nil
}

// ReadyForQueryMessage encodes a ReadyForQuery message with the given
// transaction status byte.
func ReadyForQueryMessage(status byte) Message {
	return Message{Code: MsgReadyForQuery, Payload: []byte{status}}
}

// ParseParameterStatus decodes a ParameterStatus ('S') payload.
func ParseParameterStatus(payload []byte) (name, value string, err error) {
	for i := 0; i < len(payload); i++ {
		if payload[i] == 0 {
			name = string(payload[:i])
			rest := payload[i+1:]
			for j := 0; j < len(rest); j++ {
				if rest[j] == 0 {
					return name, string(rest[:j]), nil
				}
			}
			return name, string(rest), nil
		}
	}
	return "", "", fmt.Errorf("malformed parameter status")
}

// ParameterStatusMessage encodes a ParameterStatus message.
func ParameterStatusMessage(name, value string) Message {
	payload := append([]byte(name), 0)
	payload = append(payload, value...)
	payload = append(payload, 0)
	return Message{Code: MsgParameterStatus, Payload: payload}
}

// ErrorResponse is the decoded form of an ErrorResponse ('E') message.
type ErrorResponse struct {
	Severity string `json:"severity"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

func (e ErrorResponse) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Severity, e.Message, e.Code)
}

// ParseErrorResponse decodes the field list of an ErrorResponse payload.
func ParseErrorResponse(payload []byte) ErrorResponse {
	var resp ErrorResponse
	for i := 0; i < len(payload); {
		fieldType := payload[i]
		if fieldType == 0 {
			break
		}
		i++
		end := i
		for end < len(payload) && payload[end] != 0 {
			end++
		}
		switch fieldType {
		case 'S':
			resp.Severity = string(payload[i:end])
		case 'C':
			resp.Code = string(payload[i:end])
		case 'M':
			resp.Message = string(payload[i:end])
		}
		i = end + 1
	}
	return resp
}

// ErrorResponseMessage encodes an ErrorResponse message.
func ErrorResponseMessage(severity, code, message string) Message {
	var payload []byte
	payload = append(payload, 'S')
	payload = append(payload, severity...)
	payload = append(payload, 0)
	payload = append(payload, 'C')
	payload = append(payload, code...)
	payload = append(payload, 0)
	payload = append(payload, 'M')
	payload = append(payload, message...)
	payload = append(payload, 0)
	payload = append(payload, 0)
	return Message{Code: MsgErrorResponse, Payload: payload}
}

// Authentication subtypes.
const (
	AuthOk                = 0
	AuthCleartextPassword = 3
	AuthMD5Password       = 5
	AuthSASL              = 10
	AuthSASLContinue      = 11
	AuthSASLFinal         = 12
)

// ParseAuthentication decodes an Authentication ('R') payload into its
// subtype and any trailing mechanism data.
func ParseAuthentication(payload []byte) (authType uint32, data []byte, err error) {
	if len(payload) < 4 {
		return 0, nil, fmt.Errorf("authentication message too short")
	}
	return binary.BigEndian.Uint32(payload[:4]), payload[4:], nil
}

// AuthenticationMessage encodes an Authentication message with the given
// subtype and trailing data.
func AuthenticationMessage(authType uint32, data []byte) Message {
	payload := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(payload[:4], authType)
	copy(payload[4:], data)
	return Message{Code: MsgAuthentication, Payload: payload}
}

// QueryMessage encodes a simple Query ('Q') message.
func QueryMessage(sql string) Message {
	return Message{Code: MsgQuery, Payload: append([]byte(sql), 0)}
}

// ParseQuery decodes the SQL text of a Query payload.
func ParseQuery(payload []byte) string {
	if n := len(payload); n > 0 && payload[n-1] == 0 {
		payload = payload[:n-1]
	}
	return string(payload)
}

// PasswordMessage encodes a password-family ('p') message.
func PasswordMessage(data []byte) Message {
	return Message{Code: MsgPassword, Payload: data}
}

// CommandCompleteMessage encodes a CommandComplete message with the given tag.
func CommandCompleteMessage(tag string) Message {
	return Message{Code: MsgCommandComplete, Payload: append([]byte(tag), 0)}
}
