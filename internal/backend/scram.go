package backend

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/etolbakov/pgdog/internal/proto"
)

// scramSHA256Auth performs the SASL SCRAM-SHA-256 authentication exchange
// with a PostgreSQL backend. It handles:
//   - AuthenticationSASL (type 10) — mechanism selection
//   - AuthenticationSASLContinue (type 11) — server challenge
//   - AuthenticationSASLFinal (type 12) — server signature verification
//
// saslData is the mechanism list from the AuthenticationSASL message that
// triggered the exchange.
func scramSHA256Auth(r io.Reader, w io.Writer, user, password string, saslData []byte) error {
	mechanisms := parseSASLMechanisms(saslData)
	if !containsMechanism(mechanisms, "SCRAM-SHA-256") {
		return fmt.Errorf("server does not support SCRAM-SHA-256, offered: %v", mechanisms)
	}

	// Generate client nonce
	nonceBytes := make([]byte, 18)
	if _, err := rand.Read(nonceBytes); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	clientNonce := base64.StdEncoding.EncodeToString(nonceBytes)

	// Build client-first-message
	// gs2-header = "n,,"  (no channel binding, no authzid)
	// client-first-message-bare = "n=<user>,r=<nonce>"
	gs2Header := "n,,"
	clientFirstBare := fmt.Sprintf("n=%s,r=%s", saslEscapeUsername(user), clientNonce)
	clientFirstMsg := gs2Header + clientFirstBare

	if err := sendSASLInitialResponse(w, "SCRAM-SHA-256", []byte(clientFirstMsg)); err != nil {
		return fmt.Errorf("sending SASL initial response: %w", err)
	}

	// Read AuthenticationSASLContinue (type 11)
	serverFirstMsg, err := readAuthMessage(r, proto.AuthSASLContinue)
	if err != nil {
		return fmt.Errorf("reading server-first-message: %w", err)
	}

	// Parse server-first-message: r=<nonce>,s=<salt>,i=<iterations>
	serverNonce, salt, iterations, err := parseServerFirst(string(serverFirstMsg))
	if err != nil {
		return fmt.Errorf("parsing server-first-message: %w", err)
	}

	if !strings.HasPrefix(serverNonce, clientNonce) {
		return fmt.Errorf("server nonce does not start with client nonce")
	}

	// Compute SCRAM proof
	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)

	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	// channel-binding = "c=" + base64(gs2Header)
	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, serverNonce)

	// AuthMessage = client-first-message-bare + "," + server-first-message + "," + client-final-without-proof
	authMessage := clientFirstBare + "," + string(serverFirstMsg) + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	clientFinalMsg := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)

	if err := proto.WriteMessage(w, proto.PasswordMessage([]byte(clientFinalMsg))); err != nil {
		return fmt.Errorf("sending SASL response: %w", err)
	}

	// Read AuthenticationSASLFinal (type 12)
	serverFinalMsg, err := readAuthMessage(r, proto.AuthSASLFinal)
	if err != nil {
		return fmt.Errorf("reading server-final-message: %w", err)
	}

	// Verify server signature
	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	expectedServerSig := hmacSHA256(serverKey, []byte(authMessage))
	expectedServerFinal := "v=" + base64.StdEncoding.EncodeToString(expectedServerSig)

	if string(serverFinalMsg) != expectedServerFinal {
		return fmt.Errorf("server signature mismatch")
	}

	return nil
}

// parseSASLMechanisms parses a null-terminated list of SASL mechanism names.
func parseSASLMechanisms(data []byte) []string {
	var mechs []string
	for len(data) > 0 {
		idx := 0
		for idx < len(data) && data[idx] != 0 {
			idx++
		}
		if idx > 0 {
			mechs = append(mechs, string(data[:idx]))
		}
		if idx >= len(data) {
			break
		}
		data = data[idx+1:]
	}
	return mechs
}

func containsMechanism(mechs []string, target string) bool {
	for _, m := range mechs {
		if m == target {
			return true
		}
	}
	return false
}

// parseServerFirst parses "r=<nonce>,s=<salt>,i=<iterations>" from the server.
func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	parts := strings.Split(msg, ",")
	for _, part := range parts {
		if strings.HasPrefix(part, "r=") {
			nonce = part[2:]
		} else if strings.HasPrefix(part, "s=") {
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("decoding salt: %w", err)
			}
		} else if strings.HasPrefix(part, "i=") {
			fmt.Sscanf(part[2:], "%d", &iterations)
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("incomplete server-first-message: %q", msg)
	}
	return nonce, salt, iterations, nil
}

// saslEscapeUsername replaces "=" with "=3D" and "," with "=2C" per RFC 5802.
func saslEscapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
}

// sendSASLInitialResponse sends a password message ('p') containing the
// SASL mechanism name and client-first-message.
func sendSASLInitialResponse(w io.Writer, mechanism string, clientFirstMsg []byte) error {
	// Format: mechanism\0 + int32(len(clientFirstMsg)) + clientFirstMsg
	var payload []byte
	payload = append(payload, mechanism...)
	payload = append(payload, 0)

	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(clientFirstMsg)))
	payload = append(payload, lenBuf...)
	payload = append(payload, clientFirstMsg...)

	return proto.WriteMessage(w, proto.PasswordMessage(payload))
}

// readAuthMessage reads an Authentication message and verifies its subtype.
// Returns the payload after the 4-byte auth type field.
func readAuthMessage(r io.Reader, expectedAuthType uint32) ([]byte, error) {
	msg, err := proto.ReadMessage(r)
	if err != nil {
		return nil, err
	}

	if msg.Code == proto.MsgErrorResponse {
		return nil, ConnectError{Response: proto.ParseErrorResponse(msg.Payload)}
	}
	if msg.Code != proto.MsgAuthentication {
		return nil, UnexpectedMessageError{Code: msg.Code}
	}

	authType, data, err := proto.ParseAuthentication(msg.Payload)
	if err != nil {
		return nil, err
	}
	if authType != expectedAuthType {
		return nil, fmt.Errorf("expected auth type %d, got %d", expectedAuthType, authType)
	}

	return data, nil
}

// md5Password computes the PostgreSQL MD5 password hash.
// Formula: "md5" + md5(md5(password + user) + salt)
func md5Password(user, password string, salt []byte) string {
	h1 := md5.Sum([]byte(password + user))
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt...))
	return "md5" + hex.EncodeToString(h2[:])
}

// hmacSHA256 computes HMAC-SHA-256.
func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// sha256Sum computes SHA-256.
func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// xorBytes XORs two byte slices of equal length.
func xorBytes(a, b []byte) []byte {
	result := make([]byte, len(a))
	for i := range a {
		result[i] = a[i] ^ b[i]
	}
	return result
}
