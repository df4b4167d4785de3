// Package ipc provides inter-process communication between the silentauth
// daemon and device clients.
//
// The protocol is designed for:
//   - Request/response pattern for commands
//   - A fixed 16-byte binary header followed by a JSON payload
//   - Schema validation of every inbound request payload
//   - Protocol versioning for compatibility
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"silentauth/internal/keypair"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x53415043 // "SAPC" - silentauth protocol
)

// MaxPayloadSize bounds a single message payload.
const MaxPayloadSize = 1 << 20

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005
	MsgAuthenticate MessageType = 0x0007
	MsgAuthResponse MessageType = 0x0008

	// Status messages (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101

	// Key registration (0x02xx)
	MsgRegisterKey     MessageType = 0x0200
	MsgRegisterKeyResp MessageType = 0x0201

	// Challenge operations (0x03xx)
	MsgRequestChallenge     MessageType = 0x0300
	MsgRequestChallengeResp MessageType = 0x0301
	MsgSubmitResponse       MessageType = 0x0302
	MsgSubmitResponseResp   MessageType = 0x0303
	MsgChallengeStatus      MessageType = 0x0304
	MsgChallengeStatusResp  MessageType = 0x0305
)

var messageNames = map[MessageType]string{
	MsgPing:                 "ping",
	MsgPong:                 "pong",
	MsgHandshake:            "handshake",
	MsgHandshakeAck:         "handshake_ack",
	MsgError:                "error",
	MsgAuthenticate:         "authenticate",
	MsgAuthResponse:         "auth_response",
	MsgStatusRequest:        "status",
	MsgStatusResponse:       "status_response",
	MsgRegisterKey:          "register_key",
	MsgRegisterKeyResp:      "register_key_response",
	MsgRequestChallenge:     "request_challenge",
	MsgRequestChallengeResp: "request_challenge_response",
	MsgSubmitResponse:       "submit_response",
	MsgSubmitResponseResp:   "submit_response_response",
	MsgChallengeStatus:      "challenge_status",
	MsgChallengeStatusResp:  "challenge_status_response",
}

func (t MessageType) String() string {
	if name, ok := messageNames[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%04x", uint16(t))
}

// PermissionLevel defines client access levels
type PermissionLevel uint8

const (
	PermReadOnly  PermissionLevel = 0x01
	PermReadWrite PermissionLevel = 0x02
)

func (p PermissionLevel) String() string {
	switch p {
	case 0:
		return "none"
	case PermReadOnly:
		return "read-only"
	case PermReadWrite:
		return "read-write"
	}
	return fmt.Sprintf("0x%02x", uint8(p))
}

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// Header flags
const (
	FlagJSON uint8 = 0x04
)

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to a writer
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}

	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}

	return h, nil
}

// Write writes the message to a writer in a single call.
func (m *Message) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize, HeaderSize+len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], m.Header.Magic)
	buf[4] = m.Header.Version
	buf[5] = m.Header.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(m.Header.Type))
	binary.BigEndian.PutUint32(buf[8:12], m.Header.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(m.Payload)))
	buf = append(buf, m.Payload...)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayloadSize {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Request/Response payloads

// HandshakeRequest is sent by the client to initiate connection
type HandshakeRequest struct {
	ClientVersion   string `json:"client_version"`
	ClientName      string `json:"client_name"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse is sent by the server to acknowledge connection
type HandshakeResponse struct {
	ServerVersion   string          `json:"server_version"`
	ProtocolVersion uint8           `json:"protocol_version"`
	SessionID       string          `json:"session_id"`
	Permission      PermissionLevel `json:"permission"`
}

// AuthRequest is sent to authenticate a client
type AuthRequest struct {
	Method string `json:"method"` // "peercred" or "none"
	PID    int    `json:"pid,omitempty"`
}

// AuthResponse acknowledges authentication
type AuthResponse struct {
	Success    bool            `json:"success"`
	Permission PermissionLevel `json:"permission"`
	Error      string          `json:"error,omitempty"`
}

// ErrorResponse is sent when an operation fails
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error codes
const (
	ErrUnknown          = 1
	ErrInvalidRequest   = 2
	ErrNotFound         = 3
	ErrPermissionDenied = 4
	ErrInternalError    = 5
	ErrUnknownIdentity  = 6
	ErrRateLimited      = 7
	ErrInvalidKey       = 8
)

// StatusRequest requests daemon status
type StatusRequest struct {
	IncludeMetrics bool `json:"include_metrics,omitempty"`
}

// StatusResponse contains daemon status
type StatusResponse struct {
	Version      string             `json:"version"`
	Uptime       time.Duration      `json:"uptime"`
	StartedAt    time.Time          `json:"started_at"`
	Storage      string             `json:"storage"`
	Keys         int64              `json:"keys"`
	Pending      int64              `json:"pending"`
	ChallengeTTL time.Duration      `json:"challenge_ttl"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
}

// RegisterKeyRequest binds a device public key to an identity.
type RegisterKeyRequest struct {
	Identity  string                `json:"identity"`
	PublicKey keypair.PublicKeyJSON `json:"public_key"`
}

// RegisterKeyResponse acknowledges a registration.
type RegisterKeyResponse struct {
	Identity    string `json:"identity"`
	Fingerprint string `json:"fingerprint"`
}

// RequestChallengeRequest asks for a new challenge for an identity.
type RequestChallengeRequest struct {
	Identity string `json:"identity"`
}

// RequestChallengeResponse carries the encrypted challenge.
type RequestChallengeResponse struct {
	ChallengeID string    `json:"challenge_id"`
	Ciphertext  []byte    `json:"ciphertext"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// SubmitResponseRequest carries the device's decrypted message.
type SubmitResponseRequest struct {
	ChallengeID string `json:"challenge_id"`
	Response    []byte `json:"response"`
}

// SubmitResponseResponse reports the verification outcome. Reason is one
// of "not_found", "expired", "already_final" or "mismatch" when Verified is
// false.
type SubmitResponseResponse struct {
	Verified bool   `json:"verified"`
	Reason   string `json:"reason,omitempty"`
}

// ChallengeStatusRequest queries a challenge.
type ChallengeStatusRequest struct {
	ChallengeID string `json:"challenge_id"`
}

// ChallengeStatusResponse reports a challenge's status.
type ChallengeStatusResponse struct {
	ChallengeID string    `json:"challenge_id"`
	Status      string    `json:"status"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Encode encodes a payload to JSON bytes
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
