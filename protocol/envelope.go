package protocol

import (
	"encoding/json"
	"errors"
)

// MessageType identifies the kind of payload carried by an Envelope.
type MessageType string

const (
	TypeHandshake         MessageType = "HANDSHAKE"
	TypeHandshakeResponse MessageType = "HANDSHAKE_RESPONSE"
	TypeKeyExchange       MessageType = "KEY_EXCHANGE"
	TypeEncryptedMessage  MessageType = "ENCRYPTED_MESSAGE"
	TypeUserList          MessageType = "USER_LIST"
	TypeHeartbeat         MessageType = "HEARTBEAT"
	TypeFileTransfer      MessageType = "FILE_TRANSFER"
	TypeError             MessageType = "ERROR"
	TypeDisconnect        MessageType = "DISCONNECT"
)

// Known reports whether t is a message type this protocol version understands.
// Unknown types are rejected with UNSUPPORTED rather than closing the
// connection, so newer clients can probe gracefully.
func (t MessageType) Known() bool {
	switch t {
	case TypeHandshake, TypeHandshakeResponse, TypeKeyExchange, TypeEncryptedMessage,
		TypeUserList, TypeHeartbeat, TypeFileTransfer, TypeError, TypeDisconnect:
		return true
	}
	return false
}

// MaxFrameBytes is the maximum size of a single line frame, terminator included.
const MaxFrameBytes = 8192

var (
	ErrEnvelopeTooLarge   = errors.New("envelope too large")
	ErrEnvelopeInvalid    = errors.New("envelope invalid json")
	ErrEnvelopeNoType     = errors.New("envelope missing type")
	ErrEnvelopeNoSender   = errors.New("envelope missing senderId")
	ErrUnknownMessageType = errors.New("unknown message type")
)

// Envelope is the outer JSON object framed by a newline. The data field holds
// the inner payload as a stringified JSON document.
type Envelope struct {
	Type      MessageType `json:"type"`
	SenderID  string      `json:"senderId"`
	Data      string      `json:"data"`
	Timestamp int64       `json:"timestamp"`
	MessageID string      `json:"messageId,omitempty"`
}

// Constraints caps envelope sizes during parsing.
type Constraints struct {
	MaxBytes int // Maximum serialized envelope bytes.
}

// DefaultConstraints returns the wire defaults.
func DefaultConstraints() Constraints {
	return Constraints{MaxBytes: MaxFrameBytes}
}

// ParseEnvelope validates and parses one envelope using DefaultConstraints.
func ParseEnvelope(b []byte) (*Envelope, error) {
	return ParseEnvelopeWithConstraints(b, DefaultConstraints())
}

// ParseEnvelopeWithConstraints validates and parses one envelope.
//
// Unknown fields in the JSON are tolerated for forward compatibility; an
// unknown type value yields ErrUnknownMessageType so callers can answer
// UNSUPPORTED without dropping the connection.
func ParseEnvelopeWithConstraints(b []byte, c Constraints) (*Envelope, error) {
	if c.MaxBytes == 0 {
		c.MaxBytes = MaxFrameBytes
	}
	if c.MaxBytes > 0 && len(b) > c.MaxBytes {
		return nil, ErrEnvelopeTooLarge
	}
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, ErrEnvelopeInvalid
	}
	if e.Type == "" {
		return nil, ErrEnvelopeNoType
	}
	if e.SenderID == "" {
		return nil, ErrEnvelopeNoSender
	}
	if !e.Type.Known() {
		return nil, ErrUnknownMessageType
	}
	return &e, nil
}

// EncodeEnvelope serializes an envelope to the exact wire JSON.
func EncodeEnvelope(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// EncodeData marshals an inner payload into the stringified form carried in
// Envelope.Data.
func EncodeData(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeData unmarshals a stringified inner payload.
func DecodeData(data string, v any) error {
	if data == "" {
		return errors.New("empty payload")
	}
	return json.Unmarshal([]byte(data), v)
}
