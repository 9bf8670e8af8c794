package protocol

import "errors"

// ChatMessageType classifies the decrypted chat content.
type ChatMessageType string

const (
	ChatText      ChatMessageType = "TEXT"
	ChatSystem    ChatMessageType = "SYSTEM"
	ChatImage     ChatMessageType = "IMAGE"
	ChatFile      ChatMessageType = "FILE"
	ChatHeartbeat ChatMessageType = "HEARTBEAT"
	ChatHandshake ChatMessageType = "HANDSHAKE"
)

var (
	ErrHandshakeMissingUserID   = errors.New("handshake missing userId")
	ErrHandshakeMissingUsername = errors.New("handshake missing username")
	ErrHandshakeMissingKey      = errors.New("handshake missing publicKey")
	ErrMessageMissingContent    = errors.New("message missing encryptedContent")
	ErrMessageMissingIV         = errors.New("message missing iv")
	ErrMessageMissingSignature  = errors.New("message missing signature")
)

// HandshakeData is the client's opening payload.
type HandshakeData struct {
	UserID        string `json:"userId"`
	Username      string `json:"username"`
	PublicKey     string `json:"publicKey"` // base64 X.509 SubjectPublicKeyInfo
	ClientVersion string `json:"clientVersion,omitempty"`
}

// Validate checks the required handshake fields before any crypto work.
func (h *HandshakeData) Validate() error {
	if h.UserID == "" {
		return ErrHandshakeMissingUserID
	}
	if h.Username == "" {
		return ErrHandshakeMissingUsername
	}
	if h.PublicKey == "" {
		return ErrHandshakeMissingKey
	}
	return nil
}

// HandshakeResponseData is the server's reply completing the handshake.
type HandshakeResponseData struct {
	UserID              string `json:"userId"`
	Username            string `json:"username"`
	PublicKey           string `json:"publicKey"`           // server SPKI, base64
	EncryptedSessionKey string `json:"encryptedSessionKey"` // base64 RSA-OAEP(sessionKey)
	ServerVersion       string `json:"serverVersion"`
	MaxMessageSize      int    `json:"maxMessageSize"`
}

// EncryptedMessageData carries one AES-GCM sealed chat message.
//
// Server to client, SenderPublicKey is the server's public key and Signature
// is the server's signature over the plaintext; the envelope senderId and
// SenderName identify the original author.
type EncryptedMessageData struct {
	MessageID        string          `json:"messageId"`
	EncryptedContent string          `json:"encryptedContent"` // base64
	IV               string          `json:"iv"`               // base64, 12 bytes
	Signature        string          `json:"signature"`        // base64
	SenderPublicKey  string          `json:"senderPublicKey"`  // base64
	SenderName       string          `json:"senderName"`
	Timestamp        int64           `json:"timestamp"`
	MessageType      ChatMessageType `json:"messageType"`
}

// Validate checks the required encrypted-message fields.
func (m *EncryptedMessageData) Validate() error {
	if m.EncryptedContent == "" {
		return ErrMessageMissingContent
	}
	if m.IV == "" {
		return ErrMessageMissingIV
	}
	if m.Signature == "" {
		return ErrMessageMissingSignature
	}
	return nil
}

// UserEntry is one roster row in a USER_LIST snapshot.
type UserEntry struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	PublicKey string `json:"publicKey,omitempty"`
	IsOnline  bool   `json:"isOnline"`
	LastSeen  int64  `json:"lastSeen,omitempty"`
}

// UserListData is a point-in-time roster snapshot.
type UserListData struct {
	Users       []UserEntry `json:"users"`
	TotalUsers  int         `json:"totalUsers"`
	OnlineUsers int         `json:"onlineUsers"`
}

// ErrorData reports a protocol, policy, or server-side failure.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}
