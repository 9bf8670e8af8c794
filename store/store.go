// Package store defines the persistence collaborators of the mesh server:
// the user roster and the message audit log.
package store

import (
	"context"
	"errors"

	"github.com/networkmesh/meshchat/protocol"
)

var ErrNotFound = errors.New("not found")

// User is one roster row. Identity is the client-chosen userId; the directory
// points at the newest connection when the same userId handshakes twice.
type User struct {
	ID           string
	Username     string
	PublicKey    string // base64 SubjectPublicKeyInfo
	IsHost       bool
	IsOnline     bool
	LastSeen     int64 // ms since epoch
	ConnectionID uint64
	IPAddress    string
	CreatedAt    int64
	UpdatedAt    int64
}

// Message is one persisted chat message, stored as plaintext after the
// server has decrypted and verified it.
type Message struct {
	ID          string
	Content     string
	SenderID    string
	SenderName  string
	Timestamp   int64 // ms since epoch, sender-supplied
	Type        protocol.ChatMessageType
	RoomID      string
	IsEncrypted bool
	CreatedAt   int64
}

// UserStore persists the roster. Online-state mutations are idempotent.
type UserStore interface {
	// Upsert creates or replaces the user row, rebinding its connection.
	Upsert(ctx context.Context, u User) error
	// SetOnline flips online state and stamps lastSeen.
	SetOnline(ctx context.Context, userID string, online bool, lastSeenMillis int64) error
	Get(ctx context.Context, userID string) (User, error)
	List(ctx context.Context) ([]User, error)
	Count(ctx context.Context) (int, error)
	Close(ctx context.Context) error
}

// MessageStore persists the message log for audit and replay.
type MessageStore interface {
	Append(ctx context.Context, m Message) error
	Count(ctx context.Context) (int, error)
	// Recent returns up to limit messages, newest first.
	Recent(ctx context.Context, limit int) ([]Message, error)
	Close(ctx context.Context) error
}
