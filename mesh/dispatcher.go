package mesh

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/networkmesh/meshchat/crypto/identity"
	"github.com/networkmesh/meshchat/protocol"
	"github.com/networkmesh/meshchat/store"
)

// SystemSenderID and SystemSenderName identify server-originated messages.
// Clients must accept this sender without a registered public key and verify
// its signature against the server key from the handshake response.
const (
	SystemSenderID   = "system"
	SystemSenderName = "System"
)

// member is one authenticated connection as the dispatcher sees it. The auth
// fields are copied at registration and never mutated, so fan-out can use
// them without touching the connection's own state.
type member struct {
	c          *conn
	userID     string
	username   string
	peerKeyB64 string
	sessionKey []byte
}

// dispatcher tracks authenticated connections and fans chat messages out,
// re-encrypting the plaintext once per recipient.
//
// Fan-out iterates a stable snapshot of the member set, so a concurrent join
// or leave either precedes or follows an entire fan-out, never splits it.
type dispatcher struct {
	srv *Server

	// Membership map. Writers are register/unregister; readers are
	// broadcast and snapshot. Fan-out encryption happens outside the lock.
	mu      sync.Mutex
	members map[uint64]*member
}

func newDispatcher(srv *Server) *dispatcher {
	return &dispatcher{
		srv:     srv,
		members: make(map[uint64]*member),
	}
}

func (d *dispatcher) register(c *conn) int {
	m := &member{
		c:          c,
		userID:     c.userID,
		username:   c.username,
		peerKeyB64: c.peerKeyB64,
		sessionKey: c.sessionKey,
	}
	d.mu.Lock()
	d.members[c.id] = m
	n := len(d.members)
	d.mu.Unlock()
	return n
}

func (d *dispatcher) unregister(c *conn) int {
	d.mu.Lock()
	if m := d.members[c.id]; m != nil && m.c == c {
		delete(d.members, c.id)
	}
	n := len(d.members)
	d.mu.Unlock()
	return n
}

// snapshotMembers returns a stable view of the authenticated set.
func (d *dispatcher) snapshotMembers() []*member {
	d.mu.Lock()
	out := make([]*member, 0, len(d.members))
	for _, m := range d.members {
		out = append(out, m)
	}
	d.mu.Unlock()
	return out
}

// snapshot builds a USER_LIST view of the authenticated set at this moment.
func (d *dispatcher) snapshot() protocol.UserListData {
	members := d.snapshotMembers()
	users := make([]protocol.UserEntry, 0, len(members))
	for _, m := range members {
		users = append(users, protocol.UserEntry{
			ID:        m.userID,
			Username:  m.username,
			PublicKey: m.peerKeyB64,
			IsOnline:  true,
			LastSeen:  m.c.lastActivity().UnixMilli(),
		})
	}
	return protocol.UserListData{
		Users:       users,
		TotalUsers:  len(users),
		OnlineUsers: len(users),
	}
}

// broadcast re-encrypts msg.Content for every member except excludeConnID and
// enqueues one ENCRYPTED_MESSAGE envelope per recipient. The plaintext is
// signed once with the server key; recipients verify against the server's
// public key from the handshake response.
//
// A recipient whose outbound queue is full is closed with SLOW_CONSUMER;
// delivery to the remaining members is unaffected.
func (d *dispatcher) broadcast(msg store.Message, excludeConnID uint64) {
	start := time.Now()
	plaintext := []byte(msg.Content)
	sig, err := d.srv.key.Sign(plaintext)
	if err != nil {
		d.srv.log.Error("sign broadcast failed", zap.Error(err))
		return
	}
	sigB64 := base64.StdEncoding.EncodeToString(sig)

	members := d.snapshotMembers()
	recipients := 0
	for _, m := range members {
		if m.c.id == excludeConnID {
			continue
		}
		ciphertext, iv, err := identity.Encrypt(plaintext, m.sessionKey)
		if err != nil {
			d.srv.log.Error("re-encrypt failed",
				zap.Uint64("conn_id", m.c.id), zap.Error(err))
			continue
		}
		data, err := protocol.EncodeData(&protocol.EncryptedMessageData{
			MessageID:        msg.ID,
			EncryptedContent: base64.StdEncoding.EncodeToString(ciphertext),
			IV:               base64.StdEncoding.EncodeToString(iv),
			Signature:        sigB64,
			SenderPublicKey:  d.srv.key.PublicKeyBase64(),
			SenderName:       msg.SenderName,
			Timestamp:        msg.Timestamp,
			MessageType:      msg.Type,
		})
		if err != nil {
			continue
		}
		env := &protocol.Envelope{
			Type:      protocol.TypeEncryptedMessage,
			SenderID:  msg.SenderID,
			Data:      data,
			Timestamp: msg.Timestamp,
			MessageID: msg.ID,
		}
		if m.c.enqueueEnvelope(env) {
			recipients++
		}
	}
	d.srv.obs.Broadcast(recipients)
	d.srv.obs.DispatchLatency(time.Since(start))
}

// systemNotice persists and fans out a SYSTEM message such as a join or
// leave announcement.
func (d *dispatcher) systemNotice(ctx context.Context, text string, excludeConnID uint64) {
	msg := store.Message{
		ID:          uuid.NewString(),
		Content:     text,
		SenderID:    SystemSenderID,
		SenderName:  SystemSenderName,
		Timestamp:   time.Now().UnixMilli(),
		Type:        protocol.ChatSystem,
		IsEncrypted: true,
	}
	if err := d.srv.messages.Append(ctx, msg); err != nil {
		// System notices are best-effort: delivery proceeds even when the
		// audit append fails.
		d.srv.log.Warn("persist system notice failed", zap.Error(err))
	}
	d.srv.log.Debug("system notice", zap.String("text", text))
	d.broadcast(msg, excludeConnID)
}
