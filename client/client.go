// Package client implements the chat-client side of the mesh wire protocol:
// dialing, the handshake, session-key unwrap, and the encrypt-sign-send /
// receive-verify-decrypt paths. It is the library behind the command-line
// client and the end-to-end tests.
package client

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/networkmesh/meshchat/crypto/identity"
	"github.com/networkmesh/meshchat/framing/lineframe"
	"github.com/networkmesh/meshchat/protocol"
)

var (
	// ErrHandshakeRejected is returned when the server answers the handshake
	// with an ERROR envelope. The wrapped error carries the server's code.
	ErrHandshakeRejected = errors.New("handshake rejected")
	// ErrClosed is returned from operations on a closed client.
	ErrClosed = errors.New("client closed")
)

// Options configures a client before dialing.
type Options struct {
	UserID   string
	Username string

	// Key is the client's RSA identity. Generated fresh when nil, which
	// takes noticeable time at 4096 bits; long-lived clients should load a
	// persisted key instead.
	Key *identity.Key

	ClientVersion     string
	DialTimeout       time.Duration // Covers dial plus handshake; default 30s.
	WriteTimeout      time.Duration // Per-frame write deadline; default 10s.
	HeartbeatInterval time.Duration // Keepalive cadence when idle; default 30s.
	MaxFrameBytes     int           // Default protocol.MaxFrameBytes.
	Logger            *zap.Logger   // Optional; nil disables logging.
}

// EventKind classifies what Next returned.
type EventKind int

const (
	// EventMessage is a chat message from another user, decrypted and with
	// the relay signature verified.
	EventMessage EventKind = iota
	// EventSystem is a broadcast notice such as a join or leave.
	EventSystem
	// EventUserList is a roster snapshot.
	EventUserList
	// EventError is a non-fatal server error report.
	EventError
	// EventDisconnect means the server asked us to go away; the connection
	// is closed when Next returns it.
	EventDisconnect
)

// Event is one item from the server-to-client stream.
type Event struct {
	Kind       EventKind
	SenderID   string
	SenderName string
	Text       string
	Timestamp  int64
	Users      *protocol.UserListData // EventUserList only
	Err        *protocol.ErrorData    // EventError only
}

// Client is a single authenticated connection to a mesh server. Next must be
// driven from one goroutine; Send methods are safe to call from others.
type Client struct {
	opts Options
	log  *zap.Logger

	nc net.Conn
	fr *lineframe.Reader
	fw *lineframe.Writer

	key        *identity.Key
	sessionKey []byte
	serverKey  *rsa.PublicKey
	serverID   string

	serverVersion string
	maxFrame      int

	wmu       sync.Mutex
	lastWrite atomic.Int64 // unix nanos of the last frame written
	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to addr, performs the handshake, and unwraps the session key.
// The returned client is ready for Send and Next.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	opts, err := normalize(opts)
	if err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: opts.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, err := NewConn(ctx, nc, opts)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	return c, nil
}

func normalize(opts Options) (Options, error) {
	if opts.UserID == "" {
		return opts, errors.New("missing user id")
	}
	if opts.Username == "" {
		return opts, errors.New("missing username")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = protocol.MaxFrameBytes
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Key == nil {
		k, err := identity.Generate()
		if err != nil {
			return opts, err
		}
		opts.Key = k
	}
	return opts, nil
}

// NewConn runs the handshake over an already-established connection. Used by
// Dial and by callers bringing their own transport.
func NewConn(ctx context.Context, nc net.Conn, opts Options) (*Client, error) {
	opts, err := normalize(opts)
	if err != nil {
		return nil, err
	}
	c := &Client{
		opts:   opts,
		log:    opts.Logger,
		nc:     nc,
		fr:     lineframe.NewReader(nc, opts.MaxFrameBytes),
		fw:     lineframe.NewWriter(nc, opts.MaxFrameBytes),
		key:    opts.Key,
		closed: make(chan struct{}),
	}
	deadline := time.Now().Add(opts.DialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.handshake(deadline); err != nil {
		return nil, err
	}
	go c.keepaliveLoop()
	return c, nil
}

// keepaliveLoop sends a heartbeat whenever no frame has gone out for a full
// interval, so the server's reader-idle deadline (twice the interval) never
// trips on a quiet connection.
func (c *Client) keepaliveLoop() {
	t := time.NewTicker(c.opts.HeartbeatInterval / 2)
	defer t.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-t.C:
			idle := time.Since(time.Unix(0, c.lastWrite.Load()))
			if idle < c.opts.HeartbeatInterval {
				continue
			}
			env := &protocol.Envelope{
				Type:      protocol.TypeHeartbeat,
				SenderID:  c.opts.UserID,
				Data:      "{}",
				Timestamp: time.Now().UnixMilli(),
			}
			if err := c.writeEnvelope(env); err != nil && !c.isClosed() {
				c.log.Warn("keepalive failed", zap.Error(err))
			}
		}
	}
}

func (c *Client) handshake(deadline time.Time) error {
	hs := protocol.HandshakeData{
		UserID:        c.opts.UserID,
		Username:      c.opts.Username,
		PublicKey:     c.key.PublicKeyBase64(),
		ClientVersion: c.opts.ClientVersion,
	}
	data, err := protocol.EncodeData(&hs)
	if err != nil {
		return err
	}
	if err := c.nc.SetDeadline(deadline); err != nil {
		return err
	}
	env := &protocol.Envelope{
		Type:      protocol.TypeHandshake,
		SenderID:  c.opts.UserID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := c.writeEnvelopeLocked(env); err != nil {
		return err
	}

	for {
		frame, err := c.fr.ReadFrame()
		if err != nil {
			return err
		}
		reply, err := protocol.ParseEnvelope(frame)
		if err != nil {
			return err
		}
		switch reply.Type {
		case protocol.TypeHandshakeResponse:
			return c.finishHandshake(reply)
		case protocol.TypeError:
			var ed protocol.ErrorData
			if derr := protocol.DecodeData(reply.Data, &ed); derr != nil {
				return ErrHandshakeRejected
			}
			return fmt.Errorf("%w: %s: %s", ErrHandshakeRejected, ed.Code, ed.Message)
		default:
			// Servers may interleave other traffic before the response;
			// skip anything that is neither the response nor an error.
			continue
		}
	}
}

func (c *Client) finishHandshake(env *protocol.Envelope) error {
	var resp protocol.HandshakeResponseData
	if err := protocol.DecodeData(env.Data, &resp); err != nil {
		return err
	}
	serverKey, err := identity.ParsePeerKey(resp.PublicKey)
	if err != nil {
		return err
	}
	wrapped, err := base64.StdEncoding.DecodeString(resp.EncryptedSessionKey)
	if err != nil {
		return fmt.Errorf("bad encryptedSessionKey: %w", err)
	}
	sessionKey, err := c.key.UnwrapSessionKey(wrapped)
	if err != nil {
		return err
	}
	c.serverKey = serverKey
	c.sessionKey = sessionKey
	c.serverID = env.SenderID
	c.serverVersion = resp.ServerVersion
	c.maxFrame = resp.MaxMessageSize
	// Clear the handshake deadline; Next blocks until traffic arrives.
	if err := c.nc.SetDeadline(time.Time{}); err != nil {
		return err
	}
	c.log.Debug("handshake complete",
		zap.String("serverId", c.serverID),
		zap.String("serverVersion", c.serverVersion))
	return nil
}

// ServerVersion reports the version string the server advertised.
func (c *Client) ServerVersion() string { return c.serverVersion }

// ServerID reports the server's sender id from the handshake response.
func (c *Client) ServerID() string { return c.serverID }

// SendText encrypts, signs, and sends one TEXT chat message.
func (c *Client) SendText(text string) error {
	return c.Send(protocol.ChatText, text)
}

// Send encrypts content under the session key, signs the plaintext with the
// client identity, and sends it as an ENCRYPTED_MESSAGE.
func (c *Client) Send(msgType protocol.ChatMessageType, content string) error {
	if c.isClosed() {
		return ErrClosed
	}
	plaintext := []byte(content)
	ciphertext, iv, err := identity.Encrypt(plaintext, c.sessionKey)
	if err != nil {
		return err
	}
	sig, err := c.key.Sign(plaintext)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	msg := protocol.EncryptedMessageData{
		MessageID:        uuid.NewString(),
		EncryptedContent: base64.StdEncoding.EncodeToString(ciphertext),
		IV:               base64.StdEncoding.EncodeToString(iv),
		Signature:        base64.StdEncoding.EncodeToString(sig),
		SenderPublicKey:  c.key.PublicKeyBase64(),
		SenderName:       c.opts.Username,
		Timestamp:        now,
		MessageType:      msgType,
	}
	data, err := protocol.EncodeData(&msg)
	if err != nil {
		return err
	}
	return c.writeEnvelope(&protocol.Envelope{
		Type:      protocol.TypeEncryptedMessage,
		SenderID:  c.opts.UserID,
		Data:      data,
		Timestamp: now,
		MessageID: msg.MessageID,
	})
}

// Next blocks for the next server event. Heartbeats are consumed internally
// and never surface. On server-initiated disconnect it returns an
// EventDisconnect and closes the connection; subsequent calls error.
func (c *Client) Next() (Event, error) {
	for {
		if c.isClosed() {
			return Event{}, ErrClosed
		}
		frame, err := c.fr.ReadFrame()
		if err != nil {
			return Event{}, err
		}
		env, err := protocol.ParseEnvelope(frame)
		if err != nil {
			c.log.Warn("dropping unparseable envelope", zap.Error(err))
			continue
		}
		switch env.Type {
		case protocol.TypeHeartbeat:
			// Liveness signal only; the keepalive loop covers our side.
			continue
		case protocol.TypeUserList:
			var ul protocol.UserListData
			if err := protocol.DecodeData(env.Data, &ul); err != nil {
				c.log.Warn("bad user list payload", zap.Error(err))
				continue
			}
			return Event{Kind: EventUserList, SenderID: env.SenderID, Timestamp: env.Timestamp, Users: &ul}, nil
		case protocol.TypeEncryptedMessage:
			ev, ok := c.decryptEvent(env)
			if !ok {
				continue
			}
			return ev, nil
		case protocol.TypeError:
			var ed protocol.ErrorData
			if err := protocol.DecodeData(env.Data, &ed); err != nil {
				c.log.Warn("bad error payload", zap.Error(err))
				continue
			}
			return Event{Kind: EventError, SenderID: env.SenderID, Timestamp: env.Timestamp, Err: &ed}, nil
		case protocol.TypeDisconnect:
			c.shutdown()
			return Event{Kind: EventDisconnect, SenderID: env.SenderID, Timestamp: env.Timestamp}, nil
		default:
			c.log.Debug("ignoring envelope", zap.String("type", string(env.Type)))
		}
	}
}

// decryptEvent unseals a relayed message and verifies the relay signature
// against the server key. Tampered or undecryptable messages are dropped.
func (c *Client) decryptEvent(env *protocol.Envelope) (Event, bool) {
	var msg protocol.EncryptedMessageData
	if err := protocol.DecodeData(env.Data, &msg); err != nil {
		c.log.Warn("bad message payload", zap.Error(err))
		return Event{}, false
	}
	ciphertext, err := base64.StdEncoding.DecodeString(msg.EncryptedContent)
	if err != nil {
		c.log.Warn("bad message encoding", zap.Error(err))
		return Event{}, false
	}
	iv, err := base64.StdEncoding.DecodeString(msg.IV)
	if err != nil {
		c.log.Warn("bad iv encoding", zap.Error(err))
		return Event{}, false
	}
	sig, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		c.log.Warn("bad signature encoding", zap.Error(err))
		return Event{}, false
	}
	plaintext, err := identity.Decrypt(ciphertext, iv, c.sessionKey)
	if err != nil {
		c.log.Warn("message decrypt failed", zap.Error(err))
		return Event{}, false
	}
	if !identity.Verify(plaintext, sig, c.serverKey) {
		c.log.Warn("relay signature rejected", zap.String("senderId", env.SenderID))
		return Event{}, false
	}
	kind := EventMessage
	if msg.MessageType == protocol.ChatSystem {
		kind = EventSystem
	}
	return Event{
		Kind:       kind,
		SenderID:   env.SenderID,
		SenderName: msg.SenderName,
		Text:       string(plaintext),
		Timestamp:  msg.Timestamp,
	}, true
}

// Close sends a best-effort DISCONNECT and closes the connection.
func (c *Client) Close() error {
	env := &protocol.Envelope{
		Type:      protocol.TypeDisconnect,
		SenderID:  c.opts.UserID,
		Data:      `{"reason":"client closing"}`,
		Timestamp: time.Now().UnixMilli(),
	}
	_ = c.writeEnvelope(env)
	return c.shutdown()
}

func (c *Client) shutdown() error {
	err := ErrClosed
	c.closeOnce.Do(func() {
		close(c.closed)
		for i := range c.sessionKey {
			c.sessionKey[i] = 0
		}
		err = c.nc.Close()
	})
	return err
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) writeEnvelope(env *protocol.Envelope) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.nc.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.writeEnvelopeLocked(env)
}

func (c *Client) writeEnvelopeLocked(env *protocol.Envelope) error {
	b, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := c.fw.WriteFrame(b); err != nil {
		return err
	}
	c.lastWrite.Store(time.Now().UnixNano())
	return nil
}
