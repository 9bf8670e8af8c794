package mesh

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/networkmesh/meshchat/crypto/identity"
	"github.com/networkmesh/meshchat/fault"
	"github.com/networkmesh/meshchat/framing/lineframe"
	"github.com/networkmesh/meshchat/observability"
	"github.com/networkmesh/meshchat/protocol"
	"github.com/networkmesh/meshchat/ratelimit"
	"github.com/networkmesh/meshchat/store"
)

type connState int32

const (
	stateNew connState = iota
	stateAuthenticating
	stateAuthenticated
	stateClosed
)

type writeReq struct {
	env  *protocol.Envelope
	done chan error
}

// conn is one client connection. The read goroutine owns the state machine
// and all crypto state; the write goroutine drains the bounded outbound
// queue. No other goroutine touches the session key or peer key.
type conn struct {
	id  uint64
	srv *Server
	nc  net.Conn

	fr *lineframe.Reader
	fw *lineframe.Writer

	remoteAddr string
	remoteIP   string

	connectedAt time.Time
	lastAct     atomic.Int64 // UnixNano of last successful read

	state atomic.Int32

	// Set during handshake, owned by the read goroutine. The dispatcher
	// copies them into its member entry at registration.
	userID     string
	username   string
	peerKeyB64 string
	peerKey    *rsa.PublicKey
	sessionKey []byte

	registered bool // whether this conn entered the dispatcher

	out       chan writeReq
	closed    chan struct{}
	closeOnce sync.Once
	reason    observability.CloseReason

	bytesIn  atomic.Int64
	bytesOut atomic.Int64
	msgsIn   atomic.Int64
	msgsOut  atomic.Int64
}

func newConn(srv *Server, id uint64, nc net.Conn) *conn {
	c := &conn{
		id:          id,
		srv:         srv,
		nc:          nc,
		fr:          lineframe.NewReader(nc, srv.cfg.MaxFrameBytes),
		fw:          lineframe.NewWriter(nc, srv.cfg.MaxFrameBytes),
		remoteAddr:  nc.RemoteAddr().String(),
		connectedAt: time.Now(),
		out:         make(chan writeReq, srv.cfg.OutboundQueueLen),
		closed:      make(chan struct{}),
	}
	if host, _, err := net.SplitHostPort(c.remoteAddr); err == nil {
		c.remoteIP = host
	} else {
		c.remoteIP = c.remoteAddr
	}
	c.touch()
	return c
}

func (c *conn) touch() {
	c.lastAct.Store(time.Now().UnixNano())
}

func (c *conn) lastActivity() time.Time {
	return time.Unix(0, c.lastAct.Load())
}

func (c *conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// closeWith transitions to CLOSED exactly once and closes the socket, which
// unblocks both goroutines. Safe to call from any goroutine.
func (c *conn) closeWith(reason observability.CloseReason) {
	c.closeOnce.Do(func() {
		c.reason = reason
		c.state.Store(int32(stateClosed))
		close(c.closed)
		_ = c.nc.Close()
	})
}

// enqueueEnvelope places one frame on the outbound queue. A full queue is
// fatal for this connection only: it is closed with SLOW_CONSUMER and the
// frame is dropped.
func (c *conn) enqueueEnvelope(env *protocol.Envelope) bool {
	if c.isClosed() {
		return false
	}
	select {
	case c.out <- writeReq{env: env}:
		return true
	default:
		c.srv.log.Warn("outbound queue full, closing slow consumer",
			zap.Uint64("conn_id", c.id), zap.String("user_id", c.userID))
		c.closeWith(observability.CloseReasonSlowConsumer)
		return false
	}
}

// sendAndWait enqueues a frame and waits briefly for it to reach the wire.
// Used before terminal closes so the peer sees the ERROR envelope.
func (c *conn) sendAndWait(env *protocol.Envelope) {
	if c.isClosed() {
		return
	}
	done := make(chan error, 1)
	select {
	case c.out <- writeReq{env: env, done: done}:
	default:
		return
	}
	select {
	case <-done:
	case <-time.After(c.srv.cfg.WriteTimeout):
	}
}

func (c *conn) serverEnvelope(t protocol.MessageType, data string) *protocol.Envelope {
	return &protocol.Envelope{
		Type:      t,
		SenderID:  serverUserID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

func (c *conn) errorEnvelope(code fault.Code, msg string) *protocol.Envelope {
	data, _ := protocol.EncodeData(&protocol.ErrorData{Code: string(code), Message: msg})
	return c.serverEnvelope(protocol.TypeError, data)
}

func (c *conn) sendError(code fault.Code, msg string) {
	c.enqueueEnvelope(c.errorEnvelope(code, msg))
}

func (c *conn) sendErrorAndWait(code fault.Code, msg string) {
	c.sendAndWait(c.errorEnvelope(code, msg))
}

func heartbeatEnvelope() *protocol.Envelope {
	return &protocol.Envelope{
		Type:      protocol.TypeHeartbeat,
		SenderID:  serverUserID,
		Data:      "{}",
		Timestamp: time.Now().UnixMilli(),
	}
}

// writeLoop serializes writes to the socket: one frame is fully written
// before the next begins. It also owns the writer-idle heartbeat timer.
func (c *conn) writeLoop() {
	hb := time.NewTimer(c.srv.cfg.HeartbeatInterval)
	defer hb.Stop()
	for {
		select {
		case <-c.closed:
			c.drainOut()
			return
		case req := <-c.out:
			err := c.writeEnvelope(req.env)
			if req.done != nil {
				req.done <- err
				close(req.done)
			}
			if err != nil {
				c.closeWith(observability.CloseReasonPeerClosed)
				return
			}
			if !hb.Stop() {
				select {
				case <-hb.C:
				default:
				}
			}
			hb.Reset(c.srv.cfg.HeartbeatInterval)
		case <-hb.C:
			if err := c.writeEnvelope(heartbeatEnvelope()); err != nil {
				c.closeWith(observability.CloseReasonPeerClosed)
				return
			}
			hb.Reset(c.srv.cfg.HeartbeatInterval)
		}
	}
}

// drainOut completes any queued done channels after close. Pending frames
// are discarded, never delivered.
func (c *conn) drainOut() {
	for {
		select {
		case req := <-c.out:
			if req.done != nil {
				req.done <- net.ErrClosed
				close(req.done)
			}
		default:
			return
		}
	}
}

func (c *conn) writeEnvelope(env *protocol.Envelope) error {
	b, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if c.srv.cfg.WriteTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
	}
	if err := c.fw.WriteFrame(b); err != nil {
		return err
	}
	c.bytesOut.Add(int64(len(b) + 1))
	c.msgsOut.Add(1)
	return nil
}

// readLoop processes inbound frames strictly sequentially; the per-sender
// FIFO guarantee rests on this. The reader-idle deadline resets only on
// successful reads and is strictly greater than the writer-idle interval, so
// a responsive peer never trips it.
func (c *conn) readLoop(ctx context.Context) {
	defer c.finish(ctx)
	readerIdle := 2 * c.srv.cfg.HeartbeatInterval
	for {
		if err := c.nc.SetReadDeadline(time.Now().Add(readerIdle)); err != nil {
			c.closeWith(observability.CloseReasonPeerClosed)
			return
		}
		frame, err := c.fr.ReadFrame()
		if err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, lineframe.ErrFrameTooLarge):
				c.sendErrorAndWait(fault.CodeInvalidMessage, "frame exceeds maximum size")
				c.closeWith(observability.CloseReasonFramingViolation)
			case errors.As(err, &ne) && ne.Timeout():
				c.sendErrorAndWait(fault.CodeReadTimeout, "no data within reader-idle interval")
				c.closeWith(observability.CloseReasonReadTimeout)
			default:
				c.closeWith(observability.CloseReasonPeerClosed)
			}
			return
		}
		c.touch()
		c.bytesIn.Add(int64(len(frame) + 1))
		c.msgsIn.Add(1)

		env, err := protocol.ParseEnvelopeWithConstraints(frame, protocol.Constraints{MaxBytes: c.srv.cfg.MaxFrameBytes})
		if err != nil {
			if !c.handleParseError(err) {
				return
			}
			continue
		}
		if !c.handleEnvelope(ctx, env) {
			return
		}
	}
}

// handleParseError reports whether the connection survives the bad frame.
func (c *conn) handleParseError(err error) bool {
	authed := connState(c.state.Load()) == stateAuthenticated
	if errors.Is(err, protocol.ErrUnknownMessageType) {
		if authed {
			c.sendError(fault.CodeUnsupported, "unsupported message type")
			return true
		}
		c.sendErrorAndWait(fault.CodeNotAuthenticated, "handshake required")
		c.closeWith(observability.CloseReasonNotAuthenticated)
		return false
	}
	if authed {
		c.sendError(fault.CodeInvalidMessage, err.Error())
		return true
	}
	c.sendErrorAndWait(fault.CodeInvalidMessage, err.Error())
	c.closeWith(observability.CloseReasonHandshakeFailed)
	return false
}

// handleEnvelope applies the per-state acceptance rules. It reports whether
// the read loop should continue.
func (c *conn) handleEnvelope(ctx context.Context, env *protocol.Envelope) bool {
	switch connState(c.state.Load()) {
	case stateNew:
		if env.Type != protocol.TypeHandshake {
			c.sendErrorAndWait(fault.CodeNotAuthenticated, "handshake required")
			c.closeWith(observability.CloseReasonNotAuthenticated)
			return false
		}
		return c.handshake(ctx, env)
	case stateAuthenticated:
		switch env.Type {
		case protocol.TypeHandshake:
			c.sendError(fault.CodeAlreadyAuthenticated, "handshake already completed")
			return true
		case protocol.TypeHeartbeat:
			c.enqueueEnvelope(heartbeatEnvelope())
			return true
		case protocol.TypeDisconnect:
			c.closeWith(observability.CloseReasonDisconnect)
			return false
		case protocol.TypeEncryptedMessage:
			c.handleEncryptedMessage(ctx, env)
			return true
		default:
			c.sendError(fault.CodeUnsupported, "unsupported message type in authenticated state")
			return true
		}
	default:
		return false
	}
}

// handshake runs the NEW -> AUTHENTICATING -> AUTHENTICATED transition.
func (c *conn) handshake(ctx context.Context, env *protocol.Envelope) bool {
	c.state.Store(int32(stateAuthenticating))

	fail := func(reason observability.HandshakeReason, code fault.Code, msg string) bool {
		c.srv.obs.Handshake(observability.HandshakeResultFail, reason)
		c.sendErrorAndWait(code, msg)
		c.closeWith(observability.CloseReasonHandshakeFailed)
		return false
	}

	if !c.srv.limiter.TryConsume(ratelimit.IPKey(c.remoteIP)) {
		return fail(observability.HandshakeReasonRateLimited, fault.CodeRateLimited, "handshake rate limit exceeded")
	}

	var hs protocol.HandshakeData
	if err := protocol.DecodeData(env.Data, &hs); err != nil {
		return fail(observability.HandshakeReasonBadPayload, fault.CodeHandshakeFailed, "invalid handshake payload")
	}
	if err := hs.Validate(); err != nil {
		return fail(observability.HandshakeReasonBadPayload, fault.CodeHandshakeFailed, err.Error())
	}

	peerKey, err := identity.ParsePeerKey(hs.PublicKey)
	if err != nil {
		return fail(observability.HandshakeReasonBadKey, fault.CodeHandshakeFailed, "invalid public key")
	}

	sessionKey, err := identity.NewSessionKey()
	if err != nil {
		return fail(observability.HandshakeReasonBadKey, fault.CodeHandshakeFailed, "session key generation failed")
	}
	wrapped, err := identity.WrapSessionKey(sessionKey, peerKey)
	if err != nil {
		return fail(observability.HandshakeReasonBadKey, fault.CodeHandshakeFailed, "session key wrap failed")
	}

	now := time.Now().UnixMilli()
	if err := c.srv.users.Upsert(ctx, store.User{
		ID:           hs.UserID,
		Username:     hs.Username,
		PublicKey:    hs.PublicKey,
		IsOnline:     true,
		LastSeen:     now,
		ConnectionID: c.id,
		IPAddress:    c.remoteIP,
	}); err != nil {
		c.srv.log.Error("roster upsert failed", zap.String("user_id", hs.UserID), zap.Error(err))
		return fail(observability.HandshakeReasonStoreError, fault.CodeHandshakeFailed, "roster update failed")
	}

	c.userID = hs.UserID
	c.username = hs.Username
	c.peerKeyB64 = hs.PublicKey
	c.peerKey = peerKey
	c.sessionKey = sessionKey

	// The roster row is online from here on; any failure before registration
	// must undo that or the user stays listed online with no connection.
	offline := func() {
		if err := c.srv.users.SetOnline(ctx, hs.UserID, false, time.Now().UnixMilli()); err != nil {
			c.srv.log.Warn("mark offline failed", zap.String("user_id", hs.UserID), zap.Error(err))
		}
	}

	respData, err := protocol.EncodeData(&protocol.HandshakeResponseData{
		UserID:              serverUserID,
		Username:            serverUsername,
		PublicKey:           c.srv.key.PublicKeyBase64(),
		EncryptedSessionKey: base64.StdEncoding.EncodeToString(wrapped),
		ServerVersion:       c.srv.cfg.ServerVersion,
		MaxMessageSize:      c.srv.cfg.MaxFrameBytes,
	})
	if err != nil {
		offline()
		return fail(observability.HandshakeReasonWriteError, fault.CodeHandshakeFailed, "handshake response failed")
	}
	resp := c.serverEnvelope(protocol.TypeHandshakeResponse, respData)
	resp.MessageID = uuid.NewString()
	if !c.enqueueEnvelope(resp) {
		offline()
		c.srv.obs.Handshake(observability.HandshakeResultFail, observability.HandshakeReasonWriteError)
		return false
	}

	c.state.Store(int32(stateAuthenticated))
	c.registered = true
	n := c.srv.disp.register(c)
	c.srv.obs.AuthenticatedCount(n)
	c.srv.obs.Handshake(observability.HandshakeResultOK, observability.HandshakeReasonOK)
	c.srv.log.Info("client authenticated",
		zap.Uint64("conn_id", c.id),
		zap.String("user_id", c.userID),
		zap.String("username", c.username),
		zap.String("remote", c.remoteAddr))

	c.srv.disp.systemNotice(ctx, c.username+" joined the chat", c.id)

	listData, err := protocol.EncodeData(c.srv.disp.snapshot())
	if err == nil {
		c.enqueueEnvelope(c.serverEnvelope(protocol.TypeUserList, listData))
	}
	return true
}

// handleEncryptedMessage runs decrypt, verify, persist, fan-out. Every
// failure keeps the connection; verification failures are silent to other
// peers.
func (c *conn) handleEncryptedMessage(ctx context.Context, env *protocol.Envelope) {
	if !c.srv.limiter.TryConsume(ratelimit.UserKey(c.userID)) {
		c.srv.obs.Message(observability.MessageResultFail, observability.MessageReasonRateLimited)
		c.sendError(fault.CodeRateLimited, "message rate limit exceeded")
		return
	}

	em, plaintext, err := c.unsealMessage(env)
	if err != nil {
		code := fault.CodeOf(err)
		c.srv.obs.Message(observability.MessageResultFail, messageFailReason(code))
		c.sendError(code, fault.Message(err))
		return
	}

	msgID := em.MessageID
	if msgID == "" {
		msgID = uuid.NewString()
	}
	msgType := em.MessageType
	if msgType == "" {
		msgType = protocol.ChatText
	}
	msg := store.Message{
		ID:          msgID,
		Content:     string(plaintext),
		SenderID:    c.userID,
		SenderName:  c.username,
		Timestamp:   clampTimestamp(em.Timestamp),
		Type:        msgType,
		IsEncrypted: true,
	}
	if err := c.srv.messages.Append(ctx, msg); err != nil {
		// Never broadcast what could not be persisted: audit and delivery
		// must stay aligned.
		c.srv.log.Error("message append failed", zap.String("message_id", msg.ID),
			zap.Error(fault.Wrap(fault.KindStore, fault.CodeMessageFailed, err)))
		c.srv.obs.Message(observability.MessageResultFail, observability.MessageReasonStoreError)
		c.sendError(fault.CodeMessageFailed, "message could not be stored")
		return
	}

	c.srv.disp.broadcast(msg, c.id)
	c.srv.obs.Message(observability.MessageResultOK, observability.MessageReasonOK)
}

// unsealMessage decodes, decrypts and verifies one ENCRYPTED_MESSAGE payload.
// Failures come back as fault errors carrying the wire code to report.
func (c *conn) unsealMessage(env *protocol.Envelope) (*protocol.EncryptedMessageData, []byte, error) {
	var em protocol.EncryptedMessageData
	if err := protocol.DecodeData(env.Data, &em); err != nil {
		return nil, nil, fault.Wrap(fault.KindProtocol, fault.CodeInvalidMessage, errors.New("invalid message payload"))
	}
	if err := em.Validate(); err != nil {
		return nil, nil, fault.Wrap(fault.KindProtocol, fault.CodeInvalidMessage, err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(em.EncryptedContent)
	if err != nil {
		return nil, nil, fault.Wrap(fault.KindProtocol, fault.CodeInvalidMessage, errors.New("invalid ciphertext encoding"))
	}
	iv, err := base64.StdEncoding.DecodeString(em.IV)
	if err != nil {
		return nil, nil, fault.Wrap(fault.KindProtocol, fault.CodeInvalidMessage, errors.New("invalid iv encoding"))
	}
	sig, err := base64.StdEncoding.DecodeString(em.Signature)
	if err != nil {
		return nil, nil, fault.Wrap(fault.KindProtocol, fault.CodeInvalidMessage, errors.New("invalid signature encoding"))
	}

	plaintext, err := identity.Decrypt(ciphertext, iv, c.sessionKey)
	if err != nil {
		return nil, nil, fault.Wrap(fault.KindCrypto, fault.CodeMessageFailed, errors.New("decryption failed"))
	}

	// Verify against the registered key from the handshake; the wire-carried
	// senderPublicKey is ignored to prevent downgrade.
	if !identity.Verify(plaintext, sig, c.peerKey) {
		return nil, nil, fault.Wrap(fault.KindCrypto, fault.CodeInvalidSignature, errors.New("signature verification failed"))
	}
	return &em, plaintext, nil
}

func messageFailReason(code fault.Code) observability.MessageReason {
	switch code {
	case fault.CodeInvalidMessage:
		return observability.MessageReasonBadPayload
	case fault.CodeInvalidSignature:
		return observability.MessageReasonBadSignature
	default:
		return observability.MessageReasonDecryptError
	}
}

// maxTimestampSkew bounds how far in the future a sender-supplied timestamp
// may run before the server clamps it.
const maxTimestampSkew = time.Minute

func clampTimestamp(ts int64) int64 {
	now := time.Now().UnixMilli()
	if ts <= 0 || ts > now+maxTimestampSkew.Milliseconds() {
		return now
	}
	return ts
}

// finish runs the terminal sequence exactly once, after the read loop exits:
// socket closed, dispatcher unregistered, user marked offline, key material
// dropped, leave notice broadcast.
func (c *conn) finish(ctx context.Context) {
	c.closeWith(observability.CloseReasonPeerClosed)

	// The terminal sequence must run even when the serve context is already
	// canceled (shutdown), so store updates get a detached context.
	ctx = context.WithoutCancel(ctx)

	wasAuthed := c.registered
	if wasAuthed {
		n := c.srv.disp.unregister(c)
		c.srv.obs.AuthenticatedCount(n)
		if err := c.srv.users.SetOnline(ctx, c.userID, false, time.Now().UnixMilli()); err != nil {
			c.srv.log.Warn("mark offline failed", zap.String("user_id", c.userID), zap.Error(err))
		}
	}

	// Session keys are never reused. Drop the references without zeroing in
	// place: a fan-out that snapshotted the member set just before unregister
	// may still be encrypting with this slice.
	c.sessionKey = nil
	c.peerKey = nil

	if wasAuthed {
		c.srv.disp.systemNotice(ctx, c.username+" left the chat", c.id)
	}

	c.srv.obs.Close(c.reason)
	c.srv.log.Info("connection closed",
		zap.Uint64("conn_id", c.id),
		zap.String("user_id", c.userID),
		zap.String("reason", string(c.reason)),
		zap.Int64("bytes_in", c.bytesIn.Load()),
		zap.Int64("bytes_out", c.bytesOut.Load()),
		zap.Duration("uptime", time.Since(c.connectedAt)))
	c.srv.removeConn(c)
}
