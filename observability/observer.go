// Package observability defines the metrics sink the mesh server writes
// counters to. The server core never depends on a concrete metrics backend.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

type HandshakeResult string

const (
	HandshakeResultOK   HandshakeResult = "ok"
	HandshakeResultFail HandshakeResult = "fail"
)

type HandshakeReason string

const (
	HandshakeReasonOK          HandshakeReason = "ok"
	HandshakeReasonRateLimited HandshakeReason = "rate_limited"
	HandshakeReasonBadKey      HandshakeReason = "bad_key"
	HandshakeReasonBadPayload  HandshakeReason = "bad_payload"
	HandshakeReasonStoreError  HandshakeReason = "store_error"
	HandshakeReasonWriteError  HandshakeReason = "write_error"
)

type MessageResult string

const (
	MessageResultOK   MessageResult = "ok"
	MessageResultFail MessageResult = "fail"
)

type MessageReason string

const (
	MessageReasonOK           MessageReason = "ok"
	MessageReasonRateLimited  MessageReason = "rate_limited"
	MessageReasonBadPayload   MessageReason = "bad_payload"
	MessageReasonDecryptError MessageReason = "decrypt_error"
	MessageReasonBadSignature MessageReason = "bad_signature"
	MessageReasonStoreError   MessageReason = "store_error"
)

type CloseReason string

const (
	CloseReasonPeerClosed       CloseReason = "peer_closed"
	CloseReasonNotAuthenticated CloseReason = "not_authenticated"
	CloseReasonHandshakeFailed  CloseReason = "handshake_failed"
	CloseReasonFramingViolation CloseReason = "framing_violation"
	CloseReasonReadTimeout      CloseReason = "read_timeout"
	CloseReasonSlowConsumer     CloseReason = "slow_consumer"
	CloseReasonIdleSweep        CloseReason = "idle_sweep"
	CloseReasonMaxConnections   CloseReason = "max_connections"
	CloseReasonDisconnect       CloseReason = "disconnect"
	CloseReasonShutdown         CloseReason = "shutdown"
)

// MeshObserver receives server-level metric events.
type MeshObserver interface {
	ConnCount(n int64)
	AuthenticatedCount(n int)
	Handshake(result HandshakeResult, reason HandshakeReason)
	Message(result MessageResult, reason MessageReason)
	Broadcast(recipients int)
	DispatchLatency(d time.Duration)
	Close(reason CloseReason)
	UserCount(n int)
}

type noopMeshObserver struct{}

func (noopMeshObserver) ConnCount(int64)                            {}
func (noopMeshObserver) AuthenticatedCount(int)                     {}
func (noopMeshObserver) Handshake(HandshakeResult, HandshakeReason) {}
func (noopMeshObserver) Message(MessageResult, MessageReason)       {}
func (noopMeshObserver) Broadcast(int)                              {}
func (noopMeshObserver) DispatchLatency(time.Duration)              {}
func (noopMeshObserver) Close(CloseReason)                          {}
func (noopMeshObserver) UserCount(int)                              {}

// NoopMeshObserver is a zero-cost observer used when metrics are disabled.
var NoopMeshObserver MeshObserver = noopMeshObserver{}

// AtomicMeshObserver swaps its delegate at runtime.
type AtomicMeshObserver struct {
	once sync.Once
	v    atomic.Value
}

type meshObserverHolder struct {
	obs MeshObserver
}

// NewAtomicMeshObserver returns an initialized atomic observer.
func NewAtomicMeshObserver() *AtomicMeshObserver {
	a := &AtomicMeshObserver{}
	a.once.Do(func() { a.v.Store(&meshObserverHolder{obs: NoopMeshObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicMeshObserver) Set(obs MeshObserver) {
	if obs == nil {
		obs = NoopMeshObserver
	}
	a.once.Do(func() { a.v.Store(&meshObserverHolder{obs: NoopMeshObserver}) })
	a.v.Store(&meshObserverHolder{obs: obs})
}

func (a *AtomicMeshObserver) load() MeshObserver {
	a.once.Do(func() { a.v.Store(&meshObserverHolder{obs: NoopMeshObserver}) })
	return a.v.Load().(*meshObserverHolder).obs
}

func (a *AtomicMeshObserver) ConnCount(n int64)        { a.load().ConnCount(n) }
func (a *AtomicMeshObserver) AuthenticatedCount(n int) { a.load().AuthenticatedCount(n) }
func (a *AtomicMeshObserver) Handshake(result HandshakeResult, reason HandshakeReason) {
	a.load().Handshake(result, reason)
}
func (a *AtomicMeshObserver) Message(result MessageResult, reason MessageReason) {
	a.load().Message(result, reason)
}
func (a *AtomicMeshObserver) Broadcast(recipients int)        { a.load().Broadcast(recipients) }
func (a *AtomicMeshObserver) DispatchLatency(d time.Duration) { a.load().DispatchLatency(d) }
func (a *AtomicMeshObserver) Close(reason CloseReason)        { a.load().Close(reason) }
func (a *AtomicMeshObserver) UserCount(n int)                 { a.load().UserCount(n) }
