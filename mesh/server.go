// Package mesh implements the connection lifecycle and message-dispatch
// engine of the encrypted group chat server: socket acceptance, the
// handshake state machine, per-connection key material, and
// decrypt-verify-reencrypt-broadcast fan-out.
package mesh

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/networkmesh/meshchat/crypto/identity"
	"github.com/networkmesh/meshchat/fault"
	"github.com/networkmesh/meshchat/framing/lineframe"
	"github.com/networkmesh/meshchat/observability"
	"github.com/networkmesh/meshchat/protocol"
	"github.com/networkmesh/meshchat/ratelimit"
	"github.com/networkmesh/meshchat/store"
)

const (
	serverUserID   = "server"
	serverUsername = "MeshServer"
)

// Config is the immutable runtime configuration of a mesh server.
type Config struct {
	Host string // Listen host.
	Port int    // Listen port.

	MaxConnections     int           // Max concurrent connections (authenticated or pending).
	ConnectionTimeout  time.Duration // Base for the idle sweep: connections idle beyond 2x are closed.
	HeartbeatInterval  time.Duration // Writer-idle interval; reader-idle is strictly 2x.
	WriteTimeout       time.Duration // Per-frame socket write deadline.
	MaxFrameBytes      int           // Max bytes per line frame, terminator included.
	OutboundQueueLen   int           // Bounded outbound queue depth per connection.
	RateLimitPerMinute int           // Token budget per rate-limit window.
	RateLimitWindow    time.Duration // Rate-limit window.
	SweepInterval      time.Duration // Idle sweep cadence.
	StatsInterval      time.Duration // Stats tick cadence.
	ServerVersion      string        // Version advertised in handshake responses.

	Logger   *zap.Logger                // Optional; nil disables logging.
	Observer observability.MeshObserver // Optional metrics observer.
}

// DefaultConfig returns conservative defaults for a mesh server.
func DefaultConfig() Config {
	return Config{
		Host:               "0.0.0.0",
		Port:               8080,
		MaxConnections:     512,
		ConnectionTimeout:  30 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		WriteTimeout:       10 * time.Second,
		MaxFrameBytes:      protocol.MaxFrameBytes,
		OutboundQueueLen:   256,
		RateLimitPerMinute: ratelimit.DefaultMaxRequests,
		RateLimitWindow:    ratelimit.DefaultWindow,
		SweepInterval:      60 * time.Second,
		StatsInterval:      30 * time.Second,
		ServerVersion:      "1.0.0",
		Observer:           observability.NoopMeshObserver,
	}
}

// Server accepts client connections, runs the handshake state machine per
// connection, and fans authenticated chat traffic out through the dispatcher.
type Server struct {
	cfg Config
	log *zap.Logger
	obs observability.MeshObserver

	key      *identity.Key
	users    store.UserStore
	messages store.MessageStore
	limiter  *ratelimit.Limiter
	disp     *dispatcher

	connCount atomic.Int64
	nextID    atomic.Uint64

	mu    sync.Mutex
	conns map[uint64]*conn

	ln       net.Listener
	handlers sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// Stats captures a snapshot of server counts.
type Stats struct {
	ConnCount     int64
	Authenticated int
}

// New validates config and assembles a server. Serve must be called to begin
// accepting connections.
func New(cfg Config, key *identity.Key, users store.UserStore, messages store.MessageStore) (*Server, error) {
	if key == nil {
		return nil, errors.New("missing server key")
	}
	if users == nil {
		return nil, errors.New("missing user store")
	}
	if messages == nil {
		return nil, errors.New("missing message store")
	}
	def := DefaultConfig()
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.Port <= 0 {
		cfg.Port = def.Port
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = def.ConnectionTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = def.MaxFrameBytes
	}
	if cfg.OutboundQueueLen <= 0 {
		cfg.OutboundQueueLen = def.OutboundQueueLen
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = def.RateLimitPerMinute
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = def.RateLimitWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = def.StatsInterval
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = def.ServerVersion
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Observer == nil {
		cfg.Observer = observability.NoopMeshObserver
	}
	s := &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		obs:      cfg.Observer,
		key:      key,
		users:    users,
		messages: messages,
		limiter:  ratelimit.New(cfg.RateLimitPerMinute, cfg.RateLimitWindow),
		conns:    make(map[uint64]*conn),
		stopCh:   make(chan struct{}),
	}
	s.disp = newDispatcher(s)
	// Session IDs historically started at 1000; keep connection IDs clear of
	// that range for log readability.
	s.nextID.Store(1000)
	return s, nil
}

// Addr returns the bound listen address once Serve or ListenAndServe has
// started.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stats returns a point-in-time view of connection counts.
func (s *Server) Stats() Stats {
	s.disp.mu.Lock()
	authed := len(s.disp.members)
	s.disp.mu.Unlock()
	return Stats{ConnCount: s.connCount.Load(), Authenticated: authed}
}

// ListenAndServe binds the configured host:port and serves until Shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the accept loop and background tasks on ln until Shutdown or a
// fatal accept error.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.ln = ln
	s.log.Info("listening", zap.String("addr", ln.Addr().String()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop(ctx, ln) })
	g.Go(func() error { s.backgroundLoop(ctx, "idle-sweep", s.cfg.SweepInterval, s.idleSweep); return nil })
	g.Go(func() error { s.backgroundLoop(ctx, "stats-tick", s.cfg.StatsInterval, s.statsTick); return nil })
	g.Go(func() error {
		s.backgroundLoop(ctx, "ratelimit-sweep", s.cfg.RateLimitWindow, func(ctx context.Context) {
			s.limiter.Sweep(time.Now())
		})
		return nil
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-s.stopCh:
		}
		_ = ln.Close()
		return nil
	})
	err := g.Wait()
	if s.isStopping() {
		return nil
	}
	return err
}

func (s *Server) isStopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.isStopping() || ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		go s.HandleConn(ctx, nc)
	}
}

// HandleConn runs one connection to completion. It is exported so transports
// other than the TCP acceptor (the WebSocket gateway) can feed connections
// into the same lifecycle.
func (s *Server) HandleConn(ctx context.Context, nc net.Conn) {
	n := s.connCount.Add(1)
	s.obs.ConnCount(n)
	if s.cfg.MaxConnections > 0 && n > int64(s.cfg.MaxConnections) {
		s.rejectOverCapacity(nc)
		n = s.connCount.Add(-1)
		s.obs.ConnCount(n)
		return
	}

	c := newConn(s, s.nextID.Add(1), nc)
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	s.handlers.Add(1)

	s.log.Debug("connection accepted",
		zap.Uint64("conn_id", c.id), zap.String("remote", c.remoteAddr))

	go c.writeLoop()
	c.readLoop(ctx)
}

// rejectOverCapacity answers the maxConnections+1-th connection with an ERROR
// envelope before any handshake is accepted, then closes the socket.
func (s *Server) rejectOverCapacity(nc net.Conn) {
	s.obs.Close(observability.CloseReasonMaxConnections)
	data, _ := protocol.EncodeData(&protocol.ErrorData{
		Code:    string(fault.CodeMaxConnections),
		Message: "server connection limit reached",
	})
	b, err := protocol.EncodeEnvelope(&protocol.Envelope{
		Type:      protocol.TypeError,
		SenderID:  serverUserID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err == nil {
		_ = nc.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		_ = lineframe.NewWriter(nc, s.cfg.MaxFrameBytes).WriteFrame(b)
	}
	_ = nc.Close()
}

// removeConn is called from a connection's terminal sequence.
func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	if s.conns[c.id] == c {
		delete(s.conns, c.id)
	}
	s.mu.Unlock()
	n := s.connCount.Add(-1)
	s.obs.ConnCount(n)
	s.handlers.Done()
}

// backgroundLoop drives fn on a fixed cadence, recovering panics so a failing
// background task is logged and restarted rather than killing the server.
func (s *Server) backgroundLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-t.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.log.Error("background task panicked",
							zap.String("task", name), zap.Any("panic", r))
					}
				}()
				fn(ctx)
			}()
		}
	}
}

// idleSweep closes connections whose last activity is older than twice the
// connection timeout.
func (s *Server) idleSweep(context.Context) {
	cutoff := time.Now().Add(-2 * s.cfg.ConnectionTimeout)
	var stale []*conn
	s.mu.Lock()
	for _, c := range s.conns {
		if c.lastActivity().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	s.mu.Unlock()
	for _, c := range stale {
		// userID is owned by the read goroutine during handshake, so the
		// sweeper identifies the connection by id only.
		s.log.Info("closing idle connection", zap.Uint64("conn_id", c.id))
		c.closeWith(observability.CloseReasonIdleSweep)
	}
}

// statsTick snapshots counters to the metrics observer.
func (s *Server) statsTick(ctx context.Context) {
	st := s.Stats()
	s.obs.ConnCount(st.ConnCount)
	s.obs.AuthenticatedCount(st.Authenticated)
	if n, err := s.users.Count(ctx); err == nil {
		s.obs.UserCount(n)
	}
}

// Shutdown stops accepting, closes every connection, and waits for handlers
// to drain, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.ln != nil {
		_ = s.ln.Close()
	}

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.closeWith(observability.CloseReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
