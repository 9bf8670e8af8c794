// Command meshd runs the encrypted group chat server: TCP listener, optional
// WebSocket gateway, optional Prometheus metrics endpoint.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/networkmesh/meshchat/config"
	"github.com/networkmesh/meshchat/crypto/identity"
	"github.com/networkmesh/meshchat/internal/version"
	"github.com/networkmesh/meshchat/mesh"
	"github.com/networkmesh/meshchat/observability"
	"github.com/networkmesh/meshchat/observability/prom"
	"github.com/networkmesh/meshchat/realtime/ws"
	"github.com/networkmesh/meshchat/store"
	"github.com/networkmesh/meshchat/store/memstore"
	"github.com/networkmesh/meshchat/store/postgres"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

type switchHandler struct {
	mu      sync.RWMutex
	handler http.Handler
}

func newSwitchHandler() *switchHandler {
	return &switchHandler{handler: http.NotFoundHandler()}
}

func (h *switchHandler) Set(next http.Handler) {
	if next == nil {
		next = http.NotFoundHandler()
	}
	h.mu.Lock()
	h.handler = next
	h.mu.Unlock()
}

func (h *switchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	handler.ServeHTTP(w, r)
}

// metricsController toggles the Prometheus collector at runtime (SIGUSR1 and
// SIGUSR2 on Unix). Disabling swaps the noop observer back in so the hot path
// pays nothing.
type metricsController struct {
	mu       sync.Mutex
	enabled  bool
	handler  *switchHandler
	observer *observability.AtomicMeshObserver
	srv      *mesh.Server
}

func newMetricsController(handler *switchHandler, observer *observability.AtomicMeshObserver, srv *mesh.Server) *metricsController {
	return &metricsController{handler: handler, observer: observer, srv: srv}
}

func (c *metricsController) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return
	}
	reg := prom.NewRegistry()
	obs := prom.NewMeshObserver(reg)
	c.handler.Set(prom.Handler(reg))
	c.observer.Set(obs)
	stats := c.srv.Stats()
	obs.ConnCount(stats.ConnCount)
	obs.AuthenticatedCount(stats.Authenticated)
	c.enabled = true
}

func (c *metricsController) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.handler.Set(nil)
	c.observer.Set(observability.NoopMeshObserver)
	c.enabled = false
}

type ready struct {
	Version     string `json:"version"`
	Commit      string `json:"commit"`
	Date        string `json:"date"`
	Listen      string `json:"listen"`
	MetricsURL  string `json:"metrics_url,omitempty"`
	WSURL       string `json:"ws_url,omitempty"`
	DatabaseSet bool   `json:"database_set"`
}

func newLogger(level string, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.Set(level); err != nil {
		return nil, err
	}
	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("meshd", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		showVersion bool
		configPath  string

		host               string
		port               int
		maxConnections     int
		rateLimitPerMinute int
		keyFile            string
		databaseURL        string
		metricsListen      string
		wsListen           string
		logLevel           string
		logFormat          string
	)
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&configPath, "config", "", "path to YAML config file (optional)")
	fs.StringVar(&host, "host", "", "listen host (env: MESH_HOST)")
	fs.IntVar(&port, "port", 0, "listen port (env: MESH_PORT)")
	fs.IntVar(&maxConnections, "max-connections", 0, "max concurrent connections (env: MESH_MAX_CONNECTIONS)")
	fs.IntVar(&rateLimitPerMinute, "rate-limit-per-minute", 0, "per-user and per-IP message budget (env: MESH_RATE_LIMIT_PER_MINUTE)")
	fs.StringVar(&keyFile, "key-file", "", "server RSA key file, generated if absent (env: MESH_KEY_FILE)")
	fs.StringVar(&databaseURL, "database-url", "", "postgres DSN; empty uses in-memory stores (env: MESH_DATABASE_URL)")
	fs.StringVar(&metricsListen, "metrics-listen", "", "metrics listen address, empty disables (env: MESH_METRICS_ADDR)")
	fs.StringVar(&wsListen, "ws-listen", "", "websocket gateway listen address, empty disables (env: MESH_WS_ADDR)")
	fs.StringVar(&logLevel, "log-level", "", "debug, info, warn, or error (env: MESH_LOG_LEVEL)")
	fs.StringVar(&logFormat, "log-format", "", "json or console (env: MESH_LOG_FORMAT)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printSignalHelp(stderr)
			return 0
		}
		return 2
	}
	if showVersion {
		fmt.Fprintln(stdout, version.String(buildVersion, buildCommit, buildDate))
		return 0
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	// Flags that were explicitly set win over file and environment.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = host
		case "port":
			cfg.Port = port
		case "max-connections":
			cfg.MaxConnections = maxConnections
		case "rate-limit-per-minute":
			cfg.RateLimitPerMinute = rateLimitPerMinute
		case "key-file":
			cfg.KeyFile = keyFile
		case "database-url":
			cfg.DatabaseURL = databaseURL
		case "metrics-listen":
			cfg.MetricsAddr = metricsListen
		case "ws-listen":
			cfg.WSAddr = wsListen
		case "log-level":
			cfg.LogLevel = logLevel
		case "log-format":
			cfg.LogFormat = logFormat
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if cfg.WorkerThreads > 0 {
		runtime.GOMAXPROCS(cfg.WorkerThreads)
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	key, err := identity.LoadOrGenerate(cfg.KeyFile)
	if err != nil {
		logger.Error("load server key", zap.Error(err))
		return 1
	}

	var users store.UserStore
	var messages store.MessageStore
	if cfg.DatabaseURL != "" {
		u, m, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("open database", zap.Error(err))
			return 1
		}
		users, messages = u, m
	} else {
		users, messages = memstore.NewUsers(), memstore.NewMessages()
	}
	defer func() {
		_ = users.Close(ctx)
		_ = messages.Close(ctx)
	}()

	observer := observability.NewAtomicMeshObserver()
	mcfg := cfg.MeshConfig()
	mcfg.Logger = logger.Named("mesh")
	mcfg.Observer = observer
	mcfg.ServerVersion = version.Number(buildVersion)

	srv, err := mesh.New(mcfg, key, users, messages)
	if err != nil {
		logger.Error("assemble server", zap.Error(err))
		return 1
	}

	var metrics *metricsController
	var metricsSrv *http.Server
	var metricsLn net.Listener
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		handler := newSwitchHandler()
		mux.Handle("/metrics", handler)
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
		})
		metrics = newMetricsController(handler, observer, srv)
		metrics.Enable()

		metricsLn, err = net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			logger.Error("metrics listen", zap.Error(err))
			return 1
		}
		metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsSrv.Serve(metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}

	var wsSrv *http.Server
	var wsLn net.Listener
	if cfg.WSAddr != "" {
		wsLn, err = net.Listen("tcp", cfg.WSAddr)
		if err != nil {
			logger.Error("websocket listen", zap.Error(err))
			return 1
		}
		mux := http.NewServeMux()
		mux.Handle("/ws", ws.NewGatewayHandler(srv, ws.GatewayOptions{
			AllowedOrigins: cfg.WSAllowedOrigins,
			AllowNoOrigin:  cfg.WSAllowNoOrigin,
		}))
		wsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := wsSrv.Serve(wsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("websocket server", zap.Error(err))
			}
		}()
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)))
	if err != nil {
		logger.Error("listen", zap.Error(err))
		return 1
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx, ln) }()

	out := ready{
		Version:     buildVersion,
		Commit:      buildCommit,
		Date:        buildDate,
		Listen:      ln.Addr().String(),
		DatabaseSet: cfg.DatabaseURL != "",
	}
	if metricsLn != nil {
		out.MetricsURL = "http://" + metricsLn.Addr().String() + "/metrics"
	}
	if wsLn != nil {
		out.WSURL = "ws://" + wsLn.Addr().String() + "/ws"
	}
	_ = json.NewEncoder(stdout).Encode(out)

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, notifySignals()...)

	for {
		select {
		case err := <-serveErr:
			if err != nil {
				logger.Error("serve", zap.Error(err))
				return 1
			}
			return 0
		case s := <-sig:
			if handleSignal(s, logger, srv, metrics) {
				continue
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := srv.Shutdown(shutdownCtx)
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(shutdownCtx)
			}
			if wsSrv != nil {
				_ = wsSrv.Shutdown(shutdownCtx)
			}
			cancel()
			if err != nil {
				logger.Warn("shutdown incomplete", zap.Error(err))
			}
			return 0
		}
	}
}
