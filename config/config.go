// Package config loads meshd's runtime configuration. Precedence, lowest to
// highest: built-in defaults, an optional YAML file, then MESH_* environment
// variables. A .env file in the working directory is folded into the
// environment before lookup. Command-line flags are layered on top by the
// binary itself.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/networkmesh/meshchat/mesh"
	"github.com/networkmesh/meshchat/protocol"
)

// Duration is a time.Duration that unmarshals from YAML either as Go duration
// syntax ("45s", "2m") or as a bare integer meaning seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	if v, err := strconv.Atoi(s); err == nil {
		*d = Duration(time.Duration(v) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Config is the full operator surface of meshd.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	MaxConnections     int      `yaml:"maxConnections"`
	ConnectionTimeout  Duration `yaml:"connectionTimeout"`
	HeartbeatInterval  Duration `yaml:"heartbeatInterval"`
	WriteTimeout       Duration `yaml:"writeTimeout"`
	BufferSize         int      `yaml:"bufferSize"` // outbound queue depth per connection
	WorkerThreads      int      `yaml:"workerThreads"`
	RateLimitPerMinute int      `yaml:"rateLimitPerMinute"`
	RateLimitWindow    Duration `yaml:"rateLimitWindow"`
	MaxFrameBytes      int      `yaml:"maxFrameBytes"`

	KeyFile     string `yaml:"keyFile"`
	DatabaseURL string `yaml:"databaseUrl"` // empty selects the in-memory stores

	MetricsAddr string `yaml:"metricsAddr"` // empty disables the metrics endpoint

	WSAddr           string   `yaml:"wsAddr"` // empty disables the WebSocket gateway
	WSAllowedOrigins []string `yaml:"wsAllowedOrigins"`
	WSAllowNoOrigin  bool     `yaml:"wsAllowNoOrigin"`

	LogLevel  string `yaml:"logLevel"`  // debug, info, warn, error
	LogFormat string `yaml:"logFormat"` // json or console
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Host:               "0.0.0.0",
		Port:               8080,
		MaxConnections:     512,
		ConnectionTimeout:  Duration(30 * time.Second),
		HeartbeatInterval:  Duration(30 * time.Second),
		WriteTimeout:       Duration(10 * time.Second),
		BufferSize:         256,
		WorkerThreads:      0, // 0 leaves the runtime default
		RateLimitPerMinute: 60,
		RateLimitWindow:    Duration(time.Minute),
		MaxFrameBytes:      protocol.MaxFrameBytes,
		KeyFile:            "meshd_key.pem",
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

// Load builds the effective configuration. path names an optional YAML file;
// empty means defaults plus environment only.
func Load(path string) (Config, error) {
	// Fold a local .env into the process environment; absence is normal.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("maxConnections must be positive: %d", c.MaxConnections)
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("maxFrameBytes must be positive: %d", c.MaxFrameBytes)
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("rateLimitPerMinute must be positive: %d", c.RateLimitPerMinute)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logLevel %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("unknown logFormat %q", c.LogFormat)
	}
	return nil
}

// MeshConfig maps the operator surface onto the engine's configuration.
// Logger and Observer are wired by the binary.
func (c *Config) MeshConfig() mesh.Config {
	return mesh.Config{
		Host:               c.Host,
		Port:               c.Port,
		MaxConnections:     c.MaxConnections,
		ConnectionTimeout:  c.ConnectionTimeout.Std(),
		HeartbeatInterval:  c.HeartbeatInterval.Std(),
		WriteTimeout:       c.WriteTimeout.Std(),
		MaxFrameBytes:      c.MaxFrameBytes,
		OutboundQueueLen:   c.BufferSize,
		RateLimitPerMinute: c.RateLimitPerMinute,
		RateLimitWindow:    c.RateLimitWindow.Std(),
	}
}

func (c *Config) applyEnv() error {
	var err error
	setStr(&c.Host, "MESH_HOST")
	err = firstErr(err, setInt(&c.Port, "MESH_PORT"))
	err = firstErr(err, setInt(&c.MaxConnections, "MESH_MAX_CONNECTIONS"))
	err = firstErr(err, setDur(&c.ConnectionTimeout, "MESH_CONNECTION_TIMEOUT"))
	err = firstErr(err, setDur(&c.HeartbeatInterval, "MESH_HEARTBEAT_INTERVAL"))
	err = firstErr(err, setDur(&c.WriteTimeout, "MESH_WRITE_TIMEOUT"))
	err = firstErr(err, setInt(&c.BufferSize, "MESH_BUFFER_SIZE"))
	err = firstErr(err, setInt(&c.WorkerThreads, "MESH_WORKER_THREADS"))
	err = firstErr(err, setInt(&c.RateLimitPerMinute, "MESH_RATE_LIMIT_PER_MINUTE"))
	err = firstErr(err, setDur(&c.RateLimitWindow, "MESH_RATE_LIMIT_WINDOW"))
	setStr(&c.KeyFile, "MESH_KEY_FILE")
	setStr(&c.DatabaseURL, "MESH_DATABASE_URL")
	setStr(&c.MetricsAddr, "MESH_METRICS_ADDR")
	setStr(&c.WSAddr, "MESH_WS_ADDR")
	setList(&c.WSAllowedOrigins, "MESH_WS_ALLOWED_ORIGINS")
	err = firstErr(err, setBool(&c.WSAllowNoOrigin, "MESH_WS_ALLOW_NO_ORIGIN"))
	setStr(&c.LogLevel, "MESH_LOG_LEVEL")
	setStr(&c.LogFormat, "MESH_LOG_FORMAT")
	return err
}

func firstErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}

func setStr(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

// setDur accepts Go duration syntax ("45s", "2m") and, for compatibility with
// older deployments, bare integers interpreted as seconds.
func setDur(dst *Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = Duration(time.Duration(n) * time.Second)
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = Duration(d)
	return nil
}

func setList(dst *[]string, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}
