package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meshd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 512, cfg.MaxConnections)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval.Std())
	assert.Equal(t, 256, cfg.BufferSize)
	assert.Equal(t, 60, cfg.RateLimitPerMinute)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadYAMLFile(t *testing.T) {
	path := writeConfig(t, `
host: 127.0.0.1
port: 9000
maxConnections: 32
heartbeatInterval: 5s
connectionTimeout: 45
rateLimitPerMinute: 10
wsAllowedOrigins:
  - https://chat.example.com
  - "*.example.org"
logLevel: debug
logFormat: console
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 32, cfg.MaxConnections)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval.Std())
	// Bare integers are seconds.
	assert.Equal(t, 45*time.Second, cfg.ConnectionTimeout.Std())
	assert.Equal(t, 10, cfg.RateLimitPerMinute)
	assert.Equal(t, []string{"https://chat.example.com", "*.example.org"}, cfg.WSAllowedOrigins)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "port: 9000\nheartbeatInterval: 5s\n")
	t.Setenv("MESH_PORT", "9100")
	t.Setenv("MESH_HEARTBEAT_INTERVAL", "15s")
	t.Setenv("MESH_CONNECTION_TIMEOUT", "90")
	t.Setenv("MESH_WS_ALLOWED_ORIGINS", "a.example.com, b.example.com")
	t.Setenv("MESH_WS_ALLOW_NO_ORIGIN", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval.Std())
	assert.Equal(t, 90*time.Second, cfg.ConnectionTimeout.Std())
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, cfg.WSAllowedOrigins)
	assert.True(t, cfg.WSAllowNoOrigin)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("MESH_PORT", "not-a-number")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Port = 0 }},
		{"port too high", func(c *Config) { c.Port = 70000 }},
		{"no connections", func(c *Config) { c.MaxConnections = 0 }},
		{"no frame budget", func(c *Config) { c.MaxFrameBytes = 0 }},
		{"no rate budget", func(c *Config) { c.RateLimitPerMinute = 0 }},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	good := Default()
	assert.NoError(t, good.Validate())
}

func TestMeshConfigMapping(t *testing.T) {
	cfg := Default()
	cfg.Host = "10.0.0.1"
	cfg.Port = 9001
	cfg.BufferSize = 64
	cfg.RateLimitPerMinute = 7

	m := cfg.MeshConfig()
	assert.Equal(t, "10.0.0.1", m.Host)
	assert.Equal(t, 9001, m.Port)
	assert.Equal(t, 64, m.OutboundQueueLen)
	assert.Equal(t, 7, m.RateLimitPerMinute)
	assert.Equal(t, cfg.HeartbeatInterval.Std(), m.HeartbeatInterval)
}
