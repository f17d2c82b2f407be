package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8787", cfg.HTTP.Addr)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "sse_events", cfg.Redis.Channel)
	assert.True(t, cfg.Stream.Enabled)
	assert.Empty(t, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, 100, cfg.Stream.BufferSize)
	assert.Equal(t, 30*time.Second, cfg.Stream.HeartbeatInterval)
	assert.Equal(t, 5*time.Minute, cfg.Stream.ConnectionTimeout)
	assert.Equal(t, time.Minute, cfg.Stream.CleanupInterval)
	assert.Equal(t, time.Hour, cfg.Stream.BufferTTL)
	assert.Equal(t, 60*time.Second, cfg.Render.SyncTimeout)
	assert.Equal(t, 2*time.Second, cfg.Render.PollInterval)
	assert.Equal(t, "renders", cfg.Queue.Name)
	assert.False(t, cfg.Auth.DevMode)
	assert.False(t, cfg.Debug)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("RB_HTTP_ADDR", ":9999")
	t.Setenv("RB_API_KEYS", "k1,k2")
	t.Setenv("RB_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("RB_AUTH_DEV_MODE", "true")
	t.Setenv("RB_SSE_ENABLED", "false")
	t.Setenv("RB_ALLOWED_ORIGINS", "https://app.example.com,https://admin.example.com")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Auth.APIKeys)
	assert.Equal(t, 5*time.Second, cfg.Stream.HeartbeatInterval)
	assert.True(t, cfg.Auth.DevMode)
	assert.False(t, cfg.Stream.Enabled)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.HTTP.AllowedOrigins)
}

func TestLoadFromFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  addr: \":7000\"\nredis:\n  addr: \"redis:6379\"\n"), 0o600))
	t.Setenv("RB_REDIS_ADDR", "override:6379")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.HTTP.Addr)
	assert.Equal(t, "override:6379", cfg.Redis.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	require.Error(t, err)
}
