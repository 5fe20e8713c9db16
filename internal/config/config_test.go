package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "courier.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "redis", cfg.Cache.Type)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Queue.RetryBase)
	assert.Equal(t, 5, cfg.Queue.ImmediateConcurrency)
	assert.Equal(t, 3, cfg.Queue.ScheduledConcurrency)
	assert.Equal(t, 10, cfg.Queue.BulkConcurrency)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
[server]
listen = ":9090"

[cache]
type = "memory"

[queue]
max_attempts = 3
bulk_concurrency = 20
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, "memory", cfg.Cache.Type)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 20, cfg.Queue.BulkConcurrency)
	// untouched values keep their defaults
	assert.Equal(t, 5, cfg.Queue.ImmediateConcurrency)
	assert.Equal(t, 90*time.Second, cfg.Queue.LockDuration)
}

func TestLoadConfigMissingExplicitPath(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.conf"))
	assert.Error(t, err)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `
[server]
listen = ":9090"
`)
	t.Setenv("COURIER_LISTEN", ":7070")
	t.Setenv("COURIER_CACHE_HOST", "cache.internal")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Listen)
	assert.Equal(t, "cache.internal", cfg.Cache.Host)
}

func TestRateLimitCacheSection(t *testing.T) {
	path := writeConfig(t, `
[ratelimit_cache]
type = "memcached"
host = "mc.internal"
port = 11211
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	// memcached is valid for the rate limiter even though the queue
	// cache rejects it
	assert.Equal(t, "memcached", cfg.RateLimitCache.Type)
	assert.Equal(t, "mc.internal", cfg.RateLimitCache.Host)
	assert.Equal(t, 11211, cfg.RateLimitCache.Port)
	assert.Equal(t, "redis", cfg.Cache.Type)
}

func TestRateLimitCacheDefaultsToShared(t *testing.T) {
	cfg := DefaultConfig()
	assert.Empty(t, cfg.RateLimitCache.Type)
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"memcached queue backend", func(c *Config) { c.Cache.Type = "memcached" }},
		{"unknown cache type", func(c *Config) { c.Cache.Type = "riak" }},
		{"unknown rate-limit cache type", func(c *Config) { c.RateLimitCache.Type = "riak" }},
		{"zero attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }},
		{"zero concurrency", func(c *Config) { c.Queue.BulkConcurrency = 0 }},
		{"empty listen", func(c *Config) { c.Server.Listen = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
