package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/mobedge/internal/util"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mobedge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadEmptyPathYieldsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultListen, cfg.Listen)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
listen: ":9090"
upstream:
  host: backend.internal
  port: 8081
rateLimit:
  enabled: true
  requestsPerSecond: 5
  burst: 10
  clientTTL: 5m
cache:
  enabled: true
  type: memory
  ttl: 30s
  staleWindow: 2m
  serveStaleOnFailure: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "backend.internal:8081", cfg.Upstream.Address())
	assert.Equal(t, 5, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 5*time.Minute, cfg.RateLimit.ClientTTL.Duration())
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL.Duration())
	assert.Equal(t, 2*time.Minute, cfg.Cache.StaleWindow.Duration())
	assert.True(t, cfg.Cache.ServeStaleOnFailure)

	// Untouched sections keep their defaults.
	assert.Equal(t, DefaultAPIPrefix, cfg.API.Prefix)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrConfigInvalid)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfigFile(t, "listen: [not a string")

	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrConfigInvalid)
}

func TestLoadInvalidDuration(t *testing.T) {
	path := writeConfigFile(t, `
cache:
  ttl: soon
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := writeConfigFile(t, `
upstream:
  host: backend.internal
  port: 0
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrConfigInvalid)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvListen, ":7070")
	t.Setenv(EnvUpstreamHost, "env.internal")
	t.Setenv(EnvUpstreamPort, "8181")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvRedisAddr, "redis.internal:6379")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Listen)
	assert.Equal(t, "env.internal:8181", cfg.Upstream.Address())
	assert.Equal(t, "debug", cfg.Observability.Logging.Level)
	assert.Equal(t, "redis.internal:6379", cfg.Cache.Redis.Addr)
}

func TestLoadEnvIgnoresBadPort(t *testing.T) {
	t.Setenv(EnvUpstreamPort, "not-a-port")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Upstream.Port)
}
