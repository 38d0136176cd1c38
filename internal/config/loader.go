package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/vyrodovalexey/mobedge/internal/util"
)

// Environment variable overrides applied after file loading.
const (
	EnvListen       = "MOBEDGE_LISTEN"
	EnvUpstreamHost = "MOBEDGE_UPSTREAM_HOST"
	EnvUpstreamPort = "MOBEDGE_UPSTREAM_PORT"
	EnvLogLevel     = "MOBEDGE_LOG_LEVEL"
	EnvRedisAddr    = "MOBEDGE_REDIS_ADDR"
)

// Load reads the configuration file at path, applies environment
// overrides, and validates the result. An empty path yields the default
// configuration (plus overrides).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
		if err != nil {
			return nil, util.NewConfigErrorWithCause("", "failed to read config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, util.NewConfigErrorWithCause("", "failed to parse config file", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvListen); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv(EnvUpstreamHost); v != "" {
		cfg.Upstream.Host = v
	}
	if v := os.Getenv(EnvUpstreamPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Upstream.Port = port
		}
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		cfg.Cache.Redis.Addr = v
	}
}

// MustLoad is like Load but panics on error. Intended for tests.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return cfg
}
