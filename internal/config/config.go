// Package config defines the edge proxy configuration surface.
//
// The configuration is loaded once at startup, validated, and passed
// explicitly into each component constructor. No component reads ambient
// global configuration; the only mutable path after startup is the
// limit hot-reload driven by the file watcher.
package config

import (
	"fmt"
	"time"

	"github.com/vyrodovalexey/mobedge/internal/util"
)

// Default values applied by Default() and by validation fallbacks.
const (
	DefaultListen                = ":8080"
	DefaultAPIPrefix             = "/api/"
	DefaultRequestsPerSecond     = 50
	DefaultBurst                 = 100
	DefaultSensitiveRPS          = 2
	DefaultSensitiveBurst        = 5
	DefaultMaxConnsPerClient     = 20
	DefaultClientTTL             = 10 * time.Minute
	DefaultCacheTTL              = 60 * time.Second
	DefaultCacheMaxEntries       = 10000
	DefaultCacheMaxBytes         = 64 << 20 // 64MB
	DefaultMaxBodyBytes          = 10 << 20 // 10MB
	DefaultHeaderTimeout         = 10 * time.Second
	DefaultReadTimeout           = 30 * time.Second
	DefaultWriteTimeout          = 30 * time.Second
	DefaultIdleTimeout           = 120 * time.Second
	DefaultUpgradeIdleTimeout    = 1 * time.Hour
	DefaultBreakerThreshold      = 5
	DefaultBreakerCooldown       = 30 * time.Second
	DefaultResponseHeaderTimeout = 30 * time.Second
)

// Cache backend types.
const (
	CacheTypeMemory = "memory"
	CacheTypeRedis  = "redis"
)

// Config is the root configuration for the edge proxy.
type Config struct {
	Listen          string                `yaml:"listen"`
	TrustedProxies  []string              `yaml:"trustedProxies"`
	Upstream        UpstreamConfig        `yaml:"upstream"`
	API             APIConfig             `yaml:"api"`
	RateLimit       RateLimitConfig       `yaml:"rateLimit"`
	ConnectionLimit ConnectionLimitConfig `yaml:"connectionLimit"`
	Cache           CacheConfig           `yaml:"cache"`
	Limits          LimitsConfig          `yaml:"limits"`
	Filter          FilterConfig          `yaml:"filter"`
	CORS            CORSConfig            `yaml:"cors"`
	Security        SecurityConfig        `yaml:"security"`
	Observability   ObservabilityConfig   `yaml:"observability"`
}

// UpstreamConfig describes the single upstream API gateway.
type UpstreamConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	Pool           PoolConfig           `yaml:"pool"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
}

// Address returns the host:port address of the upstream.
func (u UpstreamConfig) Address() string {
	return fmt.Sprintf("%s:%d", u.Host, u.Port)
}

// PoolConfig contains connection pool settings for the upstream transport.
type PoolConfig struct {
	MaxIdleConns          int      `yaml:"maxIdleConns"`
	MaxIdleConnsPerHost   int      `yaml:"maxIdleConnsPerHost"`
	MaxConnsPerHost       int      `yaml:"maxConnsPerHost"`
	IdleConnTimeout       Duration `yaml:"idleConnTimeout"`
	ResponseHeaderTimeout Duration `yaml:"responseHeaderTimeout"`
}

// CircuitBreakerConfig controls upstream failure isolation.
type CircuitBreakerConfig struct {
	Enabled bool `yaml:"enabled"`

	// Threshold is the number of consecutive failures that opens the circuit.
	Threshold int `yaml:"threshold"`

	// Cooldown is how long the circuit stays open before probing again.
	Cooldown Duration `yaml:"cooldown"`
}

// APIConfig describes the forwardable API surface.
type APIConfig struct {
	// Prefix is the only path prefix that is proxied to the upstream.
	Prefix string `yaml:"prefix"`
}

// RateLimitConfig configures per-client token buckets.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerSecond int  `yaml:"requestsPerSecond"`
	Burst             int  `yaml:"burst"`

	// Sensitive applies a second, stricter bucket to the listed path
	// prefixes (typically long-lived streaming upgrade endpoints).
	Sensitive SensitiveRateConfig `yaml:"sensitive"`

	// ClientTTL is how long an idle client's bucket state is retained.
	ClientTTL Duration `yaml:"clientTTL"`
}

// SensitiveRateConfig is the stricter bucket for sensitive paths.
type SensitiveRateConfig struct {
	RequestsPerSecond int      `yaml:"requestsPerSecond"`
	Burst             int      `yaml:"burst"`
	Paths             []string `yaml:"paths"`
}

// ConnectionLimitConfig caps simultaneous open connections per client.
type ConnectionLimitConfig struct {
	Enabled      bool `yaml:"enabled"`
	MaxPerClient int  `yaml:"maxPerClient"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Type       string   `yaml:"type"`
	TTL        Duration `yaml:"ttl"`
	MaxEntries int      `yaml:"maxEntries"`
	MaxBytes   int64    `yaml:"maxBytes"`

	// CacheableStatus is the set of upstream status codes eligible for
	// storage. Empty means the default set.
	CacheableStatus []int `yaml:"cacheableStatus"`

	// StaleWindow is how long past expiry an entry is retained for
	// stale serving. Zero disables retention past the TTL.
	StaleWindow Duration `yaml:"staleWindow"`

	// ServeStaleOnFailure serves a recently-expired entry when the
	// upstream fetch fails, if one is available.
	ServeStaleOnFailure bool `yaml:"serveStaleOnFailure"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the optional shared cache backend.
type RedisConfig struct {
	Addr      string   `yaml:"addr"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	KeyPrefix string   `yaml:"keyPrefix"`
	Timeout   Duration `yaml:"timeout"`
}

// GetCacheableStatus returns the configured cacheable status set or the
// default set.
func (c CacheConfig) GetCacheableStatus() []int {
	if len(c.CacheableStatus) > 0 {
		return c.CacheableStatus
	}
	return []int{200, 203, 300, 301, 410}
}

// LimitsConfig bounds request sizes and connection phases.
type LimitsConfig struct {
	MaxBodyBytes       int64    `yaml:"maxBodyBytes"`
	HeaderTimeout      Duration `yaml:"headerTimeout"`
	ReadTimeout        Duration `yaml:"readTimeout"`
	WriteTimeout       Duration `yaml:"writeTimeout"`
	IdleTimeout        Duration `yaml:"idleTimeout"`
	UpgradeIdleTimeout Duration `yaml:"upgradeIdleTimeout"`
}

// FilterConfig lists denied path patterns layered on top of the
// API-prefix allow list.
type FilterConfig struct {
	DeniedPatterns []string `yaml:"deniedPatterns"`
}

// GetDeniedPatterns returns the configured deny patterns or the default
// protective set.
func (f FilterConfig) GetDeniedPatterns() []string {
	if len(f.DeniedPatterns) > 0 {
		return f.DeniedPatterns
	}
	return []string{
		"/.git", "/.svn", "/.hg",
		"/.env", "/.npmrc", "/.htpasswd", "/.htaccess",
		"/.aws", "/.ssh", "/id_rsa",
		"/wp-config.php", "/credentials",
	}
}

// CORSConfig configures cross-origin headers added to every response.
type CORSConfig struct {
	AllowOrigins []string `yaml:"allowOrigins"`
	AllowMethods []string `yaml:"allowMethods"`
	AllowHeaders []string `yaml:"allowHeaders"`
	MaxAge       int      `yaml:"maxAge"`
}

// SecurityConfig configures the fixed security header set and the
// identity headers stripped from upstream responses.
type SecurityConfig struct {
	FrameOptions       string   `yaml:"frameOptions"`
	ContentTypeOptions string   `yaml:"contentTypeOptions"`
	XSSProtection      string   `yaml:"xssProtection"`
	ReferrerPolicy     string   `yaml:"referrerPolicy"`
	RemoveHeaders      []string `yaml:"removeHeaders"`
}

// GetRemoveHeaders returns the headers stripped from outbound responses.
func (s SecurityConfig) GetRemoveHeaders() []string {
	if len(s.RemoveHeaders) > 0 {
		return s.RemoveHeaders
	}
	return []string{"Server", "X-Powered-By", "X-AspNet-Version"}
}

// ObservabilityConfig groups logging, metrics and tracing settings.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig configures Prometheus exposition.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"serviceName"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{
		Listen: DefaultListen,
		Upstream: UpstreamConfig{
			Host: "127.0.0.1",
			Port: 9000,
			Pool: PoolConfig{
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				MaxConnsPerHost:       100,
				IdleConnTimeout:       Duration(90 * time.Second),
				ResponseHeaderTimeout: Duration(DefaultResponseHeaderTimeout),
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:   true,
				Threshold: DefaultBreakerThreshold,
				Cooldown:  Duration(DefaultBreakerCooldown),
			},
		},
		API: APIConfig{Prefix: DefaultAPIPrefix},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: DefaultRequestsPerSecond,
			Burst:             DefaultBurst,
			Sensitive: SensitiveRateConfig{
				RequestsPerSecond: DefaultSensitiveRPS,
				Burst:             DefaultSensitiveBurst,
			},
			ClientTTL: Duration(DefaultClientTTL),
		},
		ConnectionLimit: ConnectionLimitConfig{
			Enabled:      true,
			MaxPerClient: DefaultMaxConnsPerClient,
		},
		Cache: CacheConfig{
			Enabled:    true,
			Type:       CacheTypeMemory,
			TTL:        Duration(DefaultCacheTTL),
			MaxEntries: DefaultCacheMaxEntries,
			MaxBytes:   DefaultCacheMaxBytes,
		},
		Limits: LimitsConfig{
			MaxBodyBytes:       DefaultMaxBodyBytes,
			HeaderTimeout:      Duration(DefaultHeaderTimeout),
			ReadTimeout:        Duration(DefaultReadTimeout),
			WriteTimeout:       Duration(DefaultWriteTimeout),
			IdleTimeout:        Duration(DefaultIdleTimeout),
			UpgradeIdleTimeout: Duration(DefaultUpgradeIdleTimeout),
		},
		CORS: CORSConfig{
			AllowOrigins: []string{"*"},
			AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
			AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
			MaxAge:       86400,
		},
		Security: SecurityConfig{
			FrameOptions:       "DENY",
			ContentTypeOptions: "nosniff",
			XSSProtection:      "1; mode=block",
			ReferrerPolicy:     "no-referrer",
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
			Metrics: MetricsConfig{Enabled: true, Path: "/metrics", Namespace: "mobedge"},
			Tracing: TracingConfig{ServiceName: "mobedge", SamplingRate: 1.0},
		},
	}
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return util.NewConfigError("listen", "listen address must not be empty")
	}
	if c.Upstream.Host == "" {
		return util.NewConfigError("upstream.host", "upstream host must not be empty")
	}
	if c.Upstream.Port <= 0 || c.Upstream.Port > 65535 {
		return util.NewConfigError("upstream.port",
			fmt.Sprintf("port %d out of range", c.Upstream.Port))
	}
	if c.API.Prefix == "" || c.API.Prefix[0] != '/' {
		return util.NewConfigError("api.prefix", "prefix must start with /")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			return util.NewConfigError("rateLimit.requestsPerSecond", "must be positive")
		}
		if c.RateLimit.Burst <= 0 {
			return util.NewConfigError("rateLimit.burst", "must be positive")
		}
	}
	if c.ConnectionLimit.Enabled && c.ConnectionLimit.MaxPerClient <= 0 {
		return util.NewConfigError("connectionLimit.maxPerClient", "must be positive")
	}
	if c.Cache.Enabled {
		switch c.Cache.Type {
		case CacheTypeMemory, CacheTypeRedis, "":
		default:
			return util.NewConfigError("cache.type",
				fmt.Sprintf("unknown cache type %q", c.Cache.Type))
		}
		if c.Cache.Type == CacheTypeRedis && c.Cache.Redis.Addr == "" {
			return util.NewConfigError("cache.redis.addr", "required for redis cache")
		}
		if c.Cache.TTL.Duration() <= 0 {
			return util.NewConfigError("cache.ttl", "must be positive when cache is enabled")
		}
	}
	if c.Limits.MaxBodyBytes <= 0 {
		return util.NewConfigError("limits.maxBodyBytes", "must be positive")
	}
	if c.Upstream.CircuitBreaker.Enabled && c.Upstream.CircuitBreaker.Threshold <= 0 {
		return util.NewConfigError("upstream.circuitBreaker.threshold", "must be positive")
	}
	return nil
}
