// Package upstream forwards mediated requests to the backend API
// gateway over a pooled transport, with circuit breaking and WebSocket
// relay.
package upstream

import (
	"net"
	"net/http"
	"time"

	"github.com/vyrodovalexey/mobedge/internal/config"
)

// Dialer defaults for the upstream transport.
const (
	defaultDialTimeout = 10 * time.Second
	defaultKeepAlive   = 30 * time.Second
)

// NewTransport builds the pooled HTTP transport used for all plain
// requests to the upstream.
func NewTransport(cfg config.PoolConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   defaultDialTimeout,
		KeepAlive: defaultKeepAlive,
	}

	responseHeaderTimeout := cfg.ResponseHeaderTimeout.Duration()
	if responseHeaderTimeout <= 0 {
		responseHeaderTimeout = config.DefaultResponseHeaderTimeout
	}

	idleConnTimeout := cfg.IdleConnTimeout.Duration()
	if idleConnTimeout <= 0 {
		idleConnTimeout = 90 * time.Second
	}

	return &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       idleConnTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
		ForceAttemptHTTP2:     true,
	}
}
