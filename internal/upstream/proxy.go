package upstream

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/mobedge/internal/config"
	"github.com/vyrodovalexey/mobedge/internal/filter"
	"github.com/vyrodovalexey/mobedge/internal/observability"
	"github.com/vyrodovalexey/mobedge/internal/util"
)

// Error response bodies.
const (
	errBadGateway         = `{"error":"bad gateway"}`
	errGatewayTimeout     = `{"error":"gateway timeout"}`
	errServiceUnavailable = `{"error":"service unavailable","message":"circuit breaker open"}`
	errRequestTooLarge    = `{"error":"request entity too large"}`
)

// Proxy forwards requests to the single configured upstream. Plain
// requests go through a reverse proxy guarded by the circuit breaker;
// WebSocket upgrades are relayed directly and bypass the breaker, since
// a long session holding the breaker shut would say nothing about
// current upstream health.
type Proxy struct {
	target  *url.URL
	rp      *httputil.ReverseProxy
	breaker *Breaker
	ws      *websocketRelay
	metrics *observability.Metrics
	logger  observability.Logger
}

// NewProxy creates the upstream forwarder from configuration.
func NewProxy(
	cfg *config.Config,
	metrics *observability.Metrics,
	logger observability.Logger,
) *Proxy {
	target := &url.URL{Scheme: "http", Host: cfg.Upstream.Address()}

	p := &Proxy{
		target:  target,
		breaker: NewBreaker(cfg.Upstream.CircuitBreaker, metrics, logger),
		metrics: metrics,
		logger:  logger,
	}

	p.rp = &httputil.ReverseProxy{
		Director:  p.direct,
		Transport: NewTransport(cfg.Upstream.Pool),
		// Flush immediately so streamed responses are not held back.
		FlushInterval: -1,
		ErrorHandler:  p.handleError,
	}

	p.ws = newWebSocketRelay(target,
		cfg.Limits.UpgradeIdleTimeout.Duration(), metrics, logger)

	return p
}

// direct rewrites the request for the upstream. The reverse proxy
// itself strips hop-by-hop headers and appends X-Forwarded-For.
func (p *Proxy) direct(req *http.Request) {
	proto := "http"
	if req.TLS != nil {
		proto = "https"
	}
	req.Header.Set("X-Forwarded-Host", req.Host)
	req.Header.Set("X-Forwarded-Proto", proto)

	req.URL.Scheme = p.target.Scheme
	req.URL.Host = p.target.Host
	req.Host = p.target.Host
}

// ServeHTTP dispatches between the WebSocket relay and the guarded
// reverse proxy.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isWebSocketUpgrade(r) {
		p.ws.serve(w, r)
		return
	}

	rw := util.NewStatusCapturingResponseWriter(w)

	err := p.breaker.Execute(func() error {
		p.rp.ServeHTTP(rw, r)
		if rw.StatusCode >= http.StatusInternalServerError {
			return util.NewUpstreamError(p.target.Host,
				http.StatusText(rw.StatusCode), nil)
		}
		return nil
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		p.logger.WithContext(r.Context()).Warn("circuit breaker rejected request",
			observability.String("path", r.URL.Path),
			observability.String("state", p.breaker.State().String()),
		)

		if !rw.HeaderWritten {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, errServiceUnavailable)
		}
	}
	// Upstream 5xx responses were already written through rw; the
	// error return only feeds the breaker.
}

// BreakerState reports the current circuit breaker state as a string
// for the health payload.
func (p *Proxy) BreakerState() string {
	return p.breaker.State().String()
}

// handleError maps transport failures to gateway status codes. A body
// read aborted by the size limit is the client's fault and becomes a
// 413; timeouts become 504, everything else 502.
func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, util.ErrBodyTooLarge) {
		// Writing a 4xx also keeps the aborted request out of the
		// breaker's failure count.
		p.metrics.RecordFilterDenial(filter.ReasonBodyTooLarge)
		p.logger.WithContext(r.Context()).Warn("request body exceeded limit mid-stream",
			observability.String("path", r.URL.Path),
			observability.Error(err),
		)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		_, _ = io.WriteString(w, errRequestTooLarge)
		return
	}

	p.metrics.RecordUpstreamFailure()

	status := http.StatusBadGateway
	body := errBadGateway
	logErr := error(util.NewUpstreamError(p.target.Host, "request failed", err))
	if isTimeout(err) {
		status = http.StatusGatewayTimeout
		body = errGatewayTimeout
		logErr = util.NewUpstreamTimeoutError(p.target.Host, err)
	}

	p.logger.WithContext(r.Context()).Error("upstream request failed",
		observability.String("target", p.target.Host),
		observability.String("path", r.URL.Path),
		observability.Int("status", status),
		observability.Error(logErr),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

// isTimeout reports whether the upstream failure was a timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isWebSocketUpgrade checks if the request is a WebSocket upgrade request.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
