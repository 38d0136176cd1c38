package admission

import (
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vyrodovalexey/mobedge/internal/observability"
	"github.com/vyrodovalexey/mobedge/internal/util"
)

// Denial response bodies.
const (
	errRateLimited       = `{"error":"rate limit exceeded"}`
	errConnectionLimited = `{"error":"too many connections","message":"per-client connection limit reached"}`
)

// connRetryAfter is the hint returned on connection-limit denials; slot
// availability depends on the client closing a connection, so there is
// no token arrival time to compute.
const connRetryAfter = "1"

// Middleware returns a middleware that applies per-client rate and
// connection admission. The connection slot is held for the lifetime of
// the request, which for relayed upgrade sessions means the lifetime of
// the session.
func Middleware(
	ctrl *Controller,
	sensitivePaths []string,
	metrics *observability.Metrics,
	logger observability.Logger,
) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := util.ClientIPFromContext(r.Context())
			if client == "" {
				client = r.RemoteAddr
			}

			if !ctrl.AcquireConn(client) {
				logger.WithContext(r.Context()).Warn("connection limit reached",
					observability.String("path", r.URL.Path),
					observability.Error(util.NewAdmissionError(
						util.AdmissionConnections, client, time.Second)),
				)
				metrics.RecordAdmissionRejection(observability.RejectReasonConnections)

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", connRetryAfter)
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = io.WriteString(w, errConnectionLimited)
				return
			}
			defer ctrl.ReleaseConn(client)

			decision := ctrl.Admit(client, isSensitive(r, sensitivePaths))
			if !decision.Allowed {
				logger.WithContext(r.Context()).Warn("rate limit exceeded",
					observability.String("path", r.URL.Path),
					observability.Error(util.NewAdmissionError(
						util.AdmissionRate, client, decision.RetryAfter)),
				)
				metrics.RecordAdmissionRejection(observability.RejectReasonRate)

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", retryAfterSeconds(decision.RetryAfter))
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = io.WriteString(w, errRateLimited)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// isSensitive reports whether the request falls under the stricter
// bucket. Upgrade requests are always sensitive: the sessions they open
// are long-lived and must be established sparingly.
func isSensitive(r *http.Request, paths []string) bool {
	if isWebSocketUpgrade(r) {
		return true
	}
	for _, p := range paths {
		if strings.HasPrefix(r.URL.Path, p) {
			return true
		}
	}
	return false
}

// isWebSocketUpgrade checks if the request is a WebSocket upgrade request.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// retryAfterSeconds renders a retry hint as whole seconds, rounded up
// so clients never retry early. Minimum is one second.
func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
