package middleware

import (
	"net/http"
	"time"

	"github.com/vyrodovalexey/mobedge/internal/cache"
	"github.com/vyrodovalexey/mobedge/internal/observability"
	"github.com/vyrodovalexey/mobedge/internal/util"
)

// Logging returns a middleware that writes one structured access log
// line per request, including the cache outcome when present.
func Logging(logger observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := util.ContextWithStartTime(r.Context(), start)

			rw := util.NewStatusCapturingResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			fields := []observability.Field{
				observability.String("method", r.Method),
				observability.String("path", r.URL.Path),
				observability.Int("status", rw.StatusCode),
				observability.Int("bytes", rw.BytesWritten),
				observability.Duration("duration", time.Since(start)),
				observability.String("user_agent", r.UserAgent()),
			}
			if xc := rw.Header().Get(cache.HeaderXCache); xc != "" {
				fields = append(fields, observability.String("cache", xc))
			}

			logger.WithContext(r.Context()).Info("request completed", fields...)
		})
	}
}

// Metrics returns a middleware that records the request counter,
// duration histogram and the active connection gauge.
func Metrics(metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			metrics.ConnectionOpened()
			defer metrics.ConnectionClosed()

			start := time.Now()
			rw := util.NewStatusCapturingResponseWriter(w)

			next.ServeHTTP(rw, r)

			metrics.RecordRequest(r.Method, rw.StatusCode, time.Since(start))
		})
	}
}
