package middleware

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/vyrodovalexey/mobedge/internal/cache"
	"github.com/vyrodovalexey/mobedge/internal/config"
)

// Decorator applies the fixed security header set and CORS headers to
// every response leaving the proxy, and strips upstream identity
// headers. It sits outside the routing decision so denials, errors and
// proxied responses are all decorated identically.
type Decorator struct {
	frameOptions       string
	contentTypeOptions string
	xssProtection      string
	referrerPolicy     string
	removeHeaders      []string

	allowOrigins []string
	allowMethods string
	allowHeaders string
	maxAge       string
}

// NewDecorator creates a decorator from the security and CORS
// configuration.
func NewDecorator(sec config.SecurityConfig, cors config.CORSConfig) *Decorator {
	return &Decorator{
		frameOptions:       sec.FrameOptions,
		contentTypeOptions: sec.ContentTypeOptions,
		xssProtection:      sec.XSSProtection,
		referrerPolicy:     sec.ReferrerPolicy,
		removeHeaders:      sec.GetRemoveHeaders(),
		allowOrigins:       cors.AllowOrigins,
		allowMethods:       strings.Join(cors.AllowMethods, ", "),
		allowHeaders:       strings.Join(cors.AllowHeaders, ", "),
		maxAge:             strconv.Itoa(cors.MaxAge),
	}
}

// Handler returns the decoration middleware. CORS preflight requests
// are answered here and never reach the pipeline. Responses that left
// the cache layer unmarked, locally generated denials included, get a
// default cache status of BYPASS.
func (d *Decorator) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := &headerRemovingResponseWriter{
				ResponseWriter: w,
				removeHeaders:  d.removeHeaders,
			}

			d.addSecurityHeaders(wrapped)
			d.addCORSHeaders(wrapped, r)

			if r.Method == http.MethodOptions &&
				r.Header.Get("Access-Control-Request-Method") != "" {
				wrapped.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(wrapped, r)
		})
	}
}

// addSecurityHeaders sets the fixed security header set.
func (d *Decorator) addSecurityHeaders(w http.ResponseWriter) {
	if d.frameOptions != "" {
		w.Header().Set("X-Frame-Options", d.frameOptions)
	}
	if d.contentTypeOptions != "" {
		w.Header().Set("X-Content-Type-Options", d.contentTypeOptions)
	}
	if d.xssProtection != "" {
		w.Header().Set("X-XSS-Protection", d.xssProtection)
	}
	if d.referrerPolicy != "" {
		w.Header().Set("Referrer-Policy", d.referrerPolicy)
	}
}

// addCORSHeaders sets the cross-origin headers for the request origin.
func (d *Decorator) addCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(d.allowOrigins) == 0 {
		return
	}

	origin := r.Header.Get(HeaderOrigin)
	allowed := d.resolveOrigin(origin)
	if allowed == "" {
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", allowed)
	if allowed != "*" {
		w.Header().Add(HeaderVary, HeaderOrigin)
	}
	if d.allowMethods != "" {
		w.Header().Set("Access-Control-Allow-Methods", d.allowMethods)
	}
	if d.allowHeaders != "" {
		w.Header().Set("Access-Control-Allow-Headers", d.allowHeaders)
	}
	if d.maxAge != "0" {
		w.Header().Set("Access-Control-Max-Age", d.maxAge)
	}
}

// resolveOrigin returns the Allow-Origin value for the request origin,
// or empty when the origin is not allowed. Entries of the form
// "https://*.example.com" match any single-label subdomain.
func (d *Decorator) resolveOrigin(origin string) string {
	for _, allowed := range d.allowOrigins {
		if allowed == "*" {
			return "*"
		}
		if origin == "" {
			continue
		}
		if strings.EqualFold(allowed, origin) {
			return origin
		}
		if scheme, host, ok := strings.Cut(allowed, "://"); ok &&
			strings.HasPrefix(host, "*.") {
			suffix := strings.ToLower(host[1:])
			oScheme, oHost, ok := strings.Cut(origin, "://")
			if ok && strings.EqualFold(scheme, oScheme) &&
				strings.HasSuffix(strings.ToLower(oHost), suffix) &&
				!strings.Contains(strings.TrimSuffix(strings.ToLower(oHost), suffix), ".") {
				return origin
			}
		}
	}
	return ""
}

// headerRemovingResponseWriter strips identity headers just before the
// header block is flushed, catching headers set by the upstream.
type headerRemovingResponseWriter struct {
	http.ResponseWriter
	removeHeaders []string
	wroteHeader   bool
}

// WriteHeader removes the configured headers and defaults the cache
// status before writing the status line.
func (w *headerRemovingResponseWriter) WriteHeader(statusCode int) {
	if !w.wroteHeader {
		h := w.ResponseWriter.Header()
		for _, header := range w.removeHeaders {
			h.Del(header)
		}
		if h.Get(cache.HeaderXCache) == "" {
			h.Set(cache.HeaderXCache, cache.XCacheBypass)
		}
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write ensures headers are processed before writing the body.
func (w *headerRemovingResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Flush implements http.Flusher for streaming support.
func (w *headerRemovingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker so upgraded connections pass through.
func (w *headerRemovingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// Unwrap returns the underlying ResponseWriter.
func (w *headerRemovingResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
