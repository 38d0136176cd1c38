package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vyrodovalexey/mobedge/internal/config"
	"github.com/vyrodovalexey/mobedge/internal/observability"
)

// HeaderXCache reports the cache outcome to the client.
const HeaderXCache = "X-Cache"

// X-Cache header values.
const (
	XCacheHit    = "HIT"
	XCacheMiss   = "MISS"
	XCacheBypass = "BYPASS"
)

// maxCacheBodySize is the largest response body that will be captured
// for caching. Larger responses are streamed straight through to the
// client and never stored.
const maxCacheBodySize = 10 << 20 // 10MB

// populateTimeout bounds a population fetch once it is detached from
// the leader's request context. The server's write timeout bounds the
// client side of a streamed response independently.
const populateTimeout = 5 * time.Minute

// envelope is the serialized form of a cached response. StoredAt and
// TTL make freshness a property of the entry itself, so a backend may
// retain the entry past expiry for stale serving.
type envelope struct {
	StatusCode int                 `json:"statusCode"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body"`
	StoredAt   time.Time           `json:"storedAt"`
	TTL        time.Duration       `json:"ttl"`
}

// fresh reports whether the entry is within its TTL.
func (e *envelope) fresh(now time.Time) bool {
	return now.Before(e.StoredAt.Add(e.TTL))
}

// usableStale reports whether the entry may still be served after a
// failed refresh.
func (e *envelope) usableStale(now time.Time, window time.Duration) bool {
	if window <= 0 {
		return false
	}
	return now.Before(e.StoredAt.Add(e.TTL + window))
}

// Middleware caches eligible responses and collapses concurrent misses
// for the same key into a single upstream fetch.
type Middleware struct {
	cache       Cache
	group       singleflight.Group
	ttl         time.Duration
	staleWindow time.Duration
	serveStale  bool
	cacheable   map[int]bool
	maxBody     int
	metrics     *observability.Metrics
	logger      observability.Logger
}

// NewMiddleware creates the caching middleware from configuration.
func NewMiddleware(
	c Cache,
	cfg *config.CacheConfig,
	metrics *observability.Metrics,
	logger observability.Logger,
) *Middleware {
	ttl := cfg.TTL.Duration()
	if ttl <= 0 {
		ttl = config.DefaultCacheTTL
	}

	cacheable := make(map[int]bool)
	for _, status := range cfg.GetCacheableStatus() {
		cacheable[status] = true
	}

	return &Middleware{
		cache:       c,
		ttl:         ttl,
		staleWindow: cfg.StaleWindow.Duration(),
		serveStale:  cfg.ServeStaleOnFailure,
		cacheable:   cacheable,
		maxBody:     maxCacheBodySize,
		metrics:     metrics,
		logger:      logger,
	}
}

// Handler wraps next with the caching layer. Every response that passes
// through carries an X-Cache header with exactly one of HIT, MISS or
// BYPASS.
func (cm *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requestCacheable(r) {
			w.Header().Set(HeaderXCache, XCacheBypass)
			cm.metrics.RecordCacheStatus(observability.CacheStatusBypass)
			next.ServeHTTP(w, r)
			return
		}

		key := Key(r.Method, r.URL)
		now := time.Now()

		stale := cm.lookup(r, key)
		if stale != nil && stale.fresh(now) {
			cm.metrics.RecordCacheStatus(observability.CacheStatusHit)
			writeEnvelope(w, r, stale, XCacheHit)
			return
		}

		// Concurrent misses on one key share a single upstream fetch;
		// all callers replay the same captured response.
		var leader bool
		v, _, _ := cm.group.Do(key, func() (interface{}, error) {
			leader = true
			return cm.fetch(w, r, next, key), nil
		})
		res := v.(*fetchResult)

		if res.streamed {
			// The response outgrew the capture limit and went straight
			// to the leader's client. Waiters have nothing to replay and
			// fetch on their own.
			cm.metrics.RecordCacheStatus(observability.CacheStatusMiss)
			if !leader {
				w.Header().Set(HeaderXCache, XCacheMiss)
				next.ServeHTTP(w, r)
			}
			return
		}

		result := res.env

		// A failed refresh may be replaced by a recently-expired entry.
		if result.StatusCode >= http.StatusInternalServerError &&
			cm.serveStale && stale != nil && stale.usableStale(now, cm.staleWindow) {
			cm.logger.WithContext(r.Context()).Warn("serving stale entry after upstream failure",
				observability.String("key", key),
				observability.Int("upstream_status", result.StatusCode),
			)
			cm.metrics.RecordCacheStatus(observability.CacheStatusHit)
			writeEnvelope(w, r, stale, XCacheHit)
			return
		}

		cm.metrics.RecordCacheStatus(observability.CacheStatusMiss)
		writeEnvelope(w, r, result, XCacheMiss)
	})
}

// lookup returns the stored envelope for the key, fresh or stale, or
// nil when absent or undecodable.
func (cm *Middleware) lookup(r *http.Request, key string) *envelope {
	data, err := cm.cache.Get(r.Context(), key)
	if err != nil {
		return nil
	}

	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		cm.logger.Debug("cache entry undecodable, treating as miss",
			observability.String("key", key))
		return nil
	}
	return &e
}

// fetchResult carries the outcome of a population fetch. A streamed
// result was written directly to the leader's client and cannot be
// replayed to waiters.
type fetchResult struct {
	env      *envelope
	streamed bool
}

// fetch executes the request against next, stores the result when
// eligible, and returns it for replay. The fetch runs on a context
// detached from the leader's request so a leader disconnect cannot
// poison the shared result for waiters.
func (cm *Middleware) fetch(w http.ResponseWriter, r *http.Request, next http.Handler, key string) *fetchResult {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), populateTimeout)
	defer cancel()
	r = r.WithContext(ctx)

	cw := newCaptureWriter(w, cm.maxBody)
	next.ServeHTTP(cw, r)

	if cw.streaming {
		return &fetchResult{streamed: true}
	}

	e := &envelope{
		StatusCode: cw.status,
		Headers:    cloneHeaders(cw.header),
		Body:       cw.buf.Bytes(),
		StoredAt:   time.Now(),
		TTL:        cm.ttl,
	}

	if cm.cacheable[e.StatusCode] {
		cm.store(r, key, e)
	}

	return &fetchResult{env: e}
}

// store serializes the envelope and writes it to the backend. The
// backend TTL includes the stale window so expired entries remain
// available for failure recovery.
func (cm *Middleware) store(r *http.Request, key string, e *envelope) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}

	retention := cm.ttl + cm.staleWindow
	if err := cm.cache.Set(r.Context(), key, data, retention); err != nil {
		cm.logger.Debug("failed to store response in cache",
			observability.String("key", key),
			observability.Error(err))
		return
	}

	cm.logger.Debug("cached response",
		observability.String("key", key),
		observability.Int("size", len(e.Body)))
}

// requestCacheable reports whether the request may be served from or
// populate the cache. Upgrades and event streams are long-lived and
// never buffered.
func requestCacheable(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return false
	}
	cc := r.Header.Get("Cache-Control")
	return !strings.Contains(cc, "no-store") && !strings.Contains(cc, "no-cache")
}

// writeEnvelope replays a captured response to the client.
func writeEnvelope(w http.ResponseWriter, r *http.Request, e *envelope, xCache string) {
	for k, vals := range e.Headers {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(HeaderXCache, xCache)
	w.WriteHeader(e.StatusCode)
	if r.Method != http.MethodHead {
		_, _ = w.Write(e.Body)
	}
}

// cloneHeaders creates a deep copy of HTTP headers.
func cloneHeaders(h http.Header) map[string][]string {
	clone := make(map[string][]string, len(h))
	for k, v := range h {
		vc := make([]string, len(v))
		copy(vc, v)
		clone[k] = vc
	}
	return clone
}

// captureWriter captures a response for singleflight replay. Small
// responses buffer in full and stay replayable; once the body outgrows
// the capture limit, or the handler declares a larger Content-Length up
// front, the writer hands over to the leader's client and the response
// is neither cached nor replayed.
type captureWriter struct {
	client      http.ResponseWriter
	limit       int
	status      int
	header      http.Header
	buf         bytes.Buffer
	wroteHeader bool
	streaming   bool
}

func newCaptureWriter(client http.ResponseWriter, limit int) *captureWriter {
	return &captureWriter{
		client: client,
		limit:  limit,
		status: http.StatusOK,
		header: make(http.Header),
	}
}

// Header returns the headers under capture, or the client's headers
// once the writer has switched to streaming.
func (cw *captureWriter) Header() http.Header {
	if cw.streaming {
		return cw.client.Header()
	}
	return cw.header
}

// WriteHeader captures the status code once. A declared Content-Length
// beyond the capture limit switches to streaming before any body bytes
// accumulate.
func (cw *captureWriter) WriteHeader(code int) {
	if cw.wroteHeader {
		return
	}
	cw.wroteHeader = true
	cw.status = code

	if n, err := strconv.ParseInt(cw.header.Get("Content-Length"), 10, 64); err == nil &&
		n > int64(cw.limit) {
		cw.switchToStreaming()
	}
}

// Write buffers the body until the capture limit, then streams the
// remainder straight to the client.
func (cw *captureWriter) Write(p []byte) (int, error) {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	if cw.streaming {
		return cw.client.Write(p)
	}
	if cw.buf.Len()+len(p) > cw.limit {
		cw.switchToStreaming()
		return cw.client.Write(p)
	}
	return cw.buf.Write(p)
}

// switchToStreaming flushes the captured headers and body to the
// leader's client and passes all further writes through.
func (cw *captureWriter) switchToStreaming() {
	cw.streaming = true

	h := cw.client.Header()
	for k, vals := range cw.header {
		for _, v := range vals {
			h.Add(k, v)
		}
	}
	h.Set(HeaderXCache, XCacheMiss)
	cw.client.WriteHeader(cw.status)

	if cw.buf.Len() > 0 {
		_, _ = cw.client.Write(cw.buf.Bytes())
		cw.buf.Reset()
	}
}

// Flush forwards to the client in streaming mode so large responses
// are not held back.
func (cw *captureWriter) Flush() {
	if !cw.streaming {
		return
	}
	if f, ok := cw.client.(http.Flusher); ok {
		f.Flush()
	}
}
