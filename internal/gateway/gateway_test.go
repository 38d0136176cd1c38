package gateway

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/mobedge/internal/admission"
	"github.com/vyrodovalexey/mobedge/internal/cache"
	"github.com/vyrodovalexey/mobedge/internal/config"
	"github.com/vyrodovalexey/mobedge/internal/observability"
	"github.com/vyrodovalexey/mobedge/internal/upstream"
)

// newTestGateway assembles a full gateway in front of the given backend
// and returns the handler chain.
func newTestGateway(t *testing.T, backendURL string, mutate func(*config.Config)) http.Handler {
	t.Helper()

	cfg := config.Default()
	cfg.Observability.Metrics.Namespace = "test"

	if backendURL != "" {
		u, err := url.Parse(backendURL)
		require.NoError(t, err)
		host, portStr, err := net.SplitHostPort(u.Host)
		require.NoError(t, err)
		port, err := strconv.Atoi(portStr)
		require.NoError(t, err)
		cfg.Upstream.Host = host
		cfg.Upstream.Port = port
	}
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	logger := observability.NopLogger()
	metrics := observability.NewMetrics(cfg.Observability.Metrics.Namespace)

	backend, err := cache.New(&cfg.Cache, logger, metrics)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	ctrl := admission.NewController(cfg.RateLimit, cfg.ConnectionLimit,
		admission.WithLogger(logger))
	t.Cleanup(func() { _ = ctrl.Close() })

	proxy := upstream.NewProxy(cfg, metrics, logger)

	g := New(cfg, ctrl, backend, proxy, proxy.BreakerState, nil, metrics, logger)
	return g.Handler()
}

func jsonBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"items":[]}`))
		}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGatewayProxiesAPIRequests(t *testing.T) {
	t.Parallel()

	handler := newTestGateway(t, jsonBackend(t).URL, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/items", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":[]}`, rec.Body.String())
	assert.Equal(t, cache.XCacheMiss, rec.Header().Get(cache.HeaderXCache))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestGatewayServesSecondRequestFromCache(t *testing.T) {
	t.Parallel()

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			calls++
			_, _ = w.Write([]byte(`{"n":1}`))
		}))
	t.Cleanup(srv.Close)

	handler := newTestGateway(t, srv.URL, nil)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/items", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, 1, calls)
}

func TestGatewayRejectsOutsidePrefix(t *testing.T) {
	t.Parallel()

	handler := newTestGateway(t, jsonBackend(t).URL, nil)

	for _, path := range []string{"/", "/admin", "/internal/debug"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.JSONEq(t, `{"error":"not found"}`, rec.Body.String(), path)
		// Denials are decorated like every other response.
		assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"), path)
		assert.Equal(t, cache.XCacheBypass, rec.Header().Get(cache.HeaderXCache), path)
	}
}

func TestGatewayHealthEndpoint(t *testing.T) {
	t.Parallel()

	handler := newTestGateway(t, jsonBackend(t).URL, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
	assert.Contains(t, rec.Body.String(), `"upstream":"closed"`)
}

func TestGatewayMetricsEndpoint(t *testing.T) {
	t.Parallel()

	handler := newTestGateway(t, jsonBackend(t).URL, nil)

	// One API request so the request counters have samples.
	handler.ServeHTTP(httptest.NewRecorder(),
		httptest.NewRequest(http.MethodGet, "/api/v1/items", nil))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "test_requests_total")
	assert.Contains(t, body, "test_upstream_healthy 1")
}

func TestGatewayMetricsDisabled(t *testing.T) {
	t.Parallel()

	handler := newTestGateway(t, jsonBackend(t).URL, func(cfg *config.Config) {
		cfg.Observability.Metrics.Enabled = false
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGatewayDeniesFilteredPath(t *testing.T) {
	t.Parallel()

	handler := newTestGateway(t, jsonBackend(t).URL, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/api/v1/.git/config", nil))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, cache.XCacheBypass, rec.Header().Get(cache.HeaderXCache))
}

func TestGatewayRateLimitsClients(t *testing.T) {
	t.Parallel()

	handler := newTestGateway(t, jsonBackend(t).URL, func(cfg *config.Config) {
		cfg.RateLimit.RequestsPerSecond = 1
		cfg.RateLimit.Burst = 1
	})

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/api/v1/items", nil))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/api/v1/other", nil))
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
	assert.Equal(t, "DENY", second.Header().Get("X-Frame-Options"))
	assert.Equal(t, cache.XCacheBypass, second.Header().Get(cache.HeaderXCache))
}

func TestGatewayRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	handler := newTestGateway(t, jsonBackend(t).URL, func(cfg *config.Config) {
		cfg.Limits.MaxBodyBytes = 8
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/items",
		strings.NewReader(`{"way":"too large for the limit"}`))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestGatewayRelaySessionOutlivesRequestTimeouts(t *testing.T) {
	t.Parallel()

	up := websocket.Upgrader{}
	echo := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			conn, err := up.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			for {
				mt, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}
				if err := conn.WriteMessage(mt, msg); err != nil {
					return
				}
			}
		}))
	t.Cleanup(echo.Close)

	cfg := config.Default()
	u, err := url.Parse(echo.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	cfg.Upstream.Host = host
	cfg.Upstream.Port = port
	cfg.Limits.ReadTimeout = config.Duration(300 * time.Millisecond)
	cfg.Limits.WriteTimeout = config.Duration(300 * time.Millisecond)
	require.NoError(t, cfg.Validate())

	logger := observability.NopLogger()
	metrics := observability.NewMetrics("test")

	backend, err := cache.New(&cfg.Cache, logger, metrics)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	ctrl := admission.NewController(cfg.RateLimit, cfg.ConnectionLimit,
		admission.WithLogger(logger))
	t.Cleanup(func() { _ = ctrl.Close() })

	proxy := upstream.NewProxy(cfg, metrics, logger)
	g := New(cfg, ctrl, backend, proxy, proxy.BreakerState, nil, metrics, logger)

	srv := httptest.NewUnstartedServer(g.Handler())
	srv.Config.ReadTimeout = cfg.Limits.ReadTimeout.Duration()
	srv.Config.WriteTimeout = cfg.Limits.WriteTimeout.Duration()
	srv.Start()
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/live"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}

	// Keep exchanging messages well past the server's read and write
	// timeouts; the session must not be cut by inherited deadlines.
	for i := 0; i < 6; i++ {
		time.Sleep(150 * time.Millisecond)
		require.NoError(t,
			conn.WriteMessage(websocket.TextMessage, []byte("ping")), "write %d", i)
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err, "read %d", i)
		assert.Equal(t, "ping", string(msg))
	}

	assert.Equal(t, 1, ctrl.Connections("127.0.0.1"),
		"the live session holds exactly one connection slot")

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		return ctrl.Connections("127.0.0.1") == 0
	}, time.Second, 10*time.Millisecond,
		"the slot must be released after the session ends")
}

func TestGatewayRecoversFromPanics(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Cache.Enabled = false
	require.NoError(t, cfg.Validate())

	logger := observability.NopLogger()
	metrics := observability.NewMetrics("test")

	backend, err := cache.New(&cfg.Cache, logger, metrics)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	ctrl := admission.NewController(cfg.RateLimit, cfg.ConnectionLimit,
		admission.WithLogger(logger))
	t.Cleanup(func() { _ = ctrl.Close() })

	panicking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("proxy exploded")
	})

	g := New(cfg, ctrl, backend, panicking, nil, nil, metrics, logger)

	rec := httptest.NewRecorder()
	require.NotPanics(t, func() {
		g.Handler().ServeHTTP(rec,
			httptest.NewRequest(http.MethodGet, "/api/v1/items", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
