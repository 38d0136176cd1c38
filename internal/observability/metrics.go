package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cache status label values. Every pipeline response is attributed to
// exactly one of these.
const (
	CacheStatusHit    = "hit"
	CacheStatusMiss   = "miss"
	CacheStatusBypass = "bypass"
)

// Admission rejection reason label values.
const (
	RejectReasonRate        = "rate"
	RejectReasonConnections = "connections"
)

// Metrics holds all Prometheus metrics for the edge proxy. All metrics
// are registered on a private registry so tests can create isolated
// instances.
type Metrics struct {
	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	activeConnections   prometheus.Gauge
	cacheRequests       *prometheus.CounterVec
	cacheEvictions      prometheus.Counter
	admissionRejections *prometheus.CounterVec
	filterDenials       *prometheus.CounterVec
	upstreamHealthy     prometheus.Gauge
	upstreamFailures    prometheus.Counter
	websocketSessions   prometheus.Gauge
	registry            *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "mobedge"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"method", "status"},
	)

	m.activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of currently open client connections",
		},
	)

	m.cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Cache outcomes by status (hit, miss, bypass)",
		},
		[]string{"status"},
	)

	m.cacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Total number of cache entries evicted",
		},
	)

	m.admissionRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help: "Requests rejected by admission control " +
				"(rate or connection limits)",
		},
		[]string{"reason"},
	)

	m.filterDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filter_denials_total",
			Help:      "Requests denied by the request filter",
		},
		[]string{"reason"},
	)

	m.upstreamHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_healthy",
			Help: "Upstream health state " +
				"(1=healthy, 0=unhealthy)",
		},
	)

	m.upstreamFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_failures_total",
			Help:      "Total number of failed upstream attempts",
		},
	)

	m.websocketSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_sessions",
			Help:      "Number of active relayed WebSocket sessions",
		},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeConnections,
		m.cacheRequests,
		m.cacheEvictions,
		m.admissionRejections,
		m.filterDenials,
		m.upstreamHealthy,
		m.upstreamFailures,
		m.websocketSessions,
	)

	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(
		collectors.ProcessCollectorOpts{},
	))

	// The proxy is assumed healthy until the breaker says otherwise.
	m.upstreamHealthy.Set(1)

	return m
}

// RecordRequest records a completed request.
func (m *Metrics) RecordRequest(method string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	m.requestsTotal.WithLabelValues(method, code).Inc()
	m.requestDuration.WithLabelValues(method, code).Observe(duration.Seconds())
}

// ConnectionOpened increments the active connection gauge.
func (m *Metrics) ConnectionOpened() {
	m.activeConnections.Inc()
}

// ConnectionClosed decrements the active connection gauge.
func (m *Metrics) ConnectionClosed() {
	m.activeConnections.Dec()
}

// RecordCacheStatus records a cache outcome (hit, miss, or bypass).
func (m *Metrics) RecordCacheStatus(status string) {
	m.cacheRequests.WithLabelValues(status).Inc()
}

// RecordCacheEviction records an evicted cache entry.
func (m *Metrics) RecordCacheEviction() {
	m.cacheEvictions.Inc()
}

// RecordAdmissionRejection records a rate or connection-limit rejection.
func (m *Metrics) RecordAdmissionRejection(reason string) {
	m.admissionRejections.WithLabelValues(reason).Inc()
}

// RecordFilterDenial records a policy denial.
func (m *Metrics) RecordFilterDenial(reason string) {
	m.filterDenials.WithLabelValues(reason).Inc()
}

// SetUpstreamHealthy reflects the circuit breaker state.
func (m *Metrics) SetUpstreamHealthy(healthy bool) {
	if healthy {
		m.upstreamHealthy.Set(1)
	} else {
		m.upstreamHealthy.Set(0)
	}
}

// RecordUpstreamFailure records a failed upstream attempt.
func (m *Metrics) RecordUpstreamFailure() {
	m.upstreamFailures.Inc()
}

// WebSocketSessionStarted increments the active session gauge.
func (m *Metrics) WebSocketSessionStarted() {
	m.websocketSessions.Inc()
}

// WebSocketSessionEnded decrements the active session gauge.
func (m *Metrics) WebSocketSessionEnded() {
	m.websocketSessions.Dec()
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus exposition handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
