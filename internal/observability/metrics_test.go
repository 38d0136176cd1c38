package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatherFamily returns the named metric family from the private registry.
func gatherFamily(t *testing.T, m *Metrics, name string) *dto.MetricFamily {
	t.Helper()

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestMetricsRecordRequest(t *testing.T) {
	t.Parallel()

	m := NewMetrics("edge")
	m.RecordRequest(http.MethodGet, http.StatusOK, 12*time.Millisecond)
	m.RecordRequest(http.MethodGet, http.StatusOK, 30*time.Millisecond)
	m.RecordRequest(http.MethodPost, http.StatusBadGateway, time.Second)

	mf := gatherFamily(t, m, "edge_requests_total")
	require.NotNil(t, mf)

	counts := map[string]float64{}
	for _, metric := range mf.GetMetric() {
		var method, status string
		for _, lp := range metric.GetLabel() {
			switch lp.GetName() {
			case "method":
				method = lp.GetValue()
			case "status":
				status = lp.GetValue()
			}
		}
		counts[method+" "+status] = metric.GetCounter().GetValue()
	}

	assert.Equal(t, 2.0, counts["GET 200"])
	assert.Equal(t, 1.0, counts["POST 502"])

	hist := gatherFamily(t, m, "edge_request_duration_seconds")
	require.NotNil(t, hist)
	assert.Equal(t, dto.MetricType_HISTOGRAM, hist.GetType())
}

func TestMetricsCacheOutcomes(t *testing.T) {
	t.Parallel()

	m := NewMetrics("edge")
	m.RecordCacheStatus(CacheStatusHit)
	m.RecordCacheStatus(CacheStatusHit)
	m.RecordCacheStatus(CacheStatusMiss)
	m.RecordCacheStatus(CacheStatusBypass)

	mf := gatherFamily(t, m, "edge_cache_requests_total")
	require.NotNil(t, mf)

	total := 0.0
	for _, metric := range mf.GetMetric() {
		total += metric.GetCounter().GetValue()
	}
	assert.Equal(t, 4.0, total)
}

func TestMetricsUpstreamHealthGauge(t *testing.T) {
	t.Parallel()

	m := NewMetrics("edge")

	mf := gatherFamily(t, m, "edge_upstream_healthy")
	require.NotNil(t, mf)
	assert.Equal(t, 1.0, mf.GetMetric()[0].GetGauge().GetValue(),
		"upstream starts healthy")

	m.SetUpstreamHealthy(false)
	mf = gatherFamily(t, m, "edge_upstream_healthy")
	assert.Equal(t, 0.0, mf.GetMetric()[0].GetGauge().GetValue())
}

func TestMetricsConnectionGauge(t *testing.T) {
	t.Parallel()

	m := NewMetrics("edge")
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()

	mf := gatherFamily(t, m, "edge_active_connections")
	require.NotNil(t, mf)
	assert.Equal(t, 1.0, mf.GetMetric()[0].GetGauge().GetValue())
}

func TestMetricsHandlerExposition(t *testing.T) {
	t.Parallel()

	m := NewMetrics("edge")
	m.RecordAdmissionRejection(RejectReasonRate)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(),
		`edge_admission_rejections_total{reason="rate"} 1`)
}

func TestMetricsEmptyNamespaceDefaults(t *testing.T) {
	t.Parallel()

	m := NewMetrics("")
	mf := gatherFamily(t, m, "mobedge_active_connections")
	assert.NotNil(t, mf)
}
