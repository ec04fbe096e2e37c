package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestInstrumentHandlerRecordsMetrics(t *testing.T) {
	handler := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, metricCounterGreaterOrEqual(t, "devicelab_http_requests_total", map[string]string{
		"method": "GET",
		"path":   "/api/test",
		"status": "202",
	}, 1))
	require.True(t, metricHistogramCountGreaterOrEqual(t, "devicelab_http_request_duration_seconds", map[string]string{
		"method": "GET",
		"path":   "/api/test",
	}, 1))
}

func TestInstrumentHandlerMetricsPathPassthrough(t *testing.T) {
	called := false
	handler := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.True(t, called)
}

func TestSetQueueDepthAndRecordQueueWait(t *testing.T) {
	SetQueueDepth("d1", 3)
	require.True(t, metricGaugeEquals(t, "devicelab_queue_depth", map[string]string{"device_id": "d1"}, 3))

	RecordQueueWait(2 * time.Second)
	require.True(t, metricHistogramCountGreaterOrEqual(t, "devicelab_queue_wait_seconds", map[string]string{}, 1))

	RecordQueueWait(-time.Second)
	require.True(t, metricHistogramCountGreaterOrEqual(t, "devicelab_queue_wait_seconds", map[string]string{}, 2))
}

func TestRecordSessionChurn(t *testing.T) {
	RecordSessionChurn("recreated")
	require.True(t, metricCounterGreaterOrEqual(t, "devicelab_session_churn_total", map[string]string{"outcome": "recreated"}, 1))

	RecordSessionChurn("")
	require.True(t, metricCounterGreaterOrEqual(t, "devicelab_session_churn_total", map[string]string{"outcome": "unknown"}, 1))
}

func TestRecordStepOutcome(t *testing.T) {
	RecordStepOutcome("tap", "passed")
	require.True(t, metricCounterGreaterOrEqual(t, "devicelab_interpreter_step_outcomes_total", map[string]string{
		"kind": "tap", "outcome": "passed",
	}, 1))

	RecordStepOutcome("", "")
	require.True(t, metricCounterGreaterOrEqual(t, "devicelab_interpreter_step_outcomes_total", map[string]string{
		"kind": "unknown", "outcome": "unknown",
	}, 1))
}

func TestCanonicalPath(t *testing.T) {
	tests := []struct{ input, expected string }{
		{"", "/"},
		{"/", "/"},
		{"//", "/"},
		{"/api", "/api"},
		{"/api/test", "/api/test"},
		{"/api/test/submit", "/api/test/:id"},
		{"/api/session/create", "/api/session/:id"},
		{"api", "/api"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			require.Equal(t, tt.expected, canonicalPath(tt.input))
		})
	}
}

func TestStatusRecorder(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, status: http.StatusOK}
	sr.WriteHeader(http.StatusNotFound)
	require.Equal(t, http.StatusNotFound, sr.status)

	rec2 := httptest.NewRecorder()
	sr2 := &statusRecorder{ResponseWriter: rec2, status: 0}
	n, err := sr2.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, http.StatusOK, sr2.status)
}

func TestHandler(t *testing.T) {
	h := Handler()
	require.NotNil(t, h)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotZero(t, rec.Body.Len())
}

func metricCounterGreaterOrEqual(t *testing.T, name string, labels map[string]string, min float64) bool {
	t.Helper()
	families, err := Registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, labels) && metric.GetCounter() != nil {
				return metric.GetCounter().GetValue() >= min
			}
		}
	}
	return false
}

func metricGaugeEquals(t *testing.T, name string, labels map[string]string, expected float64) bool {
	t.Helper()
	families, err := Registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, labels) && metric.GetGauge() != nil {
				return metric.GetGauge().GetValue() == expected
			}
		}
	}
	return false
}

func metricHistogramCountGreaterOrEqual(t *testing.T, name string, labels map[string]string, min uint64) bool {
	t.Helper()
	families, err := Registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, labels) && metric.GetHistogram() != nil {
				return metric.GetHistogram().GetSampleCount() >= min
			}
		}
	}
	return false
}

func labelsMatch(metric *io_prometheus_client.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	matched := 0
	for _, lbl := range metric.GetLabel() {
		if val, ok := labels[lbl.GetName()]; ok && val == lbl.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}
