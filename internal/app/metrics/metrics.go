// Package metrics exposes the orchestrator's Prometheus collectors: queue
// depth, session churn, step outcomes, and HTTP instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the orchestrator's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "devicelab",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devicelab",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "devicelab",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "path"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "devicelab",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of items queued for a device, keyed by device id.",
		},
		[]string{"device_id"},
	)

	queueWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "devicelab",
			Subsystem: "queue",
			Name:      "wait_seconds",
			Help:      "Time a queue item spent waiting before dispatch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{},
	)

	sessionChurn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devicelab",
			Subsystem: "session",
			Name:      "churn_total",
			Help:      "Session lifecycle transitions, keyed by outcome (created, recreated, evicted, failed).",
		},
		[]string{"outcome"},
	)

	stepOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devicelab",
			Subsystem: "interpreter",
			Name:      "step_outcomes_total",
			Help:      "Scenario step outcomes, keyed by action kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		queueDepth,
		queueWaitSeconds,
		sessionChurn,
		stepOutcomes,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next with HTTP request metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// SetQueueDepth records how many items are currently queued for deviceID.
func SetQueueDepth(deviceID string, depth int) {
	queueDepth.WithLabelValues(deviceID).Set(float64(depth))
}

// RecordQueueWait records how long a dispatched item waited before starting.
func RecordQueueWait(wait time.Duration) {
	if wait < 0 {
		wait = 0
	}
	queueWaitSeconds.WithLabelValues().Observe(wait.Seconds())
}

// RecordSessionChurn increments the session churn counter for outcome.
func RecordSessionChurn(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	sessionChurn.WithLabelValues(outcome).Inc()
}

// RecordStepOutcome increments the step outcome counter for an interpreter
// action kind and its recorded outcome (passed, failed, error, skipped,
// waiting).
func RecordStepOutcome(kind, outcome string) {
	if kind == "" {
		kind = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	stepOutcomes.WithLabelValues(kind, outcome).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses path parameters into a fixed label so per-id
// routes do not explode the requests_total cardinality.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) <= 2 {
		return "/" + trimmed
	}
	out := make([]string, 0, len(parts))
	for i, p := range parts {
		if i >= 2 {
			out = append(out, ":id")
			continue
		}
		out = append(out, p)
	}
	return "/" + strings.Join(out, "/")
}
