// Package metrics exposes Prometheus instrumentation for pipeline runs and
// the HTTP surface.
package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ledger_insight"

// Assisted-call outcomes.
const (
	OutcomeDisabled   = "disabled"
	OutcomeAssisted   = "assisted"
	OutcomeFailedOver = "failed_over"
)

// Metrics groups every collector the service records. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	registry prometheus.Gatherer

	runsTotal         *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	assistedCalls     *prometheus.CounterVec
	runRisk           prometheus.Histogram
	storageFailures   prometheus.Counter
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New registers collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by outcome (ok, timeout, error) and compliance action.",
		}, []string{"outcome", "action"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of each pipeline stage.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 7},
		}, []string{"stage"}),
		assistedCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assisted_calls_total",
			Help:      "Assisted-path usage per stage by outcome.",
		}, []string{"stage", "outcome"}),
		runRisk: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_risk_score",
			Help:      "Overall risk score of completed runs.",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}),
		storageFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_failures_total",
			Help:      "Runs whose persistence failed.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status class.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		m.runsTotal,
		m.stageDuration,
		m.assistedCalls,
		m.runRisk,
		m.storageFailures,
		m.httpRequestsTotal,
		m.httpDuration,
	)
	return m
}

// ObserveStage records the duration of one stage.
func (m *Metrics) ObserveStage(stage string, took time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(took.Seconds())
}

// ObserveAssisted records which path a dual-path stage took.
func (m *Metrics) ObserveAssisted(stage string, usedAssisted, failedOver bool) {
	if m == nil {
		return
	}
	outcome := OutcomeDisabled
	switch {
	case failedOver:
		outcome = OutcomeFailedOver
	case usedAssisted:
		outcome = OutcomeAssisted
	}
	m.assistedCalls.WithLabelValues(stage, outcome).Inc()
}

// ObserveRun records a finished run. action is empty for failed runs.
func (m *Metrics) ObserveRun(outcome, action string, risk float64) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(outcome, action).Inc()
	if outcome == "ok" {
		m.runRisk.Observe(risk)
	}
}

// StorageFailed counts a failed persistence attempt.
func (m *Metrics) StorageFailed() {
	if m == nil {
		return
	}
	m.storageFailures.Inc()
}

// Middleware returns a gin middleware that records request metrics.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		// Route pattern, not the raw path, keeps label cardinality bounded.
		timer := prometheus.NewTimer(m.httpDuration.WithLabelValues(c.Request.Method, c.FullPath()))

		c.Next()

		timer.ObserveDuration()
		m.httpRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the /metrics handler for the registry.
func (m *Metrics) Handler() gin.HandlerFunc {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if m != nil && m.registry != nil {
		gatherer = m.registry
	}
	h := promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into classes.
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
