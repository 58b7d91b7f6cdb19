package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{302, "3xx"},
		{400, "4xx"},
		{504, "5xx"},
	}
	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestObserveAssisted(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveAssisted("write", false, false)
	m.ObserveAssisted("write", true, false)
	m.ObserveAssisted("write", true, true)
	m.ObserveAssisted("write", true, true)

	body := scrape(t, m)
	for _, line := range []string{
		`ledger_insight_assisted_calls_total{outcome="failed_over",stage="write"} 2`,
		`ledger_insight_assisted_calls_total{outcome="assisted",stage="write"} 1`,
		`ledger_insight_assisted_calls_total{outcome="disabled",stage="write"} 1`,
	} {
		if !strings.Contains(body, line) {
			t.Errorf("metrics output missing %q", line)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveStage("extract", time.Millisecond)
	m.ObserveAssisted("extract", true, true)
	m.ObserveRun("ok", "OK", 10)
	m.StorageFailed()
}

func TestMetricsEndpoint(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveRun("ok", "REVIEW", 61.67)

	body := scrape(t, m)
	for _, name := range []string{"ledger_insight_runs_total", "ledger_insight_run_risk_score"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/metrics", m.Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	return w.Body.String()
}
