package health

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestRegistry(t *testing.T) (*prometheus.Registry, *prometheus.GaugeVec, *prometheus.GaugeVec, *prometheus.CounterVec) {
	t.Helper()
	reg := prometheus.NewRegistry()
	head := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "sink_head_block"}, []string{"module"})
	state := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "sink_stream_state"}, []string{"module", "state"})
	applied := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sink_blocks_applied_total"}, []string{"module"})
	reg.MustRegister(head, state, applied)
	return reg, head, state, applied
}

func TestMonitor_CheckHealth(t *testing.T) {
	reg, head, state, applied := newTestRegistry(t)
	var healthy atomic.Bool
	healthy.Store(true)

	head.WithLabelValues("map_blocks").Set(105)
	head.WithLabelValues("other").Set(7)
	applied.WithLabelValues("map_blocks").Add(6)
	state.WithLabelValues("map_blocks", "active").Set(1)
	state.WithLabelValues("map_blocks", "reconnecting").Set(0)

	m := NewMonitor("map_blocks", &healthy, reg, 0)
	report := m.CheckHealth()

	if report.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s", report.Status)
	}
	if report.HeadBlock != 105 {
		t.Errorf("expected head block 105, got %d", report.HeadBlock)
	}
	if report.BlocksApplied != 6 {
		t.Errorf("expected 6 blocks applied, got %d", report.BlocksApplied)
	}
	if report.StreamState != "active" {
		t.Errorf("expected active state, got %q", report.StreamState)
	}

	state.WithLabelValues("map_blocks", "active").Set(0)
	state.WithLabelValues("map_blocks", "reconnecting").Set(1)
	if got := m.CheckHealth().Status; got != StatusDegraded {
		t.Errorf("expected degraded while reconnecting, got %s", got)
	}

	healthy.Store(false)
	if got := m.CheckHealth().Status; got != StatusCritical {
		t.Errorf("expected critical when stopped, got %s", got)
	}
}

func TestMonitor_CheckpointMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	rate := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "sink_checkpoint_blocks_per_second"}, []string{"module"})
	blockTime := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "sink_checkpoint_block_time_seconds"}, []string{"module"})
	reconnect := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "sink_last_reconnect_timestamp_seconds"}, []string{"module"})
	undo := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "sink_last_undo_timestamp_seconds"}, []string{"module"})
	reg.MustRegister(rate, blockTime, reconnect, undo)

	rate.WithLabelValues("map_blocks").Set(2)
	blockTime.WithLabelValues("map_blocks").Set(0.5)
	reconnect.WithLabelValues("map_blocks").Set(1_700_000_000)
	undo.WithLabelValues("map_blocks").Set(0)

	var healthy atomic.Bool
	healthy.Store(true)
	report := NewMonitor("map_blocks", &healthy, reg, 0).CheckHealth()

	if report.BlocksPerSecond != 2 || report.AvgBlockSeconds != 0.5 {
		t.Errorf("unexpected throughput: %v blocks/s, %v s/block", report.BlocksPerSecond, report.AvgBlockSeconds)
	}
	if report.LastReconnectAt == nil || report.LastReconnectAt.Unix() != 1_700_000_000 {
		t.Errorf("expected last reconnect at 1700000000, got %v", report.LastReconnectAt)
	}
	if report.LastUndoAt != nil {
		t.Errorf("expected no undo, got %v", report.LastUndoAt)
	}
}

func TestMonitor_CachesReport(t *testing.T) {
	reg, head, _, _ := newTestRegistry(t)
	var healthy atomic.Bool
	healthy.Store(true)

	m := NewMonitor("map_blocks", &healthy, reg, time.Hour)
	head.WithLabelValues("map_blocks").Set(1)
	_ = m.CheckHealth()
	head.WithLabelValues("map_blocks").Set(2)

	if got := m.CheckHealth().HeadBlock; got != 1 {
		t.Errorf("expected cached head block 1, got %d", got)
	}
}

func TestServer_Endpoints(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	var healthy atomic.Bool
	healthy.Store(true)
	srv := NewServer(NewMonitor("map_blocks", &healthy, reg, 0), "")

	tests := []struct {
		path     string
		healthy  bool
		wantCode int
		wantBody string
	}{
		{"/isHealthy", true, http.StatusOK, "true"},
		{"/isHealthy", false, http.StatusServiceUnavailable, "false"},
		{"/health", true, http.StatusOK, `"status":"healthy"`},
		{"/health", false, http.StatusServiceUnavailable, `"status":"critical"`},
		{"/health/detailed", false, http.StatusOK, `"module":"map_blocks"`},
	}

	for _, tt := range tests {
		healthy.Store(tt.healthy)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

		if rec.Code != tt.wantCode {
			t.Errorf("GET %s: code = %d, want %d", tt.path, rec.Code, tt.wantCode)
		}
		if !strings.Contains(rec.Body.String(), tt.wantBody) {
			t.Errorf("GET %s: body = %q, want %q", tt.path, rec.Body.String(), tt.wantBody)
		}
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/isHealthy", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /isHealthy: code = %d, want 405", rec.Code)
	}
}
