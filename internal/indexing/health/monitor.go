package health

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Monitor builds health reports. It reads the liveness flag and the
// Prometheus registry only, never pipeline internals.
type Monitor struct {
	module   string
	healthy  *atomic.Bool
	gatherer prometheus.Gatherer
	interval time.Duration

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport SinkHealth
}

// NewMonitor creates a new health monitor. Reports are cached for interval.
func NewMonitor(module string, healthy *atomic.Bool, gatherer prometheus.Gatherer, interval time.Duration) *Monitor {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Monitor{
		module:   module,
		healthy:  healthy,
		gatherer: gatherer,
		interval: interval,
	}
}

// Healthy reports the liveness flag.
func (m *Monitor) Healthy() bool {
	return m.healthy.Load()
}

// CheckHealth builds a detailed report.
func (m *Monitor) CheckHealth() SinkHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.interval > 0 && time.Since(m.lastCheck) < m.interval {
		return m.lastReport
	}

	report := SinkHealth{
		Module:    m.module,
		Running:   m.healthy.Load(),
		Status:    StatusHealthy,
		CheckedAt: time.Now(),
	}

	families, err := m.gatherer.Gather()
	if err != nil {
		report.Status = StatusDegraded
	}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			if label(metric, "module") != m.module {
				continue
			}
			switch mf.GetName() {
			case "sink_head_block":
				report.HeadBlock = uint64(metric.GetGauge().GetValue())
			case "sink_final_block_height":
				report.FinalBlockHeight = uint64(metric.GetGauge().GetValue())
			case "sink_blocks_applied_total":
				report.BlocksApplied = uint64(metric.GetCounter().GetValue())
			case "sink_undos_applied_total":
				report.UndosApplied = uint64(metric.GetCounter().GetValue())
			case "sink_stream_reconnects_total":
				report.Reconnects = uint64(metric.GetCounter().GetValue())
			case "sink_checkpoint_blocks_per_second":
				report.BlocksPerSecond = metric.GetGauge().GetValue()
			case "sink_checkpoint_block_time_seconds":
				report.AvgBlockSeconds = metric.GetGauge().GetValue()
			case "sink_last_reconnect_timestamp_seconds":
				report.LastReconnectAt = unixTime(metric.GetGauge().GetValue())
			case "sink_last_undo_timestamp_seconds":
				report.LastUndoAt = unixTime(metric.GetGauge().GetValue())
			case "sink_stream_state":
				if metric.GetGauge().GetValue() == 1 {
					report.StreamState = label(metric, "state")
				}
			}
		}
	}

	// Evaluate Status
	switch {
	case !report.Running:
		report.Status = StatusCritical
	case report.StreamState == "reconnecting":
		report.Status = StatusDegraded
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}

// unixTime converts a timestamp gauge; zero means never.
func unixTime(v float64) *time.Time {
	if v <= 0 {
		return nil
	}
	t := time.Unix(0, int64(v*float64(time.Second))).UTC()
	return &t
}

func label(metric *dto.Metric, name string) string {
	for _, lp := range metric.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
