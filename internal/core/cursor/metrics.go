package cursor

import (
	"time"

	"github.com/vietddude/substreams-redis-sink/internal/core/stream"
)

// blockRecord holds timing data for a checkpointed block.
type blockRecord struct {
	BlockNumber uint64
	ProcessedAt time.Time
}

// Metrics holds checkpoint performance data.
type Metrics struct {
	BlocksPerSecond  float64
	AverageBlockTime time.Duration
	UndoCount        int
	LastUndoAt       *time.Time
	LastReconnectAt  *time.Time
}

// MetricsCollector tracks checkpoint throughput over time.
type MetricsCollector struct {
	windowSize      int           // number of blocks to track
	blockTimes      []blockRecord // ring buffer of block records
	undoCount       int
	lastUndoAt      *time.Time
	lastReconnectAt *time.Time
}

// RecordBlock records timing for a checkpointed block.
func (mc *MetricsCollector) RecordBlock(blockNumber uint64, processedAt time.Time) {
	record := blockRecord{
		BlockNumber: blockNumber,
		ProcessedAt: processedAt,
	}

	if len(mc.blockTimes) >= mc.windowSize {
		// Shift elements left, drop oldest
		copy(mc.blockTimes, mc.blockTimes[1:])
		mc.blockTimes[len(mc.blockTimes)-1] = record
	} else {
		mc.blockTimes = append(mc.blockTimes, record)
	}
}

// RecordUndo records a checkpointed rollback.
func (mc *MetricsCollector) RecordUndo(at time.Time) {
	mc.undoCount++
	mc.lastUndoAt = &at
}

// RecordTransition records a stream state transition.
func (mc *MetricsCollector) RecordTransition(t stream.Transition) {
	if t.To == stream.StateReconnecting {
		at := t.Timestamp
		mc.lastReconnectAt = &at
	}
}

// GetMetrics returns current metrics.
func (mc *MetricsCollector) GetMetrics() Metrics {
	m := Metrics{
		UndoCount:       mc.undoCount,
		LastUndoAt:      mc.lastUndoAt,
		LastReconnectAt: mc.lastReconnectAt,
	}

	// Calculate blocks per second
	if len(mc.blockTimes) >= 2 {
		first := mc.blockTimes[0]
		last := mc.blockTimes[len(mc.blockTimes)-1]
		duration := last.ProcessedAt.Sub(first.ProcessedAt)

		if duration > 0 {
			blockCount := float64(len(mc.blockTimes) - 1)
			m.BlocksPerSecond = blockCount / duration.Seconds()
			m.AverageBlockTime = time.Duration(float64(duration) / blockCount)
		}
	}

	return m
}

// Reset clears all collected metrics.
func (mc *MetricsCollector) Reset() {
	mc.blockTimes = mc.blockTimes[:0]
	mc.undoCount = 0
	mc.lastUndoAt = nil
	mc.lastReconnectAt = nil
}
