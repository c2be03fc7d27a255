// Package health provides system health monitoring and status reporting.
package health

import "time"

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// SinkHealth contains health metrics for the sink of one module.
type SinkHealth struct {
	Module           string       `json:"module"`
	Status           SystemStatus `json:"status"`
	Running          bool         `json:"running"`
	StreamState      string       `json:"stream_state"`
	HeadBlock        uint64       `json:"head_block"`
	FinalBlockHeight uint64       `json:"final_block_height"`
	BlocksApplied    uint64       `json:"blocks_applied"`
	UndosApplied     uint64       `json:"undos_applied"`
	Reconnects       uint64       `json:"reconnects"`
	BlocksPerSecond  float64      `json:"blocks_per_second"`
	AvgBlockSeconds  float64      `json:"avg_block_seconds"`
	LastReconnectAt  *time.Time   `json:"last_reconnect_at,omitempty"`
	LastUndoAt       *time.Time   `json:"last_undo_at,omitempty"`
	CheckedAt        time.Time    `json:"checked_at"`
}
