package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BlocksApplied tracks blocks written to the sink
	BlocksApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_blocks_applied_total",
			Help: "Total number of blocks applied to the sink",
		},
		[]string{"module"},
	)

	// UndosApplied tracks fork rollbacks applied to the sink
	UndosApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_undos_applied_total",
			Help: "Total number of undo signals applied to the sink",
		},
		[]string{"module"},
	)

	// HeadBlock tracks the last block applied
	HeadBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sink_head_block",
			Help: "Number of the last block applied to the sink",
		},
		[]string{"module"},
	)

	// FinalBlockHeight tracks the irreversible height reported by the endpoint
	FinalBlockHeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sink_final_block_height",
			Help: "Last final block height reported by the endpoint",
		},
		[]string{"module"},
	)

	// StageLatency tracks the latency of each pipeline stage
	StageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sink_stage_latency_seconds",
			Help:    "Pipeline stage latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"module", "stage"},
	)

	// StageErrors tracks errors that terminated the pipeline
	StageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_stage_errors_total",
			Help: "Total number of pipeline errors per stage",
		},
		[]string{"module", "stage"},
	)

	// StreamReconnects tracks reconnect attempts
	StreamReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_stream_reconnects_total",
			Help: "Total number of stream reconnect attempts",
		},
		[]string{"module"},
	)

	// StreamState is 1 for the current connection state, 0 otherwise
	StreamState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sink_stream_state",
			Help: "Current stream connection state",
		},
		[]string{"module", "state"},
	)

	// CheckpointRate tracks checkpointed blocks per second over the recent window
	CheckpointRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sink_checkpoint_blocks_per_second",
			Help: "Checkpointed blocks per second over the recent window",
		},
		[]string{"module"},
	)

	// CheckpointBlockTime tracks the average time between checkpointed blocks
	CheckpointBlockTime = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sink_checkpoint_block_time_seconds",
			Help: "Average time between checkpointed blocks",
		},
		[]string{"module"},
	)

	// LastReconnect is the unix time of the last reconnect, 0 if none
	LastReconnect = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sink_last_reconnect_timestamp_seconds",
			Help: "Unix time of the last stream reconnect",
		},
		[]string{"module"},
	)

	// LastUndo is the unix time of the last checkpointed undo, 0 if none
	LastUndo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sink_last_undo_timestamp_seconds",
			Help: "Unix time of the last checkpointed undo",
		},
		[]string{"module"},
	)

	// CheckpointDBPoolUsage tracks the PostgreSQL checkpoint store pool usage
	CheckpointDBPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sink_checkpoint_db_pool_usage_percent",
			Help: "Checkpoint database connection pool usage",
		},
	)
)
