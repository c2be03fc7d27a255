// Package cursor owns the resumption checkpoint of the sink.
//
// # Purpose
//
// The cursor is the producer-issued bookmark that tells the endpoint where
// to resume. The Manager persists it after every event applied to the sink
// and remembers the block it points at:
//   - Cursor: opaque token handed back to the endpoint on reconnect
//   - Block: number and id of the last applied block (or last valid block
//     after a fork)
//
// # Key Features
//
// Persist-then-publish - Advance and Rollback write to the CheckpointStore
// first; the in-memory position only moves once the write succeeded.
//
// Regression Detection - Advance(99) after Advance(100) returns
// ErrBlockRegression unless a Rollback moved the position back in between.
// Re-applying the current block is accepted as idempotent redelivery.
//
// # Quick Start
//
//	manager := cursor.NewManager(store, cursor.Options{Key: "lootbox:eos:cursor"})
//
//	// Resume from the persisted checkpoint
//	c, found, _ := manager.Load(ctx)
//
//	manager.Advance(ctx, block)   // after sink.ApplyBlock
//	manager.Rollback(ctx, undo)   // after sink.RollbackTo
//
// # Package Structure
//
//   - manager.go - Manager implementation over a storage.CheckpointStore
//   - metrics.go - Throughput and stream transition history
package cursor

import (
	"time"

	"github.com/vietddude/substreams-redis-sink/internal/core/domain"
	"github.com/vietddude/substreams-redis-sink/internal/infra/storage"
)

// Default checkpoint settings.
const (
	DefaultKey = "lootbox:eos:cursor"
	DefaultTTL = 7 * 24 * time.Hour
)

// Options configures where the checkpoint is stored.
type Options struct {
	Key string
	TTL time.Duration
}

// Position is the last checkpointed position.
type Position struct {
	Cursor domain.Cursor
	// Block is unknown (zero) until the first event after startup.
	Block domain.BlockRef
	Known bool
}

// NewManager creates a new cursor manager over the given store.
func NewManager(store storage.CheckpointStore, opts Options) *DefaultManager {
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.TTL < 0 {
		opts.TTL = 0
	}
	return &DefaultManager{
		store:   store,
		key:     opts.Key,
		ttl:     opts.TTL,
		metrics: NewMetricsCollector(100),
	}
}

// NewMetricsCollector creates a new metrics collector with the given window size.
func NewMetricsCollector(windowSize int) *MetricsCollector {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &MetricsCollector{
		windowSize: windowSize,
		blockTimes: make([]blockRecord, 0, windowSize),
	}
}
