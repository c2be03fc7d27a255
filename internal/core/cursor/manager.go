package cursor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/substreams-redis-sink/internal/core/domain"
	"github.com/vietddude/substreams-redis-sink/internal/core/stream"
	"github.com/vietddude/substreams-redis-sink/internal/infra/storage"
)

var (
	// ErrBlockRegression is returned when a block older than the current
	// position is applied without a rollback in between.
	ErrBlockRegression = errors.New("block regression detected")

	// ErrRollbackAhead is returned when an undo points past the current position.
	ErrRollbackAhead = errors.New("rollback target is ahead of cursor")

	// ErrEmptyCursor is returned when asked to persist an empty cursor.
	ErrEmptyCursor = errors.New("empty cursor")
)

// Manager handles checkpoint persistence for the driver loop.
type Manager interface {
	// Load reads the persisted cursor. found is false on a fresh start.
	Load(ctx context.Context) (domain.Cursor, bool, error)

	// Advance persists the cursor of an applied block.
	Advance(ctx context.Context, block *stream.NewBlock) error

	// Rollback persists the last valid cursor of an applied undo.
	Rollback(ctx context.Context, undo *stream.Undo) error

	// Set overwrites the persisted cursor (operator command).
	Set(ctx context.Context, cursor domain.Cursor) error

	// Reset deletes the persisted cursor so the next run starts fresh.
	Reset(ctx context.Context) error

	// Position returns the last checkpointed position.
	Position() Position

	// GetMetrics returns throughput and transition history.
	GetMetrics() Metrics

	// RecordTransition records a stream state change in the metrics.
	RecordTransition(t stream.Transition)
}

// DefaultManager implements Manager over a storage.CheckpointStore.
type DefaultManager struct {
	store   storage.CheckpointStore
	key     string
	ttl     time.Duration
	mu      sync.RWMutex
	pos     Position
	metrics *MetricsCollector
}

var _ Manager = (*DefaultManager)(nil)

// Key returns the store key the manager writes to.
func (m *DefaultManager) Key() string {
	return m.key
}

// Load reads the persisted cursor.
func (m *DefaultManager) Load(ctx context.Context) (domain.Cursor, bool, error) {
	c, found, err := m.store.Get(ctx, m.key)
	if err != nil {
		return "", false, fmt.Errorf("failed to load cursor: %w", err)
	}
	if found && c.IsEmpty() {
		found = false
	}

	m.mu.Lock()
	m.pos = Position{Cursor: c}
	m.mu.Unlock()

	return c, found, nil
}

// Advance persists the cursor after a block has been applied.
func (m *DefaultManager) Advance(ctx context.Context, block *stream.NewBlock) error {
	m.mu.RLock()
	pos := m.pos
	m.mu.RUnlock()

	if pos.Known {
		if block.Number < pos.Block.Number {
			return fmt.Errorf("%w: at block %d, got %d", ErrBlockRegression, pos.Block.Number, block.Number)
		}
		// Check for idempotency (duplicate delivery / re-process)
		if block.Number == pos.Block.Number && block.ID != pos.Block.ID {
			return fmt.Errorf(
				"%w: cursor at %d with id %s, got same block with id %s",
				ErrBlockRegression,
				pos.Block.Number,
				pos.Block.ID,
				block.ID,
			)
		}
	}

	if err := m.persist(ctx, block.Cursor, block.Ref()); err != nil {
		return err
	}

	m.mu.Lock()
	m.metrics.RecordBlock(block.Number, time.Now())
	m.mu.Unlock()
	return nil
}

// Rollback persists the last valid cursor after an undo has been applied.
func (m *DefaultManager) Rollback(ctx context.Context, undo *stream.Undo) error {
	m.mu.RLock()
	pos := m.pos
	m.mu.RUnlock()

	if pos.Known && undo.LastValidBlockNumber > pos.Block.Number {
		return fmt.Errorf("%w: at block %d, undo to %d", ErrRollbackAhead, pos.Block.Number, undo.LastValidBlockNumber)
	}

	if err := m.persist(ctx, undo.LastValidCursor, undo.Ref()); err != nil {
		return err
	}

	m.mu.Lock()
	m.metrics.RecordUndo(time.Now())
	m.mu.Unlock()
	return nil
}

// Set overwrites the persisted cursor. The block position becomes unknown.
func (m *DefaultManager) Set(ctx context.Context, c domain.Cursor) error {
	if c.IsEmpty() {
		return ErrEmptyCursor
	}
	if err := m.store.Set(ctx, m.key, c, m.ttl); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	m.mu.Lock()
	m.pos = Position{Cursor: c}
	m.mu.Unlock()
	return nil
}

// Reset deletes the persisted cursor.
func (m *DefaultManager) Reset(ctx context.Context) error {
	if err := m.store.Delete(ctx, m.key); err != nil {
		return fmt.Errorf("failed to delete cursor: %w", err)
	}
	m.mu.Lock()
	m.pos = Position{}
	m.metrics.Reset()
	m.mu.Unlock()
	return nil
}

// Position returns the last checkpointed position.
func (m *DefaultManager) Position() Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pos
}

// GetMetrics returns performance metrics.
func (m *DefaultManager) GetMetrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics.GetMetrics()
}

// RecordTransition records a stream state change.
func (m *DefaultManager) RecordTransition(t stream.Transition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.RecordTransition(t)
}

func (m *DefaultManager) persist(ctx context.Context, c domain.Cursor, ref domain.BlockRef) error {
	if c.IsEmpty() {
		return fmt.Errorf("%w at block %d", ErrEmptyCursor, ref.Number)
	}
	if err := m.store.Set(ctx, m.key, c, m.ttl); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}

	m.mu.Lock()
	m.pos = Position{Cursor: c, Block: ref, Known: true}
	m.mu.Unlock()
	return nil
}
