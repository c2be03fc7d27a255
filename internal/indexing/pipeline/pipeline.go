// Package pipeline applies stream events to a sink and checkpoints them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/substreams-redis-sink/internal/core/stream"
	"github.com/vietddude/substreams-redis-sink/internal/indexing/metrics"
)

// Sink receives the effects of the stream.
type Sink interface {
	// ApplyBlock must be idempotent: a block may be re-applied after a crash
	// between apply and checkpoint.
	ApplyBlock(ctx context.Context, block *stream.NewBlock) error
	// RollbackTo discards everything derived from blocks above lastValid.
	RollbackTo(ctx context.Context, lastValid uint64) error
}

// EventSource yields stream events in order.
type EventSource interface {
	Next(ctx context.Context) (stream.Event, error)
	Acknowledge(ev stream.Event)
}

// Checkpointer persists the cursor of applied events.
type Checkpointer interface {
	Advance(ctx context.Context, block *stream.NewBlock) error
	Rollback(ctx context.Context, undo *stream.Undo) error
}

// Stage names the step that failed.
type Stage string

const (
	StageStream     Stage = "stream"
	StageApply      Stage = "sink apply"
	StageRollback   Stage = "sink rollback"
	StageCheckpoint Stage = "checkpoint"
)

// StageError reports which step terminated the pipeline.
type StageError struct {
	Stage       Stage
	BlockNumber uint64
	Err         error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed at block %d: %v", e.Stage, e.BlockNumber, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Config wires a Pipeline.
type Config struct {
	Module      string
	Source      EventSource
	Sink        Sink
	Checkpoints Checkpointer
	Logger      *slog.Logger

	// ProgressInterval is how many blocks pass between progress logs.
	ProgressInterval uint64
}

// Stats is a snapshot of what the pipeline has applied.
type Stats struct {
	BlocksApplied    uint64
	UndosApplied     uint64
	HeadBlock        uint64
	FinalBlockHeight uint64
	LastAppliedAt    time.Time
}

// Pipeline is the single consumer of an EventSource. Events are applied
// strictly in order; an event is acknowledged only after its effect and its
// cursor are both persisted.
type Pipeline struct {
	cfg     Config
	logger  *slog.Logger
	running atomic.Bool

	mu    sync.RWMutex
	stats Stats
}

// NewPipeline creates a new pipeline
func NewPipeline(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ProgressInterval == 0 {
		cfg.ProgressInterval = 1000
	}
	return &Pipeline{
		cfg:    cfg,
		logger: logger.With("component", "pipeline", "module", cfg.Module),
	}
}

// Run consumes events until the stream ends (nil), ctx is cancelled
// (ctx.Err()) or a stage fails (*StageError).
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline already running")
	}
	defer p.running.Store(false)

	p.logger.Info("Pipeline started")
	for {
		ev, err := p.cfg.Source.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				stats := p.Stats()
				p.logger.Info("Stream completed",
					"head_block", stats.HeadBlock,
					"blocks", stats.BlocksApplied,
					"undos", stats.UndosApplied,
				)
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return p.fail(StageStream, p.Stats().HeadBlock, err)
		}

		switch e := ev.(type) {
		case *stream.NewBlock:
			err = p.applyBlock(ctx, e)
		case *stream.Undo:
			err = p.applyUndo(ctx, e)
		default:
			err = p.fail(StageStream, p.Stats().HeadBlock, fmt.Errorf("unexpected event %T", ev))
		}
		if err != nil {
			return err
		}

		p.cfg.Source.Acknowledge(ev)
	}
}

func (p *Pipeline) applyBlock(ctx context.Context, b *stream.NewBlock) error {
	start := time.Now()
	if err := p.cfg.Sink.ApplyBlock(ctx, b); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return p.fail(StageApply, b.Number, err)
	}
	metrics.StageLatency.WithLabelValues(p.cfg.Module, string(StageApply)).Observe(time.Since(start).Seconds())

	if err := p.checkpoint(ctx, b.Number, func(ctx context.Context) error {
		return p.cfg.Checkpoints.Advance(ctx, b)
	}); err != nil {
		return err
	}

	p.mu.Lock()
	p.stats.BlocksApplied++
	p.stats.HeadBlock = b.Number
	p.stats.FinalBlockHeight = b.FinalBlockHeight
	p.stats.LastAppliedAt = time.Now()
	applied := p.stats.BlocksApplied
	p.mu.Unlock()

	metrics.BlocksApplied.WithLabelValues(p.cfg.Module).Inc()
	metrics.HeadBlock.WithLabelValues(p.cfg.Module).Set(float64(b.Number))
	metrics.FinalBlockHeight.WithLabelValues(p.cfg.Module).Set(float64(b.FinalBlockHeight))

	p.logger.Debug("Block applied", "block", b.Number, "id", b.ID, "final_block_height", b.FinalBlockHeight)
	if applied%p.cfg.ProgressInterval == 0 {
		p.logger.Info("Progress", "block", b.Number, "blocks", applied)
	}
	return nil
}

func (p *Pipeline) applyUndo(ctx context.Context, u *stream.Undo) error {
	start := time.Now()
	if err := p.cfg.Sink.RollbackTo(ctx, u.LastValidBlockNumber); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return p.fail(StageRollback, u.LastValidBlockNumber, err)
	}
	metrics.StageLatency.WithLabelValues(p.cfg.Module, string(StageRollback)).Observe(time.Since(start).Seconds())

	if err := p.checkpoint(ctx, u.LastValidBlockNumber, func(ctx context.Context) error {
		return p.cfg.Checkpoints.Rollback(ctx, u)
	}); err != nil {
		return err
	}

	p.mu.Lock()
	p.stats.UndosApplied++
	p.stats.HeadBlock = u.LastValidBlockNumber
	p.stats.LastAppliedAt = time.Now()
	p.mu.Unlock()

	metrics.UndosApplied.WithLabelValues(p.cfg.Module).Inc()
	metrics.HeadBlock.WithLabelValues(p.cfg.Module).Set(float64(u.LastValidBlockNumber))

	p.logger.Info("Fork rolled back", "last_valid_block", u.LastValidBlockNumber, "last_valid_id", u.LastValidBlockID)
	return nil
}

func (p *Pipeline) checkpoint(ctx context.Context, block uint64, persist func(context.Context) error) error {
	// Nothing more is persisted once shutdown has begun; the event is
	// re-delivered on the next run.
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	if err := persist(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return p.fail(StageCheckpoint, block, err)
	}
	metrics.StageLatency.WithLabelValues(p.cfg.Module, string(StageCheckpoint)).Observe(time.Since(start).Seconds())
	return nil
}

func (p *Pipeline) fail(stage Stage, block uint64, err error) error {
	metrics.StageErrors.WithLabelValues(p.cfg.Module, string(stage)).Inc()
	p.logger.Error("Pipeline stopped", "stage", stage, "block", block, "error", err)
	return &StageError{Stage: stage, BlockNumber: block, Err: err}
}

// Running reports whether Run is in progress.
func (p *Pipeline) Running() bool {
	return p.running.Load()
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}
