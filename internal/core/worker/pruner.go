package worker

import (
	"context"
	"log/slog"
	"time"
)

// Expirer removes entries whose expiry has passed.
type Expirer interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// Pruner periodically removes expired checkpoints from stores that do not
// expire entries on their own.
type Pruner struct {
	target   Expirer
	interval time.Duration
	logger   *slog.Logger
}

// NewPruner creates a new Pruner worker.
func NewPruner(target Expirer, ttl time.Duration, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	// Check every 10% of the ttl, between one minute and one hour.
	interval := min(ttl/10, 1*time.Hour)
	interval = max(interval, 1*time.Minute)
	return &Pruner{
		target:   target,
		interval: interval,
		logger:   logger.With("component", "pruner"),
	}
}

// Interval returns the time between prunes.
func (p *Pruner) Interval() time.Duration {
	return p.interval
}

// Start runs the pruner loop until ctx is done.
func (p *Pruner) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Initial prune
	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune runs a single pass.
func (p *Pruner) Prune(ctx context.Context) {
	n, err := p.target.DeleteExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("Failed to prune expired checkpoints", "error", err)
		}
		return
	}
	if n > 0 {
		p.logger.Debug("Pruned expired checkpoints", "count", n)
	}
}
