package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/substreams-redis-sink/internal/core/config"
	"github.com/vietddude/substreams-redis-sink/internal/core/cursor"
	"github.com/vietddude/substreams-redis-sink/internal/core/stream"
	"github.com/vietddude/substreams-redis-sink/internal/core/worker"
	"github.com/vietddude/substreams-redis-sink/internal/indexing/health"
	"github.com/vietddude/substreams-redis-sink/internal/indexing/metrics"
	"github.com/vietddude/substreams-redis-sink/internal/indexing/pipeline"
	redisclient "github.com/vietddude/substreams-redis-sink/internal/infra/redis"
	"github.com/vietddude/substreams-redis-sink/internal/infra/storage"
	"github.com/vietddude/substreams-redis-sink/internal/infra/storage/memory"
	"github.com/vietddude/substreams-redis-sink/internal/infra/storage/postgres"
	"github.com/vietddude/substreams-redis-sink/internal/infra/substreams"
)

// Sinker is the main application struct. It owns every resource of one
// sink run: the endpoint, the redis connection, the checkpoint store, the
// pipeline and the health server.
type Sinker struct {
	cfg    *config.AppConfig
	logger *slog.Logger

	endpoint stream.Endpoint
	redis    *redisclient.Client
	store    storage.CheckpointStore
	db       *postgres.DB

	cursors  *cursor.DefaultManager
	driver   *stream.Driver
	cache    *redisclient.BlockCache
	pipeline *pipeline.Pipeline

	healthy      atomic.Bool
	healthServer *health.Server
}

// resources are the external connections a Sinker is assembled from.
type resources struct {
	endpoint   stream.Endpoint
	redis      *redisclient.Client
	store      storage.CheckpointStore
	db         *postgres.DB
	blockRange substreams.BlockRange
	gatherer   prometheus.Gatherer
}

func (r *resources) close() {
	if c, ok := r.endpoint.(interface{ Close() error }); ok {
		_ = c.Close()
	}
	if r.store != nil {
		_ = r.store.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
}

// NewSinker resolves the package, connects to redis and the checkpoint
// store and loads the persisted cursor. No stream is opened until Run.
func NewSinker(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*Sinker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sc := cfg.Substreams

	pkg, err := substreams.ReadPackage(ctx, sc.Package)
	if err != nil {
		return nil, err
	}
	module, err := substreams.FindModule(pkg, sc.Module)
	if err != nil {
		return nil, err
	}
	blockRange, err := substreams.ParseBlockRange(sc.BlockRange, module.GetInitialBlock())
	if err != nil {
		return nil, err
	}

	res := &resources{blockRange: blockRange}

	res.redis, err = redisclient.NewClient(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}

	res.store, res.db, err = openCheckpointStore(ctx, cfg, res.redis)
	if err != nil {
		res.close()
		return nil, err
	}

	endpoint, err := substreams.NewEndpoint(substreams.Config{
		URL:             sc.EndpointURL,
		APIToken:        sc.APIToken,
		Package:         pkg,
		FinalBlocksOnly: sc.FinalBlocksOnly,
		ProductionMode:  sc.ProductionMode,
		Logger:          logger,
	})
	if err != nil {
		res.close()
		return nil, err
	}
	res.endpoint = endpoint

	s, err := assemble(ctx, cfg, res, logger)
	if err != nil {
		res.close()
		return nil, err
	}
	return s, nil
}

func assemble(ctx context.Context, cfg *config.AppConfig, res *resources, logger *slog.Logger) (*Sinker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	module := cfg.Substreams.Module
	s := &Sinker{
		cfg:      cfg,
		logger:   logger.With("component", "sinker", "module", module),
		endpoint: res.endpoint,
		redis:    res.redis,
		store:    res.store,
		db:       res.db,
	}

	s.cursors = cursor.NewManager(res.store, cursor.Options{
		Key: cfg.Checkpoint.Key,
		TTL: cfg.Checkpoint.TTL,
	})
	resume, found, err := s.cursors.Load(ctx)
	if err != nil {
		return nil, err
	}
	if found {
		s.logger.Info("Resuming from persisted cursor", "key", s.cursors.Key(), "cursor", resume.String())
	} else {
		s.logger.Info("No persisted cursor, starting from block range", "range", res.blockRange.String())
	}

	s.driver = stream.NewDriver(res.endpoint, stream.Config{
		Module:     module,
		StartBlock: res.blockRange.Start,
		StopBlock:  res.blockRange.Stop,
		Cursor:     resume,
		Retry: stream.RetryPolicy{
			InitialDelay: cfg.Substreams.Retry.InitialDelay,
			MaxDelay:     cfg.Substreams.Retry.MaxDelay,
		},
		Logger: logger,
	})
	s.driver.SetTransitionCallback(s.onTransition)

	s.cache = redisclient.NewBlockCache(res.redis, cfg.Sink, logger)

	s.pipeline = pipeline.NewPipeline(pipeline.Config{
		Module:      module,
		Source:      s.driver,
		Sink:        s.cache,
		Checkpoints: s.cursors,
		Logger:      logger,
	})

	if cfg.Health.Enabled {
		monitor := health.NewMonitor(module, &s.healthy, res.gatherer, cfg.Health.CacheInterval)
		s.healthServer = health.NewServer(monitor, cfg.Health.Addr)
	}

	return s, nil
}

func (s *Sinker) onTransition(t stream.Transition) {
	module := s.cfg.Substreams.Module
	for state := range stream.ValidTransitions {
		metrics.StreamState.WithLabelValues(module, string(state)).Set(0)
	}
	metrics.StreamState.WithLabelValues(module, string(t.To)).Set(1)
	if t.To == stream.StateReconnecting {
		metrics.StreamReconnects.WithLabelValues(module).Inc()
	}
	s.cursors.RecordTransition(t)
	s.logger.Debug("Stream state changed", "from", t.From, "to", t.To, "reason", t.Reason)
}

// Run streams until the producer ends the range (nil), ctx is cancelled
// (ctx.Err()) or a stage fails. The health server runs alongside the
// pipeline; its failures are logged and never stop the sink.
func (s *Sinker) Run(ctx context.Context) error {
	if s.db != nil {
		s.db.StartMetricsCollector(ctx)
	}
	if expirer, ok := s.store.(worker.Expirer); ok && s.cfg.Checkpoint.TTL > 0 {
		pruneCtx, stopPrune := context.WithCancel(ctx)
		defer stopPrune()
		go worker.NewPruner(expirer, s.cfg.Checkpoint.TTL, s.logger).Start(pruneCtx)
	}

	publishCtx, stopPublish := context.WithCancel(ctx)
	defer stopPublish()
	go s.publishCheckpointMetrics(publishCtx)

	s.healthy.Store(true)
	defer s.healthy.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	if s.healthServer != nil {
		g.Go(func() error {
			if err := s.healthServer.Start(); err != nil {
				s.logger.Error("Health server failed", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer s.stopHealth()
		err := s.pipeline.Run(gctx)
		s.healthy.Store(false)
		return err
	})

	err := g.Wait()
	stopPublish()
	cm := s.publishCheckpoint()
	stats := s.pipeline.Stats()
	s.logger.Info("Sinker stopped",
		"blocks", stats.BlocksApplied,
		"undos", stats.UndosApplied,
		"head", stats.HeadBlock,
		"blocks_per_second", cm.BlocksPerSecond,
		"cursor", s.cursors.Position().Cursor.String(),
	)
	return err
}

// publishCheckpointMetrics copies the cursor manager's throughput window into
// the Prometheus registry, where the health monitor reads it.
func (s *Sinker) publishCheckpointMetrics(ctx context.Context) {
	interval := s.cfg.Health.CacheInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishCheckpoint()
		}
	}
}

func (s *Sinker) publishCheckpoint() cursor.Metrics {
	module := s.cfg.Substreams.Module
	m := s.cursors.GetMetrics()
	metrics.CheckpointRate.WithLabelValues(module).Set(m.BlocksPerSecond)
	metrics.CheckpointBlockTime.WithLabelValues(module).Set(m.AverageBlockTime.Seconds())
	metrics.LastReconnect.WithLabelValues(module).Set(unixSeconds(m.LastReconnectAt))
	metrics.LastUndo.WithLabelValues(module).Set(unixSeconds(m.LastUndoAt))
	return m
}

func unixSeconds(t *time.Time) float64 {
	if t == nil {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}

func (s *Sinker) stopHealth() {
	if s.healthServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.healthServer.Stop(ctx); err != nil {
		s.logger.Warn("Failed to stop health server", "error", err)
	}
}

// Healthy reports whether the pipeline is running.
func (s *Sinker) Healthy() bool {
	return s.healthy.Load()
}

// Position returns the last persisted cursor position.
func (s *Sinker) Position() cursor.Position {
	return s.cursors.Position()
}

// Close releases the stream and every connection. It must not be called
// while Run is in progress.
func (s *Sinker) Close() error {
	var errs []error
	if err := s.driver.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close stream: %w", err))
	}
	if c, ok := s.endpoint.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close endpoint: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close checkpoint store: %w", err))
	}
	if err := s.redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close redis: %w", err))
	}
	return errors.Join(errs...)
}

// OpenCheckpointStore opens the configured checkpoint store on its own
// connections. Closing the store releases them.
func OpenCheckpointStore(ctx context.Context, cfg *config.AppConfig) (storage.CheckpointStore, error) {
	var rc *redisclient.Client
	if cfg.Checkpoint.Backend == config.BackendRedis {
		var err error
		if rc, err = redisclient.NewClient(ctx, cfg.Redis); err != nil {
			return nil, err
		}
	}
	store, _, err := openCheckpointStore(ctx, cfg, rc)
	return store, err
}

func openCheckpointStore(ctx context.Context, cfg *config.AppConfig, rc *redisclient.Client) (storage.CheckpointStore, *postgres.DB, error) {
	switch cfg.Checkpoint.Backend {
	case config.BackendRedis, "":
		if rc == nil {
			return nil, nil, fmt.Errorf("redis checkpoint store requires a redis client")
		}
		return redisclient.NewCheckpointStore(rc), nil, nil
	case config.BackendPostgres:
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewCheckpointStore(db), db, nil
	case config.BackendMemory:
		return memory.NewStore(0), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Checkpoint.Backend)
	}
}
