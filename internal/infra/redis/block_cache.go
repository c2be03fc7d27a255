package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/substreams-redis-sink/internal/core/stream"
)

// RollbackStrategy selects how BlockCache handles fork undos.
type RollbackStrategy string

const (
	// RollbackDelete removes every record above the last valid block.
	RollbackDelete RollbackStrategy = "delete"
	// RollbackExpire leaves orphaned records in place until their TTL runs out.
	RollbackExpire RollbackStrategy = "expire"
)

// BlockCache defaults.
const (
	DefaultNamespace         = "eos:simple"
	DefaultBlockTTL          = 15 * time.Second
	DefaultIndexWindow int64 = 1000
)

// BlockCacheConfig configures a BlockCache.
type BlockCacheConfig struct {
	Namespace   string           `yaml:"namespace"`
	TTL         time.Duration    `yaml:"ttl"`
	Rollback    RollbackStrategy `yaml:"rollback"     validate:"oneof=delete expire"`
	IndexWindow int64            `yaml:"index_window"`
}

// BlockRecord is the JSON value written per block.
type BlockRecord struct {
	HeadBlockID     string `json:"head_block_id"`
	HeadBlockNumber uint64 `json:"head_block_number"`
	HeadBlockTime   string `json:"head_block_time"`
}

// BlockCache writes a short-lived record per block.
type BlockCache struct {
	client *Client
	cfg    BlockCacheConfig
	logger *slog.Logger
}

// NewBlockCache creates a BlockCache over client.
func NewBlockCache(client *Client, cfg BlockCacheConfig, logger *slog.Logger) *BlockCache {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultBlockTTL
	}
	if cfg.Rollback == "" {
		cfg.Rollback = RollbackDelete
	}
	if cfg.IndexWindow <= 0 {
		cfg.IndexWindow = DefaultIndexWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BlockCache{client: client, cfg: cfg, logger: logger.With("component", "sink")}
}

// Key helpers
func (c *BlockCache) blockKey(n uint64) string {
	return c.cfg.Namespace + ":" + strconv.FormatUint(n, 10)
}

func (c *BlockCache) indexKey() string {
	return c.cfg.Namespace + ":index"
}

// ApplyBlock upserts the record of b. Applying the same block twice leaves
// the same state.
func (c *BlockCache) ApplyBlock(ctx context.Context, b *stream.NewBlock) error {
	data, err := json.Marshal(BlockRecord{
		HeadBlockID:     b.ID,
		HeadBlockNumber: b.Number,
		HeadBlockTime:   b.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal block record: %w", err)
	}

	key := c.blockKey(b.Number)
	// Plain pipeline: record and index may live in different cluster slots.
	_, err = c.client.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, key, data, c.cfg.TTL)
		if c.cfg.Rollback == RollbackDelete {
			p.ZAdd(ctx, c.indexKey(), redis.Z{Score: float64(b.Number), Member: key})
			p.ZRemRangeByRank(ctx, c.indexKey(), 0, -(c.cfg.IndexWindow + 1))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write block %d: %w", b.Number, err)
	}
	return nil
}

// RollbackTo discards records of blocks above lastValid.
func (c *BlockCache) RollbackTo(ctx context.Context, lastValid uint64) error {
	if c.cfg.Rollback == RollbackExpire {
		c.logger.Debug("Leaving orphaned records to expire", "last_valid_block", lastValid)
		return nil
	}

	above := &redis.ZRangeBy{Min: "(" + strconv.FormatUint(lastValid, 10), Max: "+inf"}
	keys, err := c.client.rdb.ZRangeByScore(ctx, c.indexKey(), above).Result()
	if err != nil {
		return fmt.Errorf("zrangebyscore failed: %w", err)
	}

	_, err = c.client.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, key := range keys {
			p.Del(ctx, key)
		}
		p.ZRemRangeByScore(ctx, c.indexKey(), above.Min, above.Max)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to roll back to block %d: %w", lastValid, err)
	}

	c.logger.Info("Rolled back block records", "last_valid_block", lastValid, "deleted", len(keys))
	return nil
}

// Get returns the record of block n, if it has not expired.
func (c *BlockCache) Get(ctx context.Context, n uint64) (*BlockRecord, bool, error) {
	data, err := c.client.rdb.Get(ctx, c.blockKey(n)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get failed: %w", err)
	}

	var rec BlockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal block record: %w", err)
	}
	return &rec, true, nil
}

// Head returns the record of the highest indexed block. Only the delete
// strategy maintains the index, so Head reports nothing under expire.
func (c *BlockCache) Head(ctx context.Context) (*BlockRecord, bool, error) {
	top, err := c.client.rdb.ZRevRangeWithScores(ctx, c.indexKey(), 0, 0).Result()
	if err != nil {
		return nil, false, fmt.Errorf("zrevrange failed: %w", err)
	}
	if len(top) == 0 {
		return nil, false, nil
	}
	return c.Get(ctx, uint64(top[0].Score))
}

// Close closes the underlying client.
func (c *BlockCache) Close() error {
	return c.client.Close()
}
