package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/substreams-redis-sink/internal/core/domain"
	"github.com/vietddude/substreams-redis-sink/internal/infra/storage"
)

// CheckpointStore implements storage.CheckpointStore using Redis string keys.
type CheckpointStore struct {
	client *Client
}

var _ storage.CheckpointStore = (*CheckpointStore)(nil)

// NewCheckpointStore creates a new Redis-backed checkpoint store.
func NewCheckpointStore(client *Client) *CheckpointStore {
	return &CheckpointStore{client: client}
}

// Get retrieves the cursor stored under key.
func (s *CheckpointStore) Get(ctx context.Context, key string) (domain.Cursor, bool, error) {
	val, err := s.client.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get failed: %w", err)
	}
	return domain.Cursor(val), true, nil
}

// Set stores the cursor with the given expiry. A zero ttl never expires.
func (s *CheckpointStore) Set(ctx context.Context, key string, cursor domain.Cursor, ttl time.Duration) error {
	if err := s.client.rdb.Set(ctx, key, cursor.String(), ttl).Err(); err != nil {
		return fmt.Errorf("set failed: %w", err)
	}
	return nil
}

// Delete removes the cursor.
func (s *CheckpointStore) Delete(ctx context.Context, key string) error {
	if err := s.client.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del failed: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *CheckpointStore) Close() error {
	return s.client.Close()
}
