package memory

import (
	"context"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/vietddude/substreams-redis-sink/internal/core/domain"
	"github.com/vietddude/substreams-redis-sink/internal/infra/storage"
)

// Store is an in-process CheckpointStore. Checkpoints do not survive a
// restart; it is meant for dry runs and tests.
type Store struct {
	c      *gocache.Cache
	closed atomic.Bool
}

var _ storage.CheckpointStore = (*Store)(nil)

// NewStore creates an empty store. Expired entries are purged every
// cleanupInterval.
func NewStore(cleanupInterval time.Duration) *Store {
	return &Store{c: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

func (s *Store) Get(ctx context.Context, key string) (domain.Cursor, bool, error) {
	if s.closed.Load() {
		return "", false, storage.ErrStoreClosed
	}
	val, found := s.c.Get(key)
	if !found {
		return "", false, nil
	}
	return val.(domain.Cursor), true, nil
}

func (s *Store) Set(ctx context.Context, key string, cursor domain.Cursor, ttl time.Duration) error {
	if s.closed.Load() {
		return storage.ErrStoreClosed
	}
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	s.c.Set(key, cursor, ttl)
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if s.closed.Load() {
		return storage.ErrStoreClosed
	}
	s.c.Delete(key)
	return nil
}

// DeleteExpired purges expired entries and reports how many were removed.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	if s.closed.Load() {
		return 0, storage.ErrStoreClosed
	}
	before := s.c.ItemCount()
	s.c.DeleteExpired()
	return int64(before - s.c.ItemCount()), nil
}

func (s *Store) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.c.Flush()
	}
	return nil
}
