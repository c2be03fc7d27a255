package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/substreams-redis-sink/internal/core/domain"
)

// ErrStoreClosed is returned when a store is used after Close.
var ErrStoreClosed = errors.New("checkpoint store closed")

// CheckpointStore persists the resumption cursor. Set overwrites any previous
// value. A ttl of zero stores the cursor without expiry.
type CheckpointStore interface {
	// Get returns the stored cursor. found is false when nothing is stored
	// or the entry expired.
	Get(ctx context.Context, key string) (cursor domain.Cursor, found bool, err error)

	// Set stores cursor under key.
	Set(ctx context.Context, key string, cursor domain.Cursor, ttl time.Duration) error

	// Delete removes the cursor. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases the underlying connection.
	Close() error
}
