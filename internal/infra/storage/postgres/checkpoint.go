package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/substreams-redis-sink/internal/core/domain"
	"github.com/vietddude/substreams-redis-sink/internal/infra/storage"
)

const (
	getCheckpoint = `SELECT value FROM checkpoints
WHERE name = $1 AND (expires_at IS NULL OR expires_at > now())`

	upsertCheckpoint = `INSERT INTO checkpoints (name, value, expires_at, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (name) DO UPDATE
SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at`

	deleteCheckpoint = `DELETE FROM checkpoints WHERE name = $1`

	deleteExpiredCheckpoints = `DELETE FROM checkpoints WHERE expires_at IS NOT NULL AND expires_at <= now()`
)

// CheckpointStore implements storage.CheckpointStore using PostgreSQL.
type CheckpointStore struct {
	db *DB
}

var _ storage.CheckpointStore = (*CheckpointStore)(nil)

// NewCheckpointStore creates a new PostgreSQL checkpoint store.
func NewCheckpointStore(db *DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// Get retrieves a live checkpoint by name.
func (s *CheckpointStore) Get(ctx context.Context, key string) (domain.Cursor, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, getCheckpoint, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return domain.Cursor(value), true, nil
}

// Set upserts a checkpoint. A zero ttl never expires.
func (s *CheckpointStore) Set(ctx context.Context, key string, cursor domain.Cursor, ttl time.Duration) error {
	var expiresAt sql.NullTime
	if ttl > 0 {
		expiresAt = sql.NullTime{Time: time.Now().Add(ttl).UTC(), Valid: true}
	}
	if _, err := s.db.ExecContext(ctx, upsertCheckpoint, key, cursor.String(), expiresAt); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Delete removes a checkpoint.
func (s *CheckpointStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, deleteCheckpoint, key); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// DeleteExpired removes rows whose expiry has passed. Get already ignores
// them; this only reclaims space.
func (s *CheckpointStore) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, deleteExpiredCheckpoints)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted checkpoints: %w", err)
	}
	return n, nil
}

// Close closes the database connection.
func (s *CheckpointStore) Close() error {
	return s.db.Close()
}
