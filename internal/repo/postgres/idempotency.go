package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// IdempotencyStore is keyed put-if-absent with TTL. Expired keys are
// reclaimed lazily on the next insert attempt.
type IdempotencyStore struct {
	db *sql.DB
}

func NewIdempotencyStore(db *sql.DB) (*IdempotencyStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &IdempotencyStore{db: db}, nil
}

// PutIfAbsent reports true when the key was newly claimed.
func (s *IdempotencyStore) PutIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("idempotency store is not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, errors.New("key is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO idempotency_keys (key, created_at, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
		 WHERE idempotency_keys.expires_at < $2`,
		key, now, now.Add(ttl),
	)
	if err != nil {
		return false, fmt.Errorf("put idempotency key: %w", err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("put idempotency key: %w", err)
	}
	return claimed > 0, nil
}
