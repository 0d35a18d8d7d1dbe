package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store implements the durable tier on the cache_entries table. Entries with
// a NULL expires_at are valid until explicitly invalidated; entries written
// with a TTL carry their own application-level expiry, checked lazily on read.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Name identifies this tier in logs and metrics.
func (s *Store) Name() string { return "L3" }

// Get retrieves a value. An expired entry is deleted as a side effect and
// reported as a clean miss; any query failure means the tier is unavailable.
func (s *Store) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	const q = `SELECT value, expires_at FROM cache_entries WHERE key = $1`

	var expiresAt *time.Time
	if err := s.pool.QueryRow(ctx, q, key).Scan(&value, &expiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get cache entry: %w", err)
	}

	if expiresAt != nil && time.Now().After(*expiresAt) {
		_, _ = s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE key = $1`, key)
		return nil, false, nil
	}
	return value, true, nil
}

// Set upserts a value. ttl <= 0 stores without expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	const q = `
		INSERT INTO cache_entries (key, value, stored_at, expires_at)
		VALUES ($1, $2, now(), $3)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, stored_at = now(), expires_at = EXCLUDED.expires_at`

	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}
	if _, err := s.pool.Exec(ctx, q, key, value, expiresAt); err != nil {
		return fmt.Errorf("set cache entry: %w", err)
	}
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// DeleteWhere removes every key containing pattern and returns the count.
func (s *Store) DeleteWhere(ctx context.Context, pattern string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM cache_entries WHERE key LIKE '%' || $1 || '%'`, pattern)
	if err != nil {
		return 0, fmt.Errorf("delete cache entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Clear removes all cache entries. Knowledge documents are untouched.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("clear cache entries: %w", err)
	}
	return nil
}
