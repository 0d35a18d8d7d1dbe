// Package redistier implements the tier port against a shared Redis peer.
//
// All keys carry a fixed namespace prefix so the peer can be shared with
// unrelated consumers. The client is stateless beyond the connection pool,
// which go-redis makes safe for concurrent use.
package redistier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// scanPageSize is the COUNT hint for SCAN when paging through keys.
const scanPageSize = 256

// Client adapts a Redis connection to the tier port.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return NewWithClient(rdb, cfg.Prefix), nil
}

// NewWithClient wraps an existing Redis client. Used by tests with miniredis.
func NewWithClient(rdb *redis.Client, prefix string) *Client {
	if prefix == "" {
		prefix = "l2:"
	}
	return &Client{rdb: rdb, prefix: prefix}
}

// Name identifies this tier in logs and metrics.
func (c *Client) Name() string { return "L2" }

// Get retrieves a value. A clean miss returns (nil, false, nil); any other
// failure means the tier is unavailable and must not be counted as a miss.
func (c *Client) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	data, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return data, true, nil
}

// Set stores a value with the given TTL. ttl <= 0 stores without expiry.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := c.rdb.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// escapeGlob quotes MATCH metacharacters so the pattern matches as a literal
// substring, same as the other tiers.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// DeleteWhere removes every namespaced key containing pattern. It pages
// through SCAN rather than assuming a single bounded reply, deleting each
// page as it goes.
func (c *Client) DeleteWhere(ctx context.Context, pattern string) (int, error) {
	match := escapeGlob(c.prefix) + "*"
	if pattern != "" {
		match = escapeGlob(c.prefix) + "*" + escapeGlob(pattern) + "*"
	}

	removed := 0
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, match, scanPageSize).Result()
		if err != nil {
			return removed, fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			n, err := c.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("redis del batch: %w", err)
			}
			removed += int(n)
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}

// Clear removes every key in this client's namespace. Keys owned by other
// consumers of the same peer are untouched.
func (c *Client) Clear(ctx context.Context) error {
	_, err := c.DeleteWhere(ctx, "")
	return err
}

// Ping reports whether the peer is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
