// Package natskv implements the tier port using NATS JetStream KV as the
// remote shared tier.
//
// JetStream KV restricts key characters (no ':' in particular), while cache
// keys are arbitrary — the facade derives "op:<hash>" keys and documents are
// cached as "doc:<key>". Keys are therefore stored base64url-encoded and
// decoded again when listing. JetStream KV also expires entries at the bucket
// level, so the per-call TTL is advisory here: the bucket's TTL governs.
package natskv

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// bucket is the slice of jetstream.KeyValue the cache uses. Narrowed so tests
// can substitute a fake bucket without an embedded server.
type bucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
	Purge(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
	ListKeys(ctx context.Context, opts ...jetstream.WatchOpt) (jetstream.KeyLister, error)
}

// Cache wraps a NATS JetStream KeyValue bucket as a remote cache tier.
type Cache struct {
	kv bucket
}

// Connect dials NATS and opens (or creates) the named KV bucket with the
// given bucket-level TTL. The returned func closes the connection.
func Connect(ctx context.Context, url, bucketName string, ttl time.Duration) (*Cache, func(), error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream init: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucketName,
		TTL:    ttl,
	})
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("kv bucket %s: %w", bucketName, err)
	}
	return New(kv), nc.Close, nil
}

// New creates a cache over an existing KV bucket.
func New(kv bucket) *Cache {
	return &Cache{kv: kv}
}

// encodeKey maps an arbitrary cache key onto the restricted KV key charset.
// base64url output ([A-Za-z0-9-_=]) is entirely within the characters KV
// accepts.
func encodeKey(key string) string {
	return base64.URLEncoding.EncodeToString([]byte(key))
}

// decodeKey reverses encodeKey. Keys written by other consumers of the same
// bucket may not decode; those are not ours.
func decodeKey(stored string) (string, bool) {
	raw, err := base64.URLEncoding.DecodeString(stored)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// Name identifies this tier in logs and metrics.
func (c *Cache) Name() string { return "L2" }

// Get retrieves a value. A missing key is a clean miss; any other failure
// means the tier is unavailable.
func (c *Cache) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	entry, err := c.kv.Get(ctx, encodeKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("kv get: %w", err)
	}
	return entry.Value(), true, nil
}

// Set stores a value. Expiry is governed by the bucket TTL, not per key.
func (c *Cache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	if _, err := c.kv.Put(ctx, encodeKey(key), value); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, encodeKey(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// DeleteWhere removes every key containing pattern and returns the count.
// Matching happens on the decoded key; stored keys that do not decode belong
// to other bucket consumers and are left alone.
func (c *Cache) DeleteWhere(ctx context.Context, pattern string) (int, error) {
	lister, err := c.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("kv list keys: %w", err)
	}
	defer func() { _ = lister.Stop() }()

	removed := 0
	for stored := range lister.Keys() {
		key, ok := decodeKey(stored)
		if !ok {
			continue
		}
		if pattern != "" && !strings.Contains(key, pattern) {
			continue
		}
		if err := c.kv.Purge(ctx, stored); err != nil {
			return removed, fmt.Errorf("kv purge %s: %w", stored, err)
		}
		removed++
	}
	return removed, nil
}

// Clear removes every key this tier owns.
func (c *Cache) Clear(ctx context.Context) error {
	_, err := c.DeleteWhere(ctx, "")
	return err
}
