// Package tier defines the port interface implemented by every cache tier.
package tier

import (
	"context"
	"time"
)

// Tier is the contract shared by all cache levels.
//
// Get returns (value, true, nil) on a hit, (nil, false, nil) on a clean miss,
// and a non-nil error when the tier is unavailable (network failure, protocol
// error, deadline exceeded). Callers must never treat an error as a miss.
type Tier interface {
	// Name identifies the tier ("L1", "L2", "L3") in logs and metrics.
	Name() string

	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set stores a value. ttl <= 0 means the tier's notion of "no expiry".
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteWhere removes every key containing the given substring and
	// returns how many were removed.
	DeleteWhere(ctx context.Context, pattern string) (int, error)

	// Clear removes all entries owned by this tier.
	Clear(ctx context.Context) error
}

// Stats is implemented by tiers that can report local occupancy. Only the
// in-process tier is size-bounded; remote tiers are externally bounded.
type Stats interface {
	Len() int
	Cap() int
	Evictions() int64
}

// SearchResult is one ranked hit from the durable store's search capability.
type SearchResult struct {
	Key     string  `json:"key"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Searcher is the durable tier's content search capability. The engine never
// calls it; the knowledge facade treats it as an opaque cacheable operation.
type Searcher interface {
	Search(ctx context.Context, query string, limit int, filter map[string]string) ([]SearchResult, error)
}

// Target selects which tiers a write or invalidation applies to.
type Target uint8

const (
	TargetL1 Target = 1 << iota
	TargetL2
	TargetL3

	TargetAll = TargetL1 | TargetL2 | TargetL3
)

// Has reports whether t includes the given tier.
func (t Target) Has(other Target) bool { return t&other != 0 }
