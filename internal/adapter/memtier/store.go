// Package memtier implements the tier port as a bounded in-process L1 store
// with strict LRU eviction and lazy TTL expiry.
package memtier

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// entry is one cached value plus the bookkeeping needed for TTL and LRU.
type entry struct {
	key      string
	value    []byte
	storedAt time.Time
	ttl      time.Duration
	elem     *list.Element
}

// Store is a bounded in-process key/value store. Every operation, including
// the recency update on Get, runs under a single mutex: reads mutate LRU
// order, so a reader/writer split buys nothing here.
type Store struct {
	mu         sync.Mutex
	entries    map[string]*entry
	order      *list.List // front = most recently used
	maxSize    int
	defaultTTL time.Duration
	evictions  atomic.Int64
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source. Used by tests to drive TTL expiry
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store bounded to maxSize entries. defaultTTL applies to Set
// calls that pass ttl <= 0; a zero defaultTTL means entries never expire.
func New(maxSize int, defaultTTL time.Duration, opts ...Option) *Store {
	s := &Store{
		entries:    make(map[string]*entry, maxSize),
		order:      list.New(),
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Name identifies this tier in logs and metrics.
func (s *Store) Name() string { return "L1" }

// Get returns the value for key. An expired entry is removed as a side effect
// and reported as a miss, never as a hit. A hit refreshes recency order.
func (s *Store) Get(_ context.Context, key string) (value []byte, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if s.expired(e) {
		s.remove(e)
		return nil, false, nil
	}
	s.order.MoveToFront(e.elem)
	return e.value, true, nil
}

// Set inserts or overwrites. Inserting a new key at capacity evicts the
// least-recently-used entry first, so the store never exceeds maxSize.
// Overwriting refreshes storedAt and recency but does not count as eviction.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		e.value = value
		e.storedAt = s.now()
		e.ttl = ttl
		s.order.MoveToFront(e.elem)
		return nil
	}

	if s.maxSize > 0 && len(s.entries) >= s.maxSize {
		s.evictLRU()
	}

	e := &entry{key: key, value: value, storedAt: s.now(), ttl: ttl}
	e.elem = s.order.PushFront(e)
	s.entries[key] = e
	return nil
}

// Delete removes key if present.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		s.remove(e)
	}
	return nil
}

// DeleteWhere removes every key containing pattern and returns the count.
func (s *Store) DeleteWhere(_ context.Context, pattern string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		if strings.Contains(key, pattern) {
			s.remove(e)
			removed++
		}
	}
	return removed, nil
}

// Clear removes all entries.
func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*entry, s.maxSize)
	s.order.Init()
	return nil
}

// Len returns the current entry count, including any not-yet-reaped expired
// entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Cap returns the maximum entry count.
func (s *Store) Cap() int { return s.maxSize }

// Evictions returns how many entries were removed by the LRU bound.
func (s *Store) Evictions() int64 { return s.evictions.Load() }

// expired must be called with s.mu held.
func (s *Store) expired(e *entry) bool {
	return e.ttl > 0 && s.now().After(e.storedAt.Add(e.ttl))
}

// remove must be called with s.mu held.
func (s *Store) remove(e *entry) {
	s.order.Remove(e.elem)
	delete(s.entries, e.key)
}

// evictLRU must be called with s.mu held.
func (s *Store) evictLRU() {
	back := s.order.Back()
	if back == nil {
		return
	}
	s.remove(back.Value.(*entry))
	s.evictions.Add(1)
}
