// Package service implements the tiered cache engine and the knowledge
// facade built on top of it.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/MemForge/internal/domain"
	"github.com/Strob0t/MemForge/internal/port/tier"
	"github.com/Strob0t/MemForge/internal/resilience"
)

// Loader computes a value on a full cache miss. Its result is authoritative
// and written through the configured tiers; its error is never cached.
type Loader func(ctx context.Context) ([]byte, error)

// Announcer broadcasts invalidation patterns to peer processes, best-effort.
type Announcer interface {
	AnnounceInvalidation(ctx context.Context, pattern string) error
}

// TierFailure records one tier that failed during an invalidation.
type TierFailure struct {
	Tier  string `json:"tier"`
	Error string `json:"error"`
}

// InvalidationReport lists what an invalidation removed per tier and which
// tiers failed. Per-tier failure is not fatal: the remaining tiers still
// complete, and the failure list is kept for audit or retry.
type InvalidationReport struct {
	Removed  map[string]int `json:"removed"`
	Failures []TierFailure  `json:"failures,omitempty"`
}

// EngineConfig wires an Engine. L1 is required; L2 and L3 are optional, and
// a missing tier simply falls through. The engine does not own the tier
// clients' lifecycle — the process bootstrap does.
type EngineConfig struct {
	L1 tier.Tier
	L2 tier.Tier
	L3 tier.Tier

	// Per-tier TTLs applied on writes and promotions.
	L1TTL time.Duration
	L2TTL time.Duration
	// L3TTL of zero means entries are valid until explicitly invalidated.
	L3TTL time.Duration

	// RemoteTimeout bounds every L2/L3 call. Deadline exceeded is treated as
	// tier unavailable, never as a miss.
	RemoteTimeout time.Duration

	// WritePolicy selects the tiers written on Set and loader write-through.
	// Zero value means all tiers.
	WritePolicy tier.Target

	// Breaker guards L2 so a dead peer stops costing a timeout per lookup.
	Breaker *resilience.Breaker

	Announcer Announcer
	Logger    *slog.Logger
}

// Engine serves lookups across an ordered tier hierarchy, promoting hits
// toward the fast tiers. It owns the metrics aggregate and is the only
// component that touches L1.
type Engine struct {
	l1 tier.Tier
	l2 tier.Tier
	l3 tier.Tier

	l1TTL         time.Duration
	l2TTL         time.Duration
	l3TTL         time.Duration
	remoteTimeout time.Duration
	writePolicy   tier.Target

	breaker   *resilience.Breaker
	announcer Announcer
	metrics   *Metrics
	log       *slog.Logger

	// promotions tracks fire-and-forget L2 promotion writes so shutdown and
	// tests can wait for them.
	promotions sync.WaitGroup
}

// NewEngine creates an Engine from the given config.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.WritePolicy == 0 {
		cfg.WritePolicy = tier.TargetAll
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		l1:            cfg.L1,
		l2:            cfg.L2,
		l3:            cfg.L3,
		l1TTL:         cfg.L1TTL,
		l2TTL:         cfg.L2TTL,
		l3TTL:         cfg.L3TTL,
		remoteTimeout: cfg.RemoteTimeout,
		writePolicy:   cfg.WritePolicy,
		breaker:       cfg.Breaker,
		announcer:     cfg.Announcer,
		metrics:       NewMetrics(),
		log:           cfg.Logger,
	}
}

// Get looks key up across L1, L2, L3 in order, promoting on hit. A full miss
// returns domain.ErrNotFound, or a tier-unavailable error when the durable
// tier could not even be asked.
func (e *Engine) Get(ctx context.Context, key string) ([]byte, error) {
	return e.lookup(ctx, key, nil)
}

// GetWithLoader is Get with a fallback: on a full miss the loader runs and
// its result is written through the configured tiers. Loader failures
// propagate and are never cached.
func (e *Engine) GetWithLoader(ctx context.Context, key string, loader Loader) ([]byte, error) {
	return e.lookup(ctx, key, loader)
}

func (e *Engine) lookup(ctx context.Context, key string, loader Loader) ([]byte, error) {
	start := time.Now()
	defer func() { e.metrics.ObserveLatency(time.Since(start)) }()
	e.metrics.Query()

	// L1 cannot fail; its error return exists only to satisfy the port.
	if val, found, _ := e.l1.Get(ctx, key); found {
		e.metrics.Hit(TierL1)
		return val, nil
	}
	e.metrics.Miss(TierL1)

	// L2: unavailability falls through without recording a miss.
	if e.l2 != nil {
		val, found, err := e.l2Get(ctx, key)
		switch {
		case err != nil:
			e.metrics.Unavailable(TierL2)
			e.log.Warn("shared tier unavailable", "op", "get", "key", key, "error", err)
		case found:
			e.metrics.Hit(TierL2)
			e.promoteL1(ctx, key, val)
			return val, nil
		default:
			e.metrics.Miss(TierL2)
		}
	}

	// L3: authoritative. Remember unavailability so a loaderless miss can be
	// distinguished from a degraded stack.
	var l3Err error
	if e.l3 != nil {
		val, found, err := e.remoteGet(ctx, e.l3, key)
		switch {
		case err != nil:
			l3Err = err
			e.metrics.Unavailable(TierL3)
			e.log.Warn("durable tier unavailable", "op", "get", "key", key, "error", err)
		case found:
			e.metrics.Hit(TierL3)
			e.promoteL2Async(key, val)
			e.promoteL1(ctx, key, val)
			return val, nil
		default:
			e.metrics.Miss(TierL3)
		}
	}

	if loader == nil {
		if l3Err != nil {
			return nil, fmt.Errorf("get %q: %w: %w", key, domain.ErrTierUnavailable, l3Err)
		}
		return nil, domain.ErrNotFound
	}

	val, err := loader(ctx)
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", key, err)
	}
	// The loader result is authoritative regardless of tier state; a failed
	// write-through is logged, not surfaced.
	_ = e.writeThrough(ctx, key, val, e.writePolicy)
	return val, nil
}

// Set writes a value to the targeted tiers in ascending speed order, so a
// concurrent reader never sees the value in a slower tier before the faster
// one has it. Remote failures are best-effort except L3, the authoritative
// store, whose failure is returned.
func (e *Engine) Set(ctx context.Context, key string, value []byte, target tier.Target) error {
	start := time.Now()
	defer func() { e.metrics.ObserveLatency(time.Since(start)) }()

	return e.writeThrough(ctx, key, value, target)
}

// writeThrough performs the ordered fan-out. L1 first, then L2 (best-effort,
// breaker-guarded), then L3. Only the authoritative L3 write can fail the
// call; its error is returned.
func (e *Engine) writeThrough(ctx context.Context, key string, value []byte, target tier.Target) error {
	if target.Has(tier.TargetL1) {
		_ = e.l1.Set(ctx, key, value, e.l1TTL)
	}
	if target.Has(tier.TargetL2) && e.l2 != nil {
		if err := e.l2Set(ctx, key, value); err != nil {
			e.metrics.Unavailable(TierL2)
			e.log.Warn("shared tier unavailable", "op", "set", "key", key, "error", err)
		}
	}
	if target.Has(tier.TargetL3) && e.l3 != nil {
		cctx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
		defer cancel()
		if err := e.l3.Set(cctx, key, value, e.l3TTL); err != nil {
			e.metrics.Unavailable(TierL3)
			e.log.Warn("durable tier write failed", "op", "set", "key", key, "error", err)
			return fmt.Errorf("set %q: %w", key, err)
		}
	}
	return nil
}

// Delete removes one key from the targeted tiers with the same ordering and
// failure semantics as Set: L1 first, L2 best-effort, only an L3 failure
// surfaces.
func (e *Engine) Delete(ctx context.Context, key string, target tier.Target) error {
	if target.Has(tier.TargetL1) {
		_ = e.l1.Delete(ctx, key)
	}
	if target.Has(tier.TargetL2) && e.l2 != nil {
		cctx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
		err := e.l2.Delete(cctx, key)
		cancel()
		if err != nil {
			e.metrics.Unavailable(TierL2)
			e.log.Warn("shared tier unavailable", "op", "delete", "key", key, "error", err)
		}
	}
	if target.Has(tier.TargetL3) && e.l3 != nil {
		cctx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
		defer cancel()
		if err := e.l3.Delete(cctx, key); err != nil {
			e.metrics.Unavailable(TierL3)
			return fmt.Errorf("delete %q: %w", key, err)
		}
	}
	return nil
}

// InvalidatePattern removes matching keys from every tier, L1 first so no
// tier serves a just-invalidated key faster than another. Tier failures are
// collected, logged, and do not stop the remaining tiers.
func (e *Engine) InvalidatePattern(ctx context.Context, pattern string) InvalidationReport {
	rep := InvalidationReport{Removed: make(map[string]int)}

	for _, t := range []tier.Tier{e.l1, e.l2, e.l3} {
		if t == nil {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
		n, err := t.DeleteWhere(cctx, pattern)
		cancel()
		rep.Removed[t.Name()] += n
		if err != nil {
			rep.Failures = append(rep.Failures, TierFailure{Tier: t.Name(), Error: err.Error()})
			e.log.Warn("invalidation failed on tier", "tier", t.Name(), "pattern", pattern, "error", err)
		}
	}

	if e.announcer != nil {
		if err := e.announcer.AnnounceInvalidation(ctx, pattern); err != nil {
			e.log.Warn("invalidation broadcast failed", "pattern", pattern, "error", err)
		}
	}
	return rep
}

// Clear removes everything from every tier with the same ordering guarantee
// as InvalidatePattern.
func (e *Engine) Clear(ctx context.Context) InvalidationReport {
	return e.InvalidatePattern(ctx, "")
}

// DropLocal removes matching keys from L1 only. Called when a peer process
// broadcasts an invalidation; the shared tiers were already handled by the
// peer that initiated it.
func (e *Engine) DropLocal(ctx context.Context, pattern string) int {
	n, _ := e.l1.DeleteWhere(ctx, pattern)
	return n
}

// Snapshot assembles the current metrics, folding in occupancy from tiers
// that report local stats.
func (e *Engine) Snapshot() Snapshot {
	snap := e.metrics.snapshot()

	for id, t := range map[TierID]tier.Tier{TierL1: e.l1, TierL2: e.l2, TierL3: e.l3} {
		st, ok := t.(tier.Stats)
		if !ok {
			continue
		}
		ts := snap.Tiers[id.String()]
		ts.Size = st.Len()
		ts.MaxSize = st.Cap()
		ts.Evictions = st.Evictions()
		snap.Tiers[id.String()] = ts
	}
	return snap
}

// Wait blocks until in-flight background promotions finish. Used at shutdown
// and by tests.
func (e *Engine) Wait() {
	e.promotions.Wait()
}

// promoteL1 makes an L2/L3 hit visible to the very next Get, synchronously.
func (e *Engine) promoteL1(ctx context.Context, key string, value []byte) {
	_ = e.l1.Set(ctx, key, value, e.l1TTL)
}

// promoteL2Async copies an L3 hit into L2 without holding up the caller.
// Allowed to fail silently apart from the log line.
func (e *Engine) promoteL2Async(key string, value []byte) {
	if e.l2 == nil {
		return
	}
	e.promotions.Add(1)
	go func() {
		defer e.promotions.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.remoteTimeout)
		defer cancel()
		if err := e.l2Set(ctx, key, value); err != nil {
			e.log.Debug("promotion to shared tier failed", "key", key, "error", err)
		}
	}()
}

// l2Get calls the shared tier through the breaker with a bounded deadline.
func (e *Engine) l2Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	call := func() error {
		cctx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
		defer cancel()
		var gerr error
		value, found, gerr = e.l2.Get(cctx, key)
		return gerr
	}
	if e.breaker != nil {
		err = e.breaker.Execute(call)
	} else {
		err = call()
	}
	return value, found, err
}

// l2Set mirrors l2Get for writes.
func (e *Engine) l2Set(ctx context.Context, key string, value []byte) error {
	call := func() error {
		cctx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
		defer cancel()
		return e.l2.Set(cctx, key, value, e.l2TTL)
	}
	if e.breaker != nil {
		return e.breaker.Execute(call)
	}
	return call()
}

// remoteGet bounds a call to a tier that has no breaker (L3).
func (e *Engine) remoteGet(ctx context.Context, t tier.Tier, key string) ([]byte, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
	defer cancel()
	return t.Get(cctx, key)
}
