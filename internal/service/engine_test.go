package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/MemForge/internal/adapter/memtier"
	"github.com/Strob0t/MemForge/internal/domain"
	"github.com/Strob0t/MemForge/internal/port/tier"
	"github.com/Strob0t/MemForge/internal/resilience"
)

// stubTier is a scriptable in-memory tier for engine tests. An opLog shared
// across stubs records write ordering.
type stubTier struct {
	mu     sync.Mutex
	name   string
	data   map[string][]byte
	getErr error
	setErr error
	gets   int
	opLog  *opLog
}

type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) record(op string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.ops = append(l.ops, op)
	l.mu.Unlock()
}

func newStubTier(name string) *stubTier {
	return &stubTier{name: name, data: make(map[string][]byte)}
}

func (s *stubTier) Name() string { return s.name }

func (s *stubTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.getErr != nil {
		return nil, false, s.getErr
	}
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *stubTier) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.data[key] = value
	s.opLog.record("set:" + s.name)
	return nil
}

func (s *stubTier) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *stubTier) DeleteWhere(_ context.Context, pattern string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return 0, s.getErr
	}
	removed := 0
	for key := range s.data {
		if strings.Contains(key, pattern) {
			delete(s.data, key)
			removed++
		}
	}
	s.opLog.record("deletewhere:" + s.name)
	return removed, nil
}

func (s *stubTier) Clear(_ context.Context) error {
	_, err := s.DeleteWhere(context.Background(), "")
	return err
}

func (s *stubTier) getCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

func (s *stubTier) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	return ok
}

func newTestEngine(l2, l3 tier.Tier) *Engine {
	return NewEngine(EngineConfig{
		L1:            memtier.New(16, time.Minute),
		L2:            l2,
		L3:            l3,
		L1TTL:         time.Minute,
		L2TTL:         time.Minute,
		RemoteTimeout: time.Second,
	})
}

func TestEngine_L1Hit(t *testing.T) {
	l2 := newStubTier("L2")
	l3 := newStubTier("L3")
	e := newTestEngine(l2, l3)
	ctx := context.Background()

	if err := e.Set(ctx, "k", []byte("v"), tier.TargetL1); err != nil {
		t.Fatal(err)
	}
	val, err := e.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(val) != "v" {
		t.Fatalf("expected v, got %s", val)
	}
	if l2.getCount() != 0 || l3.getCount() != 0 {
		t.Fatal("L1 hit must not touch slower tiers")
	}
}

func TestEngine_L2HitPromotesToL1(t *testing.T) {
	l2 := newStubTier("L2")
	l3 := newStubTier("L3")
	l2.data["k"] = []byte("v")
	e := newTestEngine(l2, l3)
	ctx := context.Background()

	val, err := e.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(val) != "v" {
		t.Fatalf("expected v, got %s", val)
	}

	// Promotion must be visible to the immediately following Get: the
	// second lookup is served from L1 without re-querying L2.
	before := l2.getCount()
	if _, err := e.Get(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if l2.getCount() != before {
		t.Fatal("second Get must be served by L1")
	}
}

func TestEngine_L3HitPromotesToL1AndL2(t *testing.T) {
	l2 := newStubTier("L2")
	l3 := newStubTier("L3")
	l3.data["y"] = []byte("42")
	e := newTestEngine(l2, l3)
	ctx := context.Background()

	val, err := e.Get(ctx, "y")
	if err != nil {
		t.Fatal(err)
	}
	if string(val) != "42" {
		t.Fatalf("expected 42, got %s", val)
	}
	e.Wait()

	// Force both remote tiers to fail: the value must still come from L1.
	l2.mu.Lock()
	l2.getErr = errors.New("peer down")
	l2.mu.Unlock()
	l3.mu.Lock()
	l3.getErr = errors.New("store down")
	l3.mu.Unlock()

	val, err = e.Get(ctx, "y")
	if err != nil {
		t.Fatal(err)
	}
	if string(val) != "42" {
		t.Fatalf("expected 42 from L1, got %s", val)
	}
	if !l2.has("y") {
		t.Fatal("expected background promotion into L2")
	}
}

func TestEngine_L2UnavailableFallsThrough(t *testing.T) {
	l2 := newStubTier("L2")
	l3 := newStubTier("L3")
	l2.getErr = errors.New("connection refused")
	l3.data["k"] = []byte("v")
	e := newTestEngine(l2, l3)

	val, err := e.Get(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(val) != "v" {
		t.Fatalf("expected v via L3, got %s", val)
	}

	// The failed L2 call is unavailability, not a miss.
	snap := e.Snapshot()
	if snap.Tiers["L2"].Misses != 0 {
		t.Fatalf("L2 failure recorded as miss: %+v", snap.Tiers["L2"])
	}
	if snap.Tiers["L2"].Unavailable != 1 {
		t.Fatalf("expected 1 unavailable, got %d", snap.Tiers["L2"].Unavailable)
	}
}

func TestEngine_FullMissWithoutLoader(t *testing.T) {
	e := newTestEngine(newStubTier("L2"), newStubTier("L3"))

	_, err := e.Get(context.Background(), "absent")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEngine_DurableUnavailableOnFullMissIsHardError(t *testing.T) {
	l3 := newStubTier("L3")
	l3.getErr = errors.New("store down")
	e := newTestEngine(newStubTier("L2"), l3)

	_, err := e.Get(context.Background(), "absent")
	if !errors.Is(err, domain.ErrTierUnavailable) {
		t.Fatalf("expected ErrTierUnavailable, got %v", err)
	}
}

func TestEngine_LoaderWritesThroughAllTiers(t *testing.T) {
	l2 := newStubTier("L2")
	l3 := newStubTier("L3")
	e := newTestEngine(l2, l3)
	ctx := context.Background()

	calls := 0
	loader := func(context.Context) ([]byte, error) {
		calls++
		return []byte("computed"), nil
	}

	val, err := e.GetWithLoader(ctx, "z", loader)
	if err != nil {
		t.Fatal(err)
	}
	if string(val) != "computed" {
		t.Fatalf("expected computed, got %s", val)
	}
	if !l2.has("z") || !l3.has("z") {
		t.Fatal("expected write-through into L2 and L3")
	}

	// Second call is served from cache.
	if _, err := e.GetWithLoader(ctx, "z", loader); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 loader call, got %d", calls)
	}
}

func TestEngine_LoaderFailureIsNeverCached(t *testing.T) {
	e := newTestEngine(newStubTier("L2"), newStubTier("L3"))
	ctx := context.Background()

	boom := errors.New("compute failed")
	_, err := e.GetWithLoader(ctx, "z", func(context.Context) ([]byte, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected loader error, got %v", err)
	}

	// A later call with a working loader must run it, not short-circuit on
	// a cached failure.
	val, err := e.GetWithLoader(ctx, "z", func(context.Context) ([]byte, error) {
		return []byte("ok"), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(val) != "ok" {
		t.Fatalf("expected ok, got %s", val)
	}
}

func TestEngine_SetWritesFasterTiersFirst(t *testing.T) {
	log := &opLog{}
	l2 := newStubTier("L2")
	l3 := newStubTier("L3")
	l2.opLog = log
	l3.opLog = log
	e := newTestEngine(l2, l3)

	if err := e.Set(context.Background(), "k", []byte("v"), tier.TargetAll); err != nil {
		t.Fatal(err)
	}

	// L1 is a real store (unlogged); L2 must precede L3.
	if len(log.ops) != 2 || log.ops[0] != "set:L2" || log.ops[1] != "set:L3" {
		t.Fatalf("expected ascending write order, got %v", log.ops)
	}
	if val, err := e.Get(context.Background(), "k"); err != nil || string(val) != "v" {
		t.Fatalf("expected L1 to hold the value, got %s err=%v", val, err)
	}
}

func TestEngine_SetSurfacesDurableFailureOnly(t *testing.T) {
	l2 := newStubTier("L2")
	l3 := newStubTier("L3")
	l2.setErr = errors.New("peer down")
	e := newTestEngine(l2, l3)

	if err := e.Set(context.Background(), "k", []byte("v"), tier.TargetAll); err != nil {
		t.Fatalf("L2 write failure must be best-effort, got %v", err)
	}

	l3.setErr = errors.New("store down")
	if err := e.Set(context.Background(), "k2", []byte("v"), tier.TargetAll); err == nil {
		t.Fatal("expected error from authoritative tier write")
	}
}

func TestEngine_InvalidatePattern(t *testing.T) {
	l2 := newStubTier("L2")
	l3 := newStubTier("L3")
	e := newTestEngine(l2, l3)
	ctx := context.Background()

	_ = e.Set(ctx, "search:a", []byte("1"), tier.TargetAll)
	_ = e.Set(ctx, "search:b", []byte("2"), tier.TargetAll)
	_ = e.Set(ctx, "doc:c", []byte("3"), tier.TargetAll)

	rep := e.InvalidatePattern(ctx, "search:")
	if rep.Removed["L1"] != 2 || rep.Removed["L2"] != 2 || rep.Removed["L3"] != 2 {
		t.Fatalf("unexpected removal counts: %+v", rep.Removed)
	}
	if len(rep.Failures) != 0 {
		t.Fatalf("unexpected failures: %+v", rep.Failures)
	}

	// Idempotent: a second pass removes nothing.
	rep = e.InvalidatePattern(ctx, "search:")
	for name, n := range rep.Removed {
		if n != 0 {
			t.Fatalf("second invalidation removed %d from %s", n, name)
		}
	}

	if _, err := e.Get(ctx, "doc:c"); err != nil {
		t.Fatal("unrelated key must survive invalidation")
	}
}

func TestEngine_InvalidatePartialFailure(t *testing.T) {
	log := &opLog{}
	l2 := newStubTier("L2")
	l3 := newStubTier("L3")
	l2.getErr = errors.New("peer down") // DeleteWhere shares the fault switch
	l3.opLog = log
	e := newTestEngine(l2, l3)
	ctx := context.Background()

	_ = e.Set(ctx, "k", []byte("v"), tier.TargetL1|tier.TargetL3)

	rep := e.InvalidatePattern(ctx, "k")
	if len(rep.Failures) != 1 || rep.Failures[0].Tier != "L2" {
		t.Fatalf("expected single L2 failure, got %+v", rep.Failures)
	}
	// L3 invalidation still proceeded after the L2 failure.
	if rep.Removed["L3"] != 1 {
		t.Fatalf("expected L3 invalidation to proceed: %+v", rep.Removed)
	}
	if rep.Removed["L1"] != 1 {
		t.Fatalf("expected L1 invalidation to proceed: %+v", rep.Removed)
	}
}

func TestEngine_BreakerSkipsDeadPeer(t *testing.T) {
	l2 := newStubTier("L2")
	l2.getErr = errors.New("connection refused")
	l3 := newStubTier("L3")
	l3.data["k"] = []byte("v")

	e := NewEngine(EngineConfig{
		L1:            memtier.New(16, time.Minute),
		L2:            l2,
		L3:            l3,
		RemoteTimeout: time.Second,
		Breaker:       resilience.NewBreaker(2, time.Minute),
	})
	ctx := context.Background()

	for i := range 5 {
		_, _ = e.Get(ctx, fmt.Sprintf("k%d", i))
	}
	// After two failures the breaker is open: L2 is no longer called.
	if l2.getCount() > 2 {
		t.Fatalf("expected breaker to stop L2 calls after 2 failures, got %d", l2.getCount())
	}
}

func TestEngine_DropLocal(t *testing.T) {
	l2 := newStubTier("L2")
	e := newTestEngine(l2, newStubTier("L3"))
	ctx := context.Background()

	_ = e.Set(ctx, "search:a", []byte("1"), tier.TargetAll)

	n := e.DropLocal(ctx, "search:")
	if n != 1 {
		t.Fatalf("expected 1 local removal, got %d", n)
	}
	// Shared tiers are untouched: the broadcasting peer handled those.
	if !l2.has("search:a") {
		t.Fatal("DropLocal must not touch L2")
	}
}

func TestEngine_SnapshotMath(t *testing.T) {
	l3 := newStubTier("L3")
	l3.data["hit"] = []byte("v")
	e := newTestEngine(newStubTier("L2"), l3)
	ctx := context.Background()

	snap := e.Snapshot()
	if snap.Tiers["L1"].HitRate != 0.0 {
		t.Fatalf("hit rate must be 0.0 before any query, got %f", snap.Tiers["L1"].HitRate)
	}

	_, _ = e.Get(ctx, "hit")  // L3 hit, promoted
	_, _ = e.Get(ctx, "hit")  // L1 hit
	_, _ = e.Get(ctx, "miss") // full miss

	snap = e.Snapshot()
	l1 := snap.Tiers["L1"]
	if l1.Hits != 1 || l1.Misses != 2 {
		t.Fatalf("unexpected L1 counters: %+v", l1)
	}
	if want := 1.0 / 3.0; l1.HitRate != want {
		t.Fatalf("expected hit rate %f, got %f", want, l1.HitRate)
	}
	if snap.TotalQueries != 3 {
		t.Fatalf("expected 3 queries, got %d", snap.TotalQueries)
	}
	// One L3 hit plus one L1 hit over three queries.
	if want := 2.0 / 3.0; snap.OverallHitRate != want {
		t.Fatalf("expected overall hit rate %f, got %f", want, snap.OverallHitRate)
	}
	if snap.Tiers["L1"].MaxSize != 16 {
		t.Fatalf("expected L1 occupancy in snapshot, got %+v", snap.Tiers["L1"])
	}
	if snap.AvgLatencyMs < 0 {
		t.Fatalf("negative latency: %f", snap.AvgLatencyMs)
	}
}
