package service

import (
	"math"
	"sync"
	"testing"
	"time"
)

func TestMetrics_HitRateZeroWithoutQueries(t *testing.T) {
	m := NewMetrics()
	snap := m.snapshot()

	for name, ts := range snap.Tiers {
		if ts.HitRate != 0.0 {
			t.Fatalf("%s hit rate must be 0.0 with no queries, got %f", name, ts.HitRate)
		}
	}
	if snap.OverallHitRate != 0.0 {
		t.Fatalf("overall hit rate must be 0.0 with no queries, got %f", snap.OverallHitRate)
	}
}

func TestMetrics_HitRateExact(t *testing.T) {
	m := NewMetrics()
	for range 3 {
		m.Hit(TierL1)
	}
	m.Miss(TierL1)

	ts := m.snapshotTier(TierL1)
	if ts.HitRate != 0.75 {
		t.Fatalf("expected 0.75, got %f", ts.HitRate)
	}
}

func TestMetrics_UnavailableDoesNotAffectHitRate(t *testing.T) {
	m := NewMetrics()
	m.Hit(TierL2)
	m.Unavailable(TierL2)
	m.Unavailable(TierL2)

	ts := m.snapshotTier(TierL2)
	if ts.HitRate != 1.0 {
		t.Fatalf("unavailability must not dilute hit rate, got %f", ts.HitRate)
	}
	if ts.Unavailable != 2 {
		t.Fatalf("expected 2 unavailable, got %d", ts.Unavailable)
	}
}

func TestMetrics_IncrementalMean(t *testing.T) {
	m := NewMetrics()
	samples := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		60 * time.Millisecond,
	}
	for _, d := range samples {
		m.ObserveLatency(d)
	}

	snap := m.snapshot()
	if math.Abs(snap.AvgLatencyMs-30.0) > 1e-9 {
		t.Fatalf("expected mean 30ms, got %f", snap.AvgLatencyMs)
	}
}

func TestMetrics_ConcurrentUpdatesLoseNothing(t *testing.T) {
	m := NewMetrics()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				m.Query()
				m.Hit(TierL1)
				m.ObserveLatency(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	snap := m.snapshot()
	if snap.TotalQueries != 8000 {
		t.Fatalf("lost query increments: %d", snap.TotalQueries)
	}
	if snap.Tiers["L1"].Hits != 8000 {
		t.Fatalf("lost hit increments: %d", snap.Tiers["L1"].Hits)
	}
	// Every sample is 1ms, so the mean is exactly 1ms if no update was lost.
	if math.Abs(snap.AvgLatencyMs-1.0) > 1e-9 {
		t.Fatalf("expected mean 1ms, got %f", snap.AvgLatencyMs)
	}
}
