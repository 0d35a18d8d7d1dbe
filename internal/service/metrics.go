package service

import (
	"sync"
	"sync/atomic"
	"time"
)

// TierID enumerates the cache levels for metrics accounting.
type TierID int

const (
	TierL1 TierID = iota
	TierL2
	TierL3
	tierCount
)

// String returns the tier's wire name.
func (t TierID) String() string {
	switch t {
	case TierL1:
		return "L1"
	case TierL2:
		return "L2"
	case TierL3:
		return "L3"
	default:
		return "unknown"
	}
}

// tierCounters holds per-tier monotonic counters. Unavailability is tracked
// separately from misses: a degraded tier is not a cache miss.
type tierCounters struct {
	hits        atomic.Int64
	misses      atomic.Int64
	unavailable atomic.Int64
}

// Metrics aggregates hit/miss counters per tier plus a global query count and
// a running latency mean. Counter updates are atomic; the incremental mean is
// guarded by a mutex so no sample is lost under concurrent access.
type Metrics struct {
	tiers   [tierCount]tierCounters
	queries atomic.Int64

	mu           sync.Mutex
	avgLatencyMs float64
	samples      int64
}

// NewMetrics creates an empty Metrics aggregate.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Query records one logical lookup against the engine.
func (m *Metrics) Query() {
	m.queries.Add(1)
}

// Hit records a hit on the given tier.
func (m *Metrics) Hit(t TierID) {
	m.tiers[t].hits.Add(1)
}

// Miss records a clean miss on the given tier.
func (m *Metrics) Miss(t TierID) {
	m.tiers[t].misses.Add(1)
}

// Unavailable records a failed call to the given tier.
func (m *Metrics) Unavailable(t TierID) {
	m.tiers[t].unavailable.Add(1)
}

// ObserveLatency folds one wall-clock sample into the running mean using the
// incremental formula avg' = avg + (sample - avg) / n.
func (m *Metrics) ObserveLatency(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0

	m.mu.Lock()
	m.samples++
	m.avgLatencyMs += (ms - m.avgLatencyMs) / float64(m.samples)
	m.mu.Unlock()
}

// TierSnapshot is the per-tier slice of the observability contract.
type TierSnapshot struct {
	Size        int     `json:"size"`
	MaxSize     int     `json:"max_size"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Evictions   int64   `json:"evictions"`
	Unavailable int64   `json:"unavailable"`
	HitRate     float64 `json:"hit_rate"`
}

// Snapshot is the aggregate exposed to the metrics endpoint.
type Snapshot struct {
	Tiers          map[string]TierSnapshot `json:"tiers"`
	TotalQueries   int64                   `json:"total_queries"`
	AvgLatencyMs   float64                 `json:"avg_latency_ms"`
	OverallHitRate float64                 `json:"overall_hit_rate"`
}

// snapshotTier reads one tier's counters. hitRate is hits/(hits+misses) and
// 0.0 before any query, never a division by zero.
func (m *Metrics) snapshotTier(t TierID) TierSnapshot {
	hits := m.tiers[t].hits.Load()
	misses := m.tiers[t].misses.Load()

	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return TierSnapshot{
		Hits:        hits,
		Misses:      misses,
		Unavailable: m.tiers[t].unavailable.Load(),
		HitRate:     rate,
	}
}

// snapshot assembles the counter portion of the Snapshot. Tier occupancy is
// filled in by the engine, which knows which tiers report local stats.
func (m *Metrics) snapshot() Snapshot {
	snap := Snapshot{Tiers: make(map[string]TierSnapshot, tierCount)}

	var totalHits int64
	for t := TierL1; t < tierCount; t++ {
		ts := m.snapshotTier(t)
		totalHits += ts.Hits
		snap.Tiers[t.String()] = ts
	}

	snap.TotalQueries = m.queries.Load()
	if snap.TotalQueries > 0 {
		snap.OverallHitRate = float64(totalHits) / float64(snap.TotalQueries)
	}

	m.mu.Lock()
	snap.AvgLatencyMs = m.avgLatencyMs
	m.mu.Unlock()

	return snap
}
