package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Strob0t/MemForge/internal/service"
)

const meterName = "memforge"

// RegisterCacheMetrics registers observable instruments that read the engine
// snapshot on each collection cycle. The snapshot function must be safe to
// call concurrently.
func RegisterCacheMetrics(snapshot func() service.Snapshot) (metric.Registration, error) {
	meter := otel.Meter(meterName)

	hits, err := meter.Int64ObservableCounter("memforge.cache.hits",
		metric.WithDescription("Cache hits per tier"))
	if err != nil {
		return nil, err
	}
	misses, err := meter.Int64ObservableCounter("memforge.cache.misses",
		metric.WithDescription("Clean cache misses per tier"))
	if err != nil {
		return nil, err
	}
	unavailable, err := meter.Int64ObservableCounter("memforge.cache.unavailable",
		metric.WithDescription("Failed tier calls per tier"))
	if err != nil {
		return nil, err
	}
	evictions, err := meter.Int64ObservableCounter("memforge.cache.evictions",
		metric.WithDescription("Capacity evictions per tier"))
	if err != nil {
		return nil, err
	}
	size, err := meter.Int64ObservableGauge("memforge.cache.size",
		metric.WithDescription("Current entries per tier"))
	if err != nil {
		return nil, err
	}
	queries, err := meter.Int64ObservableCounter("memforge.cache.queries",
		metric.WithDescription("Logical lookups against the engine"))
	if err != nil {
		return nil, err
	}
	hitRate, err := meter.Float64ObservableGauge("memforge.cache.hit_rate",
		metric.WithDescription("Overall hit rate across tiers"))
	if err != nil {
		return nil, err
	}
	avgLatency, err := meter.Float64ObservableGauge("memforge.cache.avg_latency_ms",
		metric.WithDescription("Running mean lookup latency in milliseconds"))
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			snap := snapshot()
			for name, ts := range snap.Tiers {
				attrs := metric.WithAttributes(attribute.String("tier", name))
				o.ObserveInt64(hits, ts.Hits, attrs)
				o.ObserveInt64(misses, ts.Misses, attrs)
				o.ObserveInt64(unavailable, ts.Unavailable, attrs)
				o.ObserveInt64(evictions, ts.Evictions, attrs)
				o.ObserveInt64(size, int64(ts.Size), attrs)
			}
			o.ObserveInt64(queries, snap.TotalQueries)
			o.ObserveFloat64(hitRate, snap.OverallHitRate)
			o.ObserveFloat64(avgLatency, snap.AvgLatencyMs)
			return nil
		},
		hits, misses, unavailable, evictions, size, queries, hitRate, avgLatency,
	)
}
