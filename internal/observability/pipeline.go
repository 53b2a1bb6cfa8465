package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// CacheStats is the read side of the credential cache counters.
type CacheStats interface {
	Stats() (hits, misses int64)
}

// RecorderStats is the read side of the usage recorder counters.
type RecorderStats interface {
	Stats() (written, failed, dropped int64)
	QueueDepth() int
}

// RegisterPipelineMetrics exposes cache and recorder counters as asynchronous
// instruments so they are scraped, not pushed. Returns the registration so
// the caller can unregister on shutdown.
func RegisterPipelineMetrics(cache CacheStats, recorder RecorderStats) (metric.Registration, error) {
	meter := otel.Meter("apigate/pipeline")

	cacheHits, err := meter.Int64ObservableCounter(
		"credential.cache.hits",
		metric.WithDescription("Credential cache lookups served from the cached snapshot"),
	)
	if err != nil {
		return nil, err
	}
	cacheMisses, err := meter.Int64ObservableCounter(
		"credential.cache.misses",
		metric.WithDescription("Credential cache lookups that consulted the store"),
	)
	if err != nil {
		return nil, err
	}
	usageWritten, err := meter.Int64ObservableCounter(
		"usage.records.written",
		metric.WithDescription("Usage records persisted to the store"),
	)
	if err != nil {
		return nil, err
	}
	usageFailed, err := meter.Int64ObservableCounter(
		"usage.records.failed",
		metric.WithDescription("Usage records abandoned after exhausting retries"),
	)
	if err != nil {
		return nil, err
	}
	usageDropped, err := meter.Int64ObservableCounter(
		"usage.records.dropped",
		metric.WithDescription("Usage records dropped because the queue was full"),
	)
	if err != nil {
		return nil, err
	}
	queueDepth, err := meter.Int64ObservableGauge(
		"usage.queue.depth",
		metric.WithDescription("Usage records currently waiting in the queue"),
	)
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		hits, misses := cache.Stats()
		o.ObserveInt64(cacheHits, hits)
		o.ObserveInt64(cacheMisses, misses)

		written, failed, dropped := recorder.Stats()
		o.ObserveInt64(usageWritten, written)
		o.ObserveInt64(usageFailed, failed)
		o.ObserveInt64(usageDropped, dropped)
		o.ObserveInt64(queueDepth, int64(recorder.QueueDepth()))
		return nil
	}, cacheHits, cacheMisses, usageWritten, usageFailed, usageDropped, queueDepth)
}
