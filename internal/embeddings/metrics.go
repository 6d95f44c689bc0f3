package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/ingestd/internal/embeddings"

// Metrics holds the embedding instruments.
type Metrics struct {
	meter       metric.Meter
	logger      *zap.Logger
	duration    metric.Float64Histogram
	batchSize   metric.Int64Histogram
	errors      metric.Int64Counter
	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter
	fallbacks   metric.Int64Counter
}

// NewMetrics creates instruments on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	return newMetrics(otel.Meter(instrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{meter: meter, logger: logger}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.duration, err = m.meter.Float64Histogram(
		"ingestd.embedding.duration_seconds",
		metric.WithDescription("Duration of one backend embedding batch in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.batchSize, err = m.meter.Int64Histogram(
		"ingestd.embedding.batch_size",
		metric.WithDescription("Number of texts sent to a backend per batch"),
		metric.WithUnit("{text}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 64, 100, 250),
	)
	if err != nil {
		m.logger.Warn("failed to create batch size histogram", zap.Error(err))
	}

	m.errors, err = m.meter.Int64Counter(
		"ingestd.embedding.errors_total",
		metric.WithDescription("Backend embedding batch failures"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		m.logger.Warn("failed to create errors counter", zap.Error(err))
	}

	m.cacheHits, err = m.meter.Int64Counter(
		"ingestd.embedding.cache_hits_total",
		metric.WithDescription("Unique texts served from the embedding cache"),
		metric.WithUnit("{text}"),
	)
	if err != nil {
		m.logger.Warn("failed to create cache hits counter", zap.Error(err))
	}

	m.cacheMisses, err = m.meter.Int64Counter(
		"ingestd.embedding.cache_misses_total",
		metric.WithDescription("Unique texts that had to be embedded"),
		metric.WithUnit("{text}"),
	)
	if err != nil {
		m.logger.Warn("failed to create cache misses counter", zap.Error(err))
	}

	m.fallbacks, err = m.meter.Int64Counter(
		"ingestd.embedding.fallbacks_total",
		metric.WithDescription("Batches retried on the secondary backend"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		m.logger.Warn("failed to create fallbacks counter", zap.Error(err))
	}
}

// RecordBatch records one backend call.
func (m *Metrics) RecordBatch(ctx context.Context, backend, model string, d time.Duration, size int, err error) {
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("model", model),
	)
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), attrs)
	}
	if m.batchSize != nil && size > 0 {
		m.batchSize.Record(ctx, int64(size), attrs)
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}

// RecordCache records hits and misses for one Embed call.
func (m *Metrics) RecordCache(ctx context.Context, cache string, hits, misses int) {
	attrs := metric.WithAttributes(attribute.String("cache", cache))
	if m.cacheHits != nil && hits > 0 {
		m.cacheHits.Add(ctx, int64(hits), attrs)
	}
	if m.cacheMisses != nil && misses > 0 {
		m.cacheMisses.Add(ctx, int64(misses), attrs)
	}
}

// RecordFallback counts a batch moved to the secondary backend.
func (m *Metrics) RecordFallback(ctx context.Context, from, to string) {
	if m.fallbacks != nil {
		m.fallbacks.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		))
	}
}
