package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/incidentd/internal/embeddings"

// Metrics records embedding latency, batch sizes and failures.
type Metrics struct {
	duration  metric.Float64Histogram
	batchSize metric.Int64Histogram
	errors    metric.Int64Counter
}

// NewMetrics registers instruments on the global meter provider. A failed
// instrument is logged and skipped.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := otel.Meter(instrumentationName)
	m := &Metrics{}
	var err error

	m.duration, err = meter.Float64Histogram(
		"incidentd.embedding.duration_seconds",
		metric.WithDescription("Embedding request duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		logger.Warn("embedding duration histogram unavailable", zap.Error(err))
	}
	m.batchSize, err = meter.Int64Histogram(
		"incidentd.embedding.batch_size",
		metric.WithUnit("{text}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100),
	)
	if err != nil {
		logger.Warn("embedding batch histogram unavailable", zap.Error(err))
	}
	m.errors, err = meter.Int64Counter("incidentd.embedding.errors_total", metric.WithUnit("{error}"))
	if err != nil {
		logger.Warn("embedding error counter unavailable", zap.Error(err))
	}
	return m
}

// Record observes one embedding call.
func (m *Metrics) Record(ctx context.Context, model, op string, d time.Duration, n int, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model), attribute.String("operation", op))
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), attrs)
	}
	if n > 0 && m.batchSize != nil {
		m.batchSize.Record(ctx, int64(n), attrs)
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}
