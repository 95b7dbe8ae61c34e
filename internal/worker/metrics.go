package worker

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for worker metrics.
const meterName = "github.com/cuongbtq/notify-dispatch/internal/worker"

type metrics struct {
	deliveries metric.Int64Counter
	duration   metric.Float64Histogram
}

// newMetrics creates the worker instruments. A nil meter uses the global
// MeterProvider, which is a noop until one is installed.
func newMetrics(meter metric.Meter, logger *slog.Logger) *metrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	deliveries, err := meter.Int64Counter(
		"notify.worker.deliveries",
		metric.WithDescription("Deliveries settled by the worker, by outcome"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		logger.Warn("Failed to create deliveries counter", slog.Any("error", err))
	}

	duration, err := meter.Float64Histogram(
		"notify.worker.delivery.duration",
		metric.WithDescription("Time to process one delivery in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("Failed to create delivery duration histogram", slog.Any("error", err))
	}

	return &metrics{deliveries: deliveries, duration: duration}
}

func (m *metrics) record(ctx context.Context, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.deliveries.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}
