package processor

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "go-reminder-outbox/processor"

type pipelineMetrics struct {
	enqueued    metric.Int64Counter
	delivered   metric.Int64Counter
	retried     metric.Int64Counter
	deadLetters metric.Int64Counter
	duration    metric.Float64Histogram
}

func newPipelineMetrics(meter metric.Meter) (*pipelineMetrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	enqueued, err := meter.Int64Counter("reminders_enqueued_total",
		metric.WithDescription("Reminders handed to the outbox or sent directly"),
		metric.WithUnit("{reminder}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create enqueued counter: %w", err)
	}

	delivered, err := meter.Int64Counter("outbox_delivered_total",
		metric.WithDescription("Outbox rows delivered"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create delivered counter: %w", err)
	}

	retried, err := meter.Int64Counter("outbox_retried_total",
		metric.WithDescription("Outbox deliveries scheduled for retry"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create retried counter: %w", err)
	}

	deadLetters, err := meter.Int64Counter("dead_letters_total",
		metric.WithDescription("Work items moved to the dead letter sink"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create dead letter counter: %w", err)
	}

	duration, err := meter.Float64Histogram("delivery_duration_ms",
		metric.WithDescription("Duration of a single delivery call"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create delivery duration histogram: %w", err)
	}

	return &pipelineMetrics{
		enqueued:    enqueued,
		delivered:   delivered,
		retried:     retried,
		deadLetters: deadLetters,
		duration:    duration,
	}, nil
}

// mustMetrics falls back to the global meter and never fails. Instruments from the
// noop provider cannot error.
func mustMetrics(meter metric.Meter) *pipelineMetrics {
	m, err := newPipelineMetrics(meter)
	if err != nil {
		m, _ = newPipelineMetrics(otel.Meter(meterName))
	}
	return m
}

func (m *pipelineMetrics) recordDelivery(ctx context.Context, started time.Time, outcome string) {
	m.duration.Record(ctx, float64(time.Since(started).Microseconds())/1000,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *pipelineMetrics) recordDeadLetter(ctx context.Context, kind string) {
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
