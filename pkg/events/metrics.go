package events

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ghuser/notifier/pkg/logger"
)

// Message outcomes recorded on the notifier.messages counter.
const (
	outcomeAcked        = "acked"
	outcomeDuplicate    = "duplicate"
	outcomeDeadLettered = "dead_lettered"
	outcomeNacked       = "nacked"
)

type busMetrics struct {
	messages metric.Int64Counter
	handling metric.Float64Histogram
}

// newBusMetrics registers instruments on the global MeterProvider. Instrument
// errors are logged and leave the bus running with no-op instruments.
func newBusMetrics(log logger.Logger) *busMetrics {
	meter := otel.Meter(instrumentationName)
	m := &busMetrics{}

	var err error
	m.messages, err = meter.Int64Counter("notifier.messages",
		metric.WithDescription("Messages settled by the event bus, by topic and outcome."),
	)
	if err != nil {
		log.Warn("events: create messages counter", "error", err)
	}
	m.handling, err = meter.Float64Histogram("notifier.handler.duration",
		metric.WithDescription("Time spent in the handler including retries."),
		metric.WithUnit("s"),
	)
	if err != nil {
		log.Warn("events: create duration histogram", "error", err)
	}
	return m
}

func (m *busMetrics) outcome(ctx context.Context, topic, outcome string) {
	if m.messages == nil {
		return
	}
	m.messages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("outcome", outcome),
	))
}

func (m *busMetrics) duration(ctx context.Context, topic string, d time.Duration) {
	if m.handling == nil {
		return
	}
	m.handling.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("topic", topic)))
}
