package telemetry

import (
	"context"
	"fmt"

	"github.com/phrazzld/studio-queue/internal/events"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/phrazzld/studio-queue/internal/platform/telemetry"

// Metrics records task lifecycle counters and execution durations.
type Metrics struct {
	transitions metric.Int64Counter
	duration    metric.Float64Histogram
}

var _ events.EventHandler = (*Metrics)(nil)

// NewMetrics creates the instruments on a meter from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)

	transitions, err := meter.Int64Counter("studio.tasks.transitions",
		metric.WithDescription("Task lifecycle transitions by type and outcome"),
		metric.WithUnit("{transition}"))
	if err != nil {
		return nil, fmt.Errorf("failed to create transitions counter: %w", err)
	}

	duration, err := meter.Float64Histogram("studio.tasks.execution.duration",
		metric.WithDescription("Execution time of attempts that reached an outcome"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return &Metrics{transitions: transitions, duration: duration}, nil
}

// HandleEvent implements events.EventHandler.
func (m *Metrics) HandleEvent(ctx context.Context, ev *events.LifecycleEvent) error {
	attrs := metric.WithAttributes(
		attribute.String("task.type", ev.TaskType),
		attribute.String("event.type", ev.Type),
	)
	m.transitions.Add(ctx, 1, attrs)
	if ev.Duration > 0 {
		m.duration.Record(ctx, ev.Duration.Seconds(), attrs)
	}
	return nil
}
