package supervisor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records container run outcomes
type Metrics struct {
	runDuration metric.Float64Histogram
	runTotal    metric.Int64Counter
}

// NewMetrics creates a new Metrics instance
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	runDuration, err := meter.Float64Histogram(
		"jocker_container_run_duration_seconds",
		metric.WithDescription("Time from container start to termination in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runTotal, err := meter.Int64Counter(
		"jocker_container_runs_total",
		metric.WithDescription("Total number of container runs"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runDuration: runDuration,
		runTotal:    runTotal,
	}, nil
}

// RecordRun records a run that reached its command and terminated in state
func (m *Metrics) RecordRun(ctx context.Context, state string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("state", state)))
	m.runTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", state)))
}

// RecordFailure records a run rolled back before its command ran
func (m *Metrics) RecordFailure(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.runTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", "failed"),
		attribute.String("stage", stage),
	))
}
