// Package metrics defines the engine's OpenTelemetry instruments. Without an
// SDK installed on the global provider every instrument is a no-op.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/rendis/autoflow"

// Metrics holds the instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	executions   metric.Int64Counter
	steps        metric.Int64Counter
	stepDuration metric.Float64Histogram
	events       metric.Int64Counter
	messages     metric.Int64Counter
}

// New creates the instruments on the given provider.
func New(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(instrumentationName)

	executions, err := meter.Int64Counter("autoflow.executions",
		metric.WithDescription("Executions that reached a terminal or waiting status"))
	if err != nil {
		return nil, err
	}
	steps, err := meter.Int64Counter("autoflow.steps",
		metric.WithDescription("Steps dispatched to an executor"))
	if err != nil {
		return nil, err
	}
	stepDuration, err := meter.Float64Histogram("autoflow.step.duration",
		metric.WithDescription("Step execution time"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	events, err := meter.Int64Counter("autoflow.events.routed",
		metric.WithDescription("Domain events routed, by outcome"))
	if err != nil {
		return nil, err
	}
	messages, err := meter.Int64Counter("autoflow.messages",
		metric.WithDescription("Outbound messages by delivery status"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		executions:   executions,
		steps:        steps,
		stepDuration: stepDuration,
		events:       events,
		messages:     messages,
	}, nil
}

// Global creates the instruments on the global meter provider, falling back
// to no-op instruments if registration fails.
func Global() *Metrics {
	m, err := New(otel.GetMeterProvider())
	if err != nil {
		m, _ = New(noop.NewMeterProvider())
	}
	return m
}

// ExecutionFinished counts an execution leaving RUNNING with the given status.
func (m *Metrics) ExecutionFinished(ctx context.Context, workflowID, status string) {
	if m == nil {
		return
	}
	m.executions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow_id", workflowID),
		attribute.String("status", status),
	))
}

// StepFinished records one step dispatch.
func (m *Metrics) StepFinished(ctx context.Context, stepType string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("step_type", stepType),
		attribute.Bool("success", success),
	)
	m.steps.Add(ctx, 1, attrs)
	m.stepDuration.Record(ctx, float64(d.Microseconds())/1000, attrs)
}

// EventRouted counts a routed event. outcome is "matched", "unmatched" or "unknown".
func (m *Metrics) EventRouted(ctx context.Context, triggerType, outcome string) {
	if m == nil {
		return
	}
	m.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger_type", triggerType),
		attribute.String("outcome", outcome),
	))
}

// MessageDelivered counts an outbox delivery attempt by resulting status.
func (m *Metrics) MessageDelivered(ctx context.Context, transport, status string) {
	if m == nil {
		return
	}
	m.messages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transport", transport),
		attribute.String("status", status),
	))
}
