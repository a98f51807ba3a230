package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/roach88/procflow/internal/dispatch"
	"github.com/roach88/procflow/internal/instance"
)

const instrumentationName = "github.com/roach88/procflow/internal/engine"

// Telemetry holds the tracer and metric instruments the engine reports to.
type Telemetry struct {
	tracer      trace.Tracer
	transitions metric.Int64Counter
	dispatches  metric.Int64Counter
	conflicts   metric.Int64Counter
	finished    metric.Int64Counter
	txDuration  metric.Float64Histogram
}

// NewTelemetry creates instruments from the given providers.
func NewTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) (*Telemetry, error) {
	meter := mp.Meter(instrumentationName)

	transitions, err := meter.Int64Counter("procflow.node.transitions",
		metric.WithDescription("Node instance state transitions"),
	)
	if err != nil {
		return nil, err
	}
	dispatches, err := meter.Int64Counter("procflow.dispatch.outcomes",
		metric.WithDescription("Dispatch replies by status"),
	)
	if err != nil {
		return nil, err
	}
	conflicts, err := meter.Int64Counter("procflow.tx.conflicts",
		metric.WithDescription("Transactions retried after a store conflict"),
	)
	if err != nil {
		return nil, err
	}
	finished, err := meter.Int64Counter("procflow.instance.finished",
		metric.WithDescription("Process instances that reached a final state"),
	)
	if err != nil {
		return nil, err
	}
	txDuration, err := meter.Float64Histogram("procflow.tx.duration",
		metric.WithDescription("Duration of engine transactions in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		tracer:      tp.Tracer(instrumentationName),
		transitions: transitions,
		dispatches:  dispatches,
		conflicts:   conflicts,
		finished:    finished,
		txDuration:  txDuration,
	}, nil
}

// DefaultTelemetry reports to the global otel providers, falling back to
// no-op instruments if they cannot be created.
func DefaultTelemetry() *Telemetry {
	t, err := NewTelemetry(otel.GetTracerProvider(), otel.GetMeterProvider())
	if err != nil {
		t, _ = NewTelemetry(tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
	}
	return t
}

func (t *Telemetry) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (t *Telemetry) transition(ctx context.Context, node string, to instance.State) {
	t.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("node", node),
		attribute.String("state", string(to)),
	))
}

func (t *Telemetry) dispatched(ctx context.Context, status dispatch.Status) {
	t.dispatches.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

func (t *Telemetry) conflict(ctx context.Context, op string) {
	t.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (t *Telemetry) instanceFinished(ctx context.Context, model string, state instance.ProcessState) {
	t.finished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("state", string(state)),
	))
}

func (t *Telemetry) txDone(ctx context.Context, op string, elapsed time.Duration, err error) {
	t.txDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("op", op),
		attribute.Bool("error", err != nil),
	))
}
