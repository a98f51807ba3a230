package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/roach88/procflow/internal/dispatch"
	"github.com/roach88/procflow/internal/ir"
)

func newTestTelemetry(t *testing.T) (*Telemetry, *tracetest.InMemoryExporter, *sdkmetric.ManualReader) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	tel, err := NewTelemetry(tp, mp)
	require.NoError(t, err)
	return tel, exporter, reader
}

// counterTotal sums a counter's data points matching every given attribute.
func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string, match ...attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				if hasAttributes(dp.Attributes, match) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func hasAttributes(set attribute.Set, want []attribute.KeyValue) bool {
	for _, kv := range want {
		v, ok := set.Value(kv.Key)
		if !ok || v != kv.Value {
			return false
		}
	}
	return true
}

func TestTelemetry_SpansAndMetrics(t *testing.T) {
	tel, exporter, reader := newTestTelemetry(t)
	f := newFixture(t, linearModel(t), WithTelemetry(tel))
	f.disp.Script("charge", dispatch.Acknowledged(ir.Object{"receipt": ir.String("r")}))

	p := f.start("linear", ir.Object{"order": ir.Int(1)})
	require.NotNil(t, p)

	names := map[string]bool{}
	for _, s := range exporter.GetSpans() {
		names[s.Name] = true
	}
	assert.True(t, names["procflow.start"])
	assert.True(t, names["procflow.dispatch"])

	assert.Equal(t, int64(1), counterTotal(t, reader, "procflow.dispatch.outcomes",
		attribute.String("status", string(dispatch.StatusAcknowledged))))
	assert.Equal(t, int64(1), counterTotal(t, reader, "procflow.instance.finished",
		attribute.String("model", "linear"), attribute.String("state", "complete")))
	assert.Equal(t, int64(1), counterTotal(t, reader, "procflow.node.transitions",
		attribute.String("node", "done"), attribute.String("state", "complete")))
}

func TestTelemetry_ErrorSpan(t *testing.T) {
	tel, exporter, _ := newTestTelemetry(t)
	f := newFixture(t, linearModel(t), WithTelemetry(tel))

	_, err := f.engine.Start(f.ctx, "ghost", "alice", nil)
	require.Error(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "procflow.start", spans[0].Name)
	assert.Equal(t, otelcodes.Error, spans[0].Status.Code)
}

func TestDefaultTelemetry(t *testing.T) {
	require.NotNil(t, DefaultTelemetry())
}
