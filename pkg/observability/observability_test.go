package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Mindburn-Labs/anchor/pkg/contracts"
)

func TestNew_Disabled(t *testing.T) {
	p, err := New(context.Background(), Config{ServiceName: "anchord"})
	require.NoError(t, err)
	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())

	_, end := p.TrackOperation(context.Background(), "confirm.cycle")
	end(nil)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestTrackOperation_RecordsErrorKind(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	p, err := New(context.Background(), Config{}, WithTracerProvider(tp))
	require.NoError(t, err)

	_, end := p.TrackOperation(context.Background(), "anchor.submit", AttrTier.String("premium"))
	end(contracts.Errorf(contracts.KindValidation, "router", "unknown tier"))
	_, end = p.TrackOperation(context.Background(), "anchor.check_now")
	end(nil)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "anchor.submit", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), AttrErrorKind.String("VALIDATION"))
	assert.Contains(t, spans[0].Attributes(), AttrTier.String("premium"))
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.EventAccepted(context.Background(), "batch", "standard")
	m.LedgerQuery(context.Background(), time.Second, "ok")
}

func sum(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			data, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, name)
			var total int64
			for _, dp := range data.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestMetrics_Recorded(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	m, err := NewMetrics(mp.Meter("test"))
	require.NoError(t, err)
	ctx := context.Background()

	m.EventAccepted(ctx, "batch", "standard")
	m.EventAccepted(ctx, "immediate", "premium")
	m.EventDeclined(ctx, "immediate", "standard")
	m.BatchFlushed(ctx, 2, "standard")
	m.RecordEnqueued(ctx, "merkle-root")
	m.TxTransition(ctx, "pending", "confirmed")
	m.DeadLetterCreated(ctx, "confirm.poll", "medium")
	m.LedgerQuery(ctx, 20*time.Millisecond, "ok")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	assert.Equal(t, int64(2), sum(t, rm, "anchor.events.accepted"))
	assert.Equal(t, int64(1), sum(t, rm, "anchor.events.declined"))
	assert.Equal(t, int64(1), sum(t, rm, "anchor.batches.flushed"))
	assert.Equal(t, int64(1), sum(t, rm, "anchor.records.enqueued"))
	assert.Equal(t, int64(1), sum(t, rm, "anchor.tx.transitions"))
	assert.Equal(t, int64(1), sum(t, rm, "anchor.deadletters.created"))
}
