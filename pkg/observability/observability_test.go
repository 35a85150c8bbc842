package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Mindburn-Labs/custody/pkg/conform"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	_, done := p.TrackStage(context.Background(), "chain", "")
	done(conform.Pass("chain", "ok"))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestTrackStageRecordsSpanAndMetrics(t *testing.T) {
	ctx := context.Background()
	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	p, err := NewWithProviders(
		sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)),
		sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	)
	require.NoError(t, err)

	_, done := p.TrackStage(ctx, "epoch_verify", "e-0002")
	done(conform.RecordFor("epoch_verify", conform.Newf(conform.ReasonCanonicalMismatch, "closeout differs")))

	_, done = p.TrackStage(ctx, "chain", "")
	done(conform.Pass("chain", "ok"))

	ended := spans.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "custody.epoch_verify", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, codes.Ok, ended[1].Status().Code)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if s, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range s.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(2), sums["custody.stage.runs"])
	assert.Equal(t, int64(1), sums["custody.stage.failures"])
	assert.Equal(t, int64(2), sums["custody.stage.outcomes"])

	require.NoError(t, p.Shutdown(ctx))
}
