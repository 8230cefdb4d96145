package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/dyluth/relay/internal/config"
	"github.com/dyluth/relay/pkg/transmission"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	require.NoError(t, Init(context.Background(), config.TelemetryConfig{Enabled: false}, "relay", "test"))
	assert.False(t, Enabled())

	store := transmission.NewMemStore(nil)
	assert.Same(t, store, WrapStore(store))
}

func TestInit_EnabledThenShutdown(t *testing.T) {
	require.NoError(t, Init(context.Background(), config.TelemetryConfig{Enabled: true}, "relay", "test"))
	assert.True(t, Enabled())

	_, ok := WrapStore(transmission.NewMemStore(nil)).(*InstrumentedStore)
	assert.True(t, ok)

	Shutdown(context.Background())
	assert.False(t, Enabled())
}

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	totals := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[m.Name] += dp.Value
				}
			}
		}
	}
	return totals
}

func TestInstrumentedStore_RecordsOperations(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	s := NewInstrumentedStore(transmission.NewMemStore(nil), tracenoop.NewTracerProvider().Tracer("test"), mp.Meter("test"))
	ctx := context.Background()

	tx, created, err := s.Create(ctx, &transmission.Packet{ThreadID: "t1", Message: "hi"}, transmission.ModeDecision{})
	require.NoError(t, err)
	require.True(t, created)

	res, err := s.LeaseNext(ctx, transmission.LeaseRequest{OwnerID: "w1", Duration: time.Minute})
	require.NoError(t, err)
	require.Equal(t, transmission.LeaseLeased, res.Outcome)

	// Wrong owner: counted as an error.
	err = s.UpdateStatus(ctx, tx.ID, transmission.StatusUpdate{OwnerID: "w2", Status: transmission.StatusCompleted, StatusCode: 200})
	require.ErrorIs(t, err, transmission.ErrLeaseNotHeld)

	// Not found is not an error for metrics.
	_, err = s.Get(ctx, "00000000-0000-0000-0000-000000000000")
	require.True(t, transmission.IsNotFound(err))

	totals := collectSums(t, reader)
	assert.Equal(t, int64(4), totals["relay.store.operations"])
	assert.Equal(t, int64(1), totals["relay.store.errors"])
	assert.Equal(t, int64(1), totals["relay.store.lease_outcomes"])
}
