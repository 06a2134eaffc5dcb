package instrumentation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	totals := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
			}
		}
	}
	return totals
}

func TestMetrics_Record(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(ctx) }()

	m, err := New(provider)
	require.NoError(t, err)

	m.RecordRateLimit(ctx, "auth", true)
	m.RecordRateLimit(ctx, "auth", true)
	m.RecordRateLimit(ctx, "auth", false)
	m.RecordRateLimitFailOpen(ctx, "api")
	m.RecordNonceIssued(ctx, "login")
	m.RecordNonceConsumed(ctx, true)
	m.RecordNonceReplay(ctx)
	m.RecordSessionCreated(ctx, 1)
	m.RecordSessionVerified(ctx, 1)
	m.RecordSessionDisconnected(ctx)
	m.RecordSignatureRejected(ctx)
	m.RecordStoreError(ctx, "nonce.consume")

	totals := collect(t, reader)
	assert.Equal(t, int64(2), totals["walletauth.ratelimit.allowed"])
	assert.Equal(t, int64(1), totals["walletauth.ratelimit.exceeded"])
	assert.Equal(t, int64(1), totals["walletauth.ratelimit.fail_open"])
	assert.Equal(t, int64(1), totals["walletauth.nonce.issued"])
	assert.Equal(t, int64(1), totals["walletauth.nonce.consumed"])
	assert.Equal(t, int64(1), totals["walletauth.nonce.replayed"])
	assert.Equal(t, int64(1), totals["walletauth.session.created"])
	assert.Equal(t, int64(1), totals["walletauth.session.verified"])
	assert.Equal(t, int64(1), totals["walletauth.session.disconnected"])
	assert.Equal(t, int64(1), totals["walletauth.signature.rejected"])
	assert.Equal(t, int64(1), totals["walletauth.store.errors"])
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.RecordRateLimit(ctx, "auth", false)
		m.RecordRateLimitFailOpen(ctx, "auth")
		m.RecordNonceReplay(ctx)
		m.RecordStoreError(ctx, "x")
	})
}

func TestNew_NilProvider(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	assert.NotNil(t, m.RateLimitExceeded)
}
