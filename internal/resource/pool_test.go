package resource

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type stubTransport struct {
	closed bool
}

func (t *stubTransport) Close(_ context.Context) error {
	t.closed = true
	return nil
}

func stubConnector() Connector {
	return ConnectorFunc(func(_ context.Context, _ string) (Transport, error) {
		return &stubTransport{}, nil
	})
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{
		SigningKey: []byte("test-signing-key"),
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

func TestAcquireConnection_PoolNotFound(t *testing.T) {
	m := newTestManager(t)

	_, err := m.AcquireConnection(context.Background(), "missing", "example.org:443")
	assert.ErrorIs(t, err, ErrPoolNotFound)
}

func TestAcquireConnection_Exhaustion(t *testing.T) {
	m := newTestManager(t)
	m.RegisterPool(PoolConfig{
		ID:             "hl7-outbound",
		Type:           PoolTypeHL7MLLP,
		MaxConnections: 1,
		Connector:      stubConnector(),
	})

	first, err := m.AcquireConnection(context.Background(), "hl7-outbound", "hospital-a:2575")
	require.NoError(t, err)
	assert.Equal(t, ConnectionActive, first.Status)

	// Second acquire for a different endpoint without releasing the first
	// must fail fast with exhaustion.
	_, err = m.AcquireConnection(context.Background(), "hl7-outbound", "hospital-b:2575")
	var exhausted *PoolExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "hl7-outbound", exhausted.PoolID)
}

func TestAcquireConnection_ExhaustionRecordsMetric(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	m := newTestManager(t)
	m.RegisterPool(PoolConfig{
		ID:             "hl7-outbound",
		Type:           PoolTypeHL7MLLP,
		MaxConnections: 1,
		Connector:      stubConnector(),
	})

	_, err := m.AcquireConnection(context.Background(), "hl7-outbound", "hospital-a:2575")
	require.NoError(t, err)

	_, err = m.AcquireConnection(context.Background(), "hl7-outbound", "hospital-b:2575")
	var exhausted *PoolExhaustedError
	require.ErrorAs(t, err, &exhausted)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.EqualValues(t, 1, counterTotal(t, rm, "integration.pool.exhaustions"))
}

func counterTotal(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	t.Fatalf("metric %s not recorded", name)
	return 0
}

func TestAcquireConnection_ReusesIdleConnection(t *testing.T) {
	m := newTestManager(t)
	m.RegisterPool(PoolConfig{
		ID:             "fhir",
		Type:           PoolTypeFHIR,
		MaxConnections: 2,
		Connector:      stubConnector(),
	})

	ctx := context.Background()
	first, err := m.AcquireConnection(ctx, "fhir", "https://fhir.example.org")
	require.NoError(t, err)
	require.NoError(t, m.ReleaseConnection(ctx, first, false))

	second, err := m.AcquireConnection(ctx, "fhir", "https://fhir.example.org")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(2), second.UseCount)
}

func TestReleaseConnection_BrokenDiscards(t *testing.T) {
	m := newTestManager(t)
	m.RegisterPool(PoolConfig{
		ID:             "tcp",
		Type:           PoolTypeTCP,
		MaxConnections: 1,
		Connector:      stubConnector(),
	})

	ctx := context.Background()
	conn, err := m.AcquireConnection(ctx, "tcp", "host:1234")
	require.NoError(t, err)

	transport := conn.Transport.(*stubTransport)
	require.NoError(t, m.ReleaseConnection(ctx, conn, true))
	assert.True(t, transport.closed)

	// The broken connection is gone; a fresh acquire dials a new one.
	fresh, err := m.AcquireConnection(ctx, "tcp", "host:1234")
	require.NoError(t, err)
	assert.NotEqual(t, conn.ID, fresh.ID)
}

func TestPool_DialFailureFreesSlot(t *testing.T) {
	m := newTestManager(t)

	dialErr := errors.New("connection refused")
	failing := ConnectorFunc(func(_ context.Context, _ string) (Transport, error) {
		return nil, dialErr
	})
	m.RegisterPool(PoolConfig{
		ID:             "flaky",
		Type:           PoolTypeTCP,
		MaxConnections: 1,
		Connector:      failing,
	})

	ctx := context.Background()
	_, err := m.AcquireConnection(ctx, "flaky", "host:1")
	require.ErrorIs(t, err, dialErr)

	// The failed dial must not leak its reserved slot.
	_, err = m.AcquireConnection(ctx, "flaky", "host:1")
	assert.ErrorIs(t, err, dialErr)
}

func TestManager_ShutdownIdempotent(t *testing.T) {
	m, err := NewManager(ManagerConfig{
		SigningKey: []byte("key"),
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)

	m.RegisterPool(PoolConfig{
		ID:             "p",
		Type:           PoolTypeHTTP,
		MaxConnections: 1,
		Connector:      stubConnector(),
	})
	_, err = m.AcquireConnection(context.Background(), "p", "https://example.org")
	require.NoError(t, err)

	m.Shutdown(context.Background())
	m.Shutdown(context.Background())

	_, err = m.AcquireConnection(context.Background(), "p", "https://example.org")
	assert.ErrorIs(t, err, ErrPoolNotFound)
}

func TestPool_HealthCheckFailureMarksUnhealthy(t *testing.T) {
	pool := newConnectionPool(PoolConfig{
		ID:             "probe",
		Type:           PoolTypeHTTP,
		MaxConnections: 1,
		Connector:      stubConnector(),
		HealthCheck: HealthCheckConfig{
			Enabled: true,
			Probe: func(_ context.Context) error {
				return errors.New("listener unreachable")
			},
		},
	}, zerolog.Nop())

	pool.check(context.Background())
	assert.Equal(t, PoolStatusUnhealthy, pool.Status())
}
