package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter(meterName)

	httpRequestsTotal, err := meter.Int64Counter("tacaman_http_requests_total")
	require.NoError(t, err)
	httpResponseBytes, err := meter.Int64Counter("tacaman_http_response_bytes_total")
	require.NoError(t, err)
	httpRequestSeconds, err := meter.Float64Histogram("tacaman_http_request_duration_seconds")
	require.NoError(t, err)
	keysAddedTotal, err := meter.Int64Counter("tacaman_keys_added_total")
	require.NoError(t, err)
	lookupsTotal, err := meter.Int64Counter("tacaman_lookups_total")
	require.NoError(t, err)
	queueDepth, err := meter.Int64Gauge("tacaman_queue_depth")
	require.NoError(t, err)
	jobOutcomesTotal, err := meter.Int64Counter("tacaman_job_outcomes_total")
	require.NoError(t, err)

	globalMetrics = &Metrics{
		httpRequestsTotal:  httpRequestsTotal,
		httpResponseBytes:  httpResponseBytes,
		httpRequestSeconds: httpRequestSeconds,
		keysAddedTotal:     keysAddedTotal,
		lookupsTotal:       lookupsTotal,
		queueDepth:         queueDepth,
		jobOutcomesTotal:   jobOutcomesTotal,
		meterProvider:      mp,
	}

	t.Cleanup(func() { globalMetrics = nil })
	return reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func TestRecordKeyAddedIncrementsCounter(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordKeyAdded(context.Background(), "INSERTED")

	rm := collect(t, reader)
	m, ok := findMetric(rm, "tacaman_keys_added_total")
	require.True(t, ok)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	require.Equal(t, int64(1), sum.DataPoints[0].Value)
}

func TestRecordQueueDepthSetsGauge(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordQueueDepth(context.Background(), 3)

	rm := collect(t, reader)
	m, ok := findMetric(rm, "tacaman_queue_depth")
	require.True(t, ok)
	gauge, ok := m.Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	require.Equal(t, int64(3), gauge.DataPoints[0].Value)
}

func TestRecordWithoutInitIsNoop(t *testing.T) {
	globalMetrics = nil
	require.NotPanics(t, func() {
		RecordKeyAdded(context.Background(), "INSERTED")
		RecordLookup(context.Background(), "FOUND")
		RecordQueueDepth(context.Background(), 0)
		RecordJobOutcome(context.Background(), "OK")
		RecordHTTP(context.Background(), "GET", "/healthz", 200, 2, 0)
	})
}

func TestStatusClass(t *testing.T) {
	require.Equal(t, "2xx", StatusClass(204))
	require.Equal(t, "4xx", StatusClass(404))
	require.Equal(t, "5xx", StatusClass(500))
}
