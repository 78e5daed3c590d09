// Package telemetry wires up OpenTelemetry metrics for the daemon: request
// counters for the ambient HTTP surface, plus the key/lookup/job counters
// named in SPEC_FULL.md's domain-stack section. The GC instrument family
// lives in the gc package itself (gc.Metrics), since it is meaningful
// without the HTTP surface ever running.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const meterName = "github.com/tahifi/tacaman"

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments for the ambient HTTP
// surface and the key/lookup/job counters.
type Metrics struct {
	httpRequestsTotal  metric.Int64Counter
	httpResponseBytes  metric.Int64Counter
	httpRequestSeconds metric.Float64Histogram

	keysAddedTotal   metric.Int64Counter
	lookupsTotal     metric.Int64Counter
	queueDepth       metric.Int64Gauge
	jobOutcomesTotal metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system. Returns a
// shutdown function that should be called on application exit. Uses
// sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}
	return shutdownMetrics, nil
}

// Meter exposes the meter provider's default meter, for packages (like gc)
// that build their own instrument sets on the same provider.
func Meter() metric.Meter {
	if globalMetrics == nil || globalMetrics.meterProvider == nil {
		return otel.GetMeterProvider().Meter(meterName)
	}
	return globalMetrics.meterProvider.Meter(meterName)
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "tacaman"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	httpRequestsTotal, err := meter.Int64Counter(
		"tacaman_http_requests_total",
		metric.WithDescription("Total number of HTTP requests served by the ambient surface"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	httpResponseBytes, err := meter.Int64Counter(
		"tacaman_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	httpRequestSeconds, err := meter.Float64Histogram(
		"tacaman_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	keysAddedTotal, err := meter.Int64Counter(
		"tacaman_keys_added_total",
		metric.WithDescription("Total add_stream_key_for_source outcomes by result"),
		metric.WithUnit("{key}"),
	)
	if err != nil {
		return err
	}

	lookupsTotal, err := meter.Int64Counter(
		"tacaman_lookups_total",
		metric.WithDescription("Total lookup outcomes by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	queueDepth, err := meter.Int64Gauge(
		"tacaman_queue_depth",
		metric.WithDescription("Current number of queued conversion jobs, not counting the running job"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return err
	}

	jobOutcomesTotal, err := meter.Int64Counter(
		"tacaman_job_outcomes_total",
		metric.WithDescription("Total conversion job outcomes by result"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		httpRequestsTotal:  httpRequestsTotal,
		httpResponseBytes:  httpResponseBytes,
		httpRequestSeconds: httpRequestSeconds,
		keysAddedTotal:     keysAddedTotal,
		lookupsTotal:       lookupsTotal,
		queueDepth:         queueDepth,
		jobOutcomesTotal:   jobOutcomesTotal,
		meterProvider:      mp,
		promHandler:        promHandler,
	}

	return nil
}

func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records one completed HTTP request.
func RecordHTTP(ctx context.Context, method, route string, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status_class", StatusClass(status)),
	}
	globalMetrics.httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.httpResponseBytes.Add(ctx, bytesSent, metric.WithAttributes(attrs...))
	globalMetrics.httpRequestSeconds.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordKeyAdded records one add_stream_key_for_source outcome.
func RecordKeyAdded(ctx context.Context, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.keysAddedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordLookup records one lookup outcome.
func RecordLookup(ctx context.Context, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.lookupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordQueueDepth updates the current queue depth gauge.
func RecordQueueDepth(ctx context.Context, depth int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.queueDepth.Record(ctx, int64(depth))
}

// RecordJobOutcome records one conversion job's terminal result.
func RecordJobOutcome(ctx context.Context, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.jobOutcomesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler. Returns a
// handler that 404s if Prometheus export is not enabled, so it is always
// safe to register.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
