package gc

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds GC-related OpenTelemetry metric instruments, trimmed from
// the teacher's blob-store GC metrics to TACAMan's own run/tier vocabulary.
type Metrics struct {
	runsTotal         metric.Int64Counter
	deflatedRunsTotal metric.Int64Counter
	roundsTotal       metric.Int64Counter
	runDuration       metric.Float64Histogram
	errorsTotal       metric.Int64Counter
	lastRunTimestamp  metric.Float64Gauge
	lastRunSuccess    metric.Float64Gauge
}

// NewMetrics creates the GC instrument set on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	runsTotal, err := meter.Int64Counter(
		"tacaman_gc_runs_total",
		metric.WithDescription("Total number of GC passes triggered"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	deflatedRunsTotal, err := meter.Int64Counter(
		"tacaman_gc_deflated_runs_total",
		metric.WithDescription("Total number of GC passes that removed at least one entry"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	roundsTotal, err := meter.Int64Counter(
		"tacaman_gc_rounds_total",
		metric.WithDescription("Total number of decimation rounds across all GC passes"),
		metric.WithUnit("{round}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"tacaman_gc_run_duration_seconds",
		metric.WithDescription("GC pass duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	errorsTotal, err := meter.Int64Counter(
		"tacaman_gc_errors_total",
		metric.WithDescription("Total number of GC passes that failed with IO_ERROR"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	lastRunTimestamp, err := meter.Float64Gauge(
		"tacaman_gc_last_run_timestamp_seconds",
		metric.WithDescription("Unix timestamp of the last GC pass"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastRunSuccess, err := meter.Float64Gauge(
		"tacaman_gc_last_run_success",
		metric.WithDescription("Whether the last GC pass completed without IO_ERROR (1=success, 0=failure)"),
		metric.WithUnit("{status}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runsTotal:         runsTotal,
		deflatedRunsTotal: deflatedRunsTotal,
		roundsTotal:       roundsTotal,
		runDuration:       runDuration,
		errorsTotal:       errorsTotal,
		lastRunTimestamp:  lastRunTimestamp,
		lastRunSuccess:    lastRunSuccess,
	}, nil
}
