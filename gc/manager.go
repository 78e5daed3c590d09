// Package gc implements the garbage collector (C9): a two-watermark,
// atime-threshold LRU decimation run in multiple rounds, triggered by the
// background task executor rather than on its own ticker.
//
// Grounded on original_source/src/artcache.cc's do_gc and the teacher's
// store/gc package for the Manager/Metrics/ManagerOption shape.
package gc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/tahifi/tacaman/cache"
	"github.com/tahifi/tacaman/stats"
)

// Tier values match cache.Manager's TierKeys/TierSources/TierObjects
// constants; kept here too so callers don't need to import cache just to
// name a tier.
const (
	TierKeys    = cache.TierKeys
	TierSources = cache.TierSources
	TierObjects = cache.TierObjects
)

// BIAS and APPROACHING_PERCENTAGE tune the per-round threshold percentage,
// per spec.md §4.9 step 2.
const (
	bias                  = 10
	approachingPercentage = 20
	maxFailRounds         = 2
)

// CacheAccessor is the narrow slice of the Cache Manager the collector
// needs. Satisfied by *cache.Manager; kept as an interface so gc and cache
// don't import each other's concrete types beyond this boundary.
type CacheAccessor interface {
	Root() string
	Stats() stats.Statistics
	UpperLimits() stats.Limits
	LowerLimits() stats.Limits
	CollectAtimes(tier int) ([]cache.AtimeSample, error)
	DecimateTier(tier int, threshold time.Time) (int, error)
	PruneEmptyShards() error
}

// Result is the outcome of one do_gc pass.
type Result struct {
	Outcome        cache.GCResult
	StartedAt      time.Time
	Duration       time.Duration
	Rounds         int
	KeysRemoved    int
	SourcesRemoved int
	ObjectsRemoved int
	Err            error
}

// Manager runs garbage collection rounds against a CacheAccessor. It has no
// goroutine of its own: the daemon registers Manager.Run as the handler for
// background.ActionGC.
type Manager struct {
	accessor CacheAccessor
	metrics  *Metrics
	logger   *slog.Logger

	mu      sync.Mutex
	lastRun *Result
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics sets up OpenTelemetry instruments on the given meter.
func WithMetrics(meter metric.Meter) ManagerOption {
	return func(m *Manager) {
		metrics, err := NewMetrics(meter)
		if err != nil {
			m.logger.Error("failed to create gc metrics", slog.Any("error", err))
			return
		}
		m.metrics = metrics
	}
}

// New creates a Manager that collects against accessor.
func New(accessor CacheAccessor, opts ...ManagerOption) *Manager {
	m := &Manager{accessor: accessor, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RunNow triggers an immediate GC pass, bypassing the background worker.
// Nothing on the request path calls it.
func (m *Manager) RunNow(ctx context.Context) *Result {
	return m.Run(ctx)
}

// Status returns the last completed run's result, or nil if none has run.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

// Run executes one do_gc pass: trigger check, then up to maxFailRounds
// consecutive fruitless rounds of collect/threshold/decimate/prune. Safe to
// call directly (e.g. from background.Task's GC handler) or via RunNow.
func (m *Manager) Run(ctx context.Context) *Result {
	started := time.Now()
	result := &Result{StartedAt: started}

	if !m.accessor.Stats().ExceedsLimits(m.accessor.UpperLimits()) {
		result.Outcome = cache.NotRequired
		result.Duration = time.Since(started)
		m.finish(ctx, result)
		return result
	}

	lower := m.accessor.LowerLimits()
	failRounds := 0
	anyRemoved := false

	for failRounds < maxFailRounds {
		result.Rounds++
		percentage := approachingPercentage
		if result.Rounds == 1 {
			percentage = stats.LowHighPercentage + bias
		}

		keys, sources, objects, err := m.runRound(percentage)
		if err != nil {
			result.Err = err
			result.Outcome = cache.GCIOError
			result.Duration = time.Since(started)
			m.finish(ctx, result)
			return result
		}
		result.KeysRemoved += keys
		result.SourcesRemoved += sources
		result.ObjectsRemoved += objects
		removedThisRound := keys+sources+objects > 0

		if removedThisRound {
			anyRemoved = true
			failRounds = 0
		} else {
			failRounds++
		}

		if !m.accessor.Stats().ExceedsLimits(lower) {
			break
		}
	}

	if err := m.accessor.PruneEmptyShards(); err != nil {
		m.logger.Warn("gc: prune empty shards failed", slog.Any("error", err))
	}

	switch {
	case anyRemoved:
		result.Outcome = cache.Deflated
	default:
		result.Outcome = cache.NotPossible
	}
	result.Duration = time.Since(started)
	m.finish(ctx, result)
	return result
}

// runRound performs one collect/threshold/decimate pass across all three
// tiers in order, per spec.md §4.9 steps 1-3, and reports how many entries
// were removed from each.
func (m *Manager) runRound(percentage int) (keysRemoved, sourcesRemoved, objectsRemoved int, err error) {
	counts := [3]int{}
	for i, tier := range []int{TierKeys, TierSources, TierObjects} {
		samples, err := m.accessor.CollectAtimes(tier)
		if err != nil {
			return 0, 0, 0, err
		}
		if len(samples) == 0 {
			continue
		}

		min, max := samples[0].Atime, samples[0].Atime
		for _, s := range samples[1:] {
			if s.Atime.Before(min) {
				min = s.Atime
			}
			if s.Atime.After(max) {
				max = s.Atime
			}
		}

		n, err := m.accessor.DecimateTier(tier, thresholdFor(min, max, percentage))
		if err != nil {
			return 0, 0, 0, err
		}
		counts[i] = n
	}
	return counts[0], counts[1], counts[2], nil
}

func thresholdFor(min, max time.Time, percentage int) time.Time {
	span := max.Sub(min)
	offset := span * time.Duration(percentage) / 100
	return min.Add(offset)
}

func (m *Manager) finish(ctx context.Context, result *Result) {
	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	m.logger.Info("gc run completed",
		slog.String("outcome", result.Outcome.String()),
		slog.Int("rounds", result.Rounds),
		slog.Duration("duration", result.Duration))

	if m.metrics == nil {
		return
	}
	m.metrics.runsTotal.Add(ctx, 1)
	m.metrics.runDuration.Record(ctx, result.Duration.Seconds())
	m.metrics.roundsTotal.Add(ctx, int64(result.Rounds))
	if result.Err != nil {
		m.metrics.errorsTotal.Add(ctx, 1)
		m.metrics.lastRunSuccess.Record(ctx, 0)
	} else {
		m.metrics.lastRunSuccess.Record(ctx, 1)
	}
	m.metrics.lastRunTimestamp.Record(ctx, float64(result.StartedAt.Unix()))
	if result.Outcome == cache.Deflated {
		m.metrics.deflatedRunsTotal.Add(ctx, 1)
	}
}
