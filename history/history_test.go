package history

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tahifi/tacaman/cache"
	"github.com/tahifi/tacaman/gc"
	"github.com/tahifi/tacaman/stats"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndListGCRuns(t *testing.T) {
	s := newTestStore(t)
	base := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		result := &gc.Result{
			StartedAt:   base.Add(time.Duration(i) * time.Minute),
			Outcome:     cache.Deflated,
			Duration:    time.Second,
			Rounds:      1,
			KeysRemoved: i,
		}
		require.NoError(t, s.RecordGCRun(result))
	}

	runs, err := s.ListGCRuns(2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.True(t, runs[0].StartedAt.After(runs[1].StartedAt))
	assert.Equal(t, "DEFLATED", runs[0].Outcome)
}

func TestRecordGCRunCapturesError(t *testing.T) {
	s := newTestStore(t)
	result := &gc.Result{StartedAt: time.Unix(1, 0), Outcome: cache.GCIOError, Err: errors.New("disk full")}
	require.NoError(t, s.RecordGCRun(result))

	runs, err := s.ListGCRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "disk full", runs[0].Err)
}

func TestRecordAndListTimestampResets(t *testing.T) {
	s := newTestStore(t)
	at := time.Unix(100, 0)
	base := time.Unix(50, 0)
	require.NoError(t, s.RecordTimestampReset(at, base, 42, nil))

	resets, err := s.ListTimestampResets(0)
	require.NoError(t, err)
	require.Len(t, resets, 1)
	assert.Equal(t, 42, resets[0].Touched)
}

func TestLatestStatsSnapshotRoundTrips(t *testing.T) {
	s := newTestStore(t)

	_, found, err := s.LatestStatsSnapshot()
	require.NoError(t, err)
	assert.False(t, found)

	snap := stats.Statistics{NKeys: 5, NSources: 3, NObjects: 7}
	require.NoError(t, s.RecordStatsSnapshot(snap))

	got, found, err := s.LatestStatsSnapshot()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, snap, got)

	require.NoError(t, s.RecordStatsSnapshot(stats.Statistics{NKeys: 9}))
	got, found, err = s.LatestStatsSnapshot()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 9, got.NKeys)
}
