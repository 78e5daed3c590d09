package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tahifi/tacaman/cache"
	"github.com/tahifi/tacaman/hash"
	"github.com/tahifi/tacaman/stats"
	"github.com/tahifi/tacaman/timestamp"
)

type noopScheduler struct{}

func (noopScheduler) ScheduleGC()             {}
func (noopScheduler) ScheduleResetTimestamps() {}

func newTestQueue(t *testing.T) (*Queue, *cache.Manager) {
	t.Helper()
	root := t.TempDir()
	upper := stats.Limits{Keys: 1000, Sources: 1000, Objects: 1000}

	m := cache.New(root, upper, nil, noopScheduler{}, timestamp.NewService(time.Unix(0, 0)))
	q := New(root, m, nil)
	m.SetPending(q)
	require.NoError(t, m.Init())
	return q, m
}

func TestFormatFilename(t *testing.T) {
	f := Format{Spec: "png", Dimensions: "120x120"}
	assert.Equal(t, "png@120x120", f.Filename())
}

func TestDefaultFormatsMatchesReferenceSet(t *testing.T) {
	formats := DefaultFormats()
	require.Len(t, formats, 3)
	assert.Equal(t, Format{"png", "120x120"}, formats[0])
	assert.Equal(t, Format{"png", "200x200"}, formats[1])
	assert.Equal(t, Format{"jpg", "400x400"}, formats[2])
}

func TestIsSourcePendingReflectsEarmark(t *testing.T) {
	q, _ := newTestQueue(t)
	sourceHash := hash.OfString("http://example/x")

	assert.False(t, q.IsSourcePending(sourceHash, false))

	guard := func() *earmarkGuard {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.earmarkAddSource(sourceHash)
	}()
	assert.True(t, q.IsSourcePending(sourceHash, false))

	q.mu.Lock()
	guard.release()
	q.mu.Unlock()
	assert.False(t, q.IsSourcePending(sourceHash, false))
}

func TestAddKeyToPendingSourceAttachesToQueuedJob(t *testing.T) {
	q, _ := newTestQueue(t)
	sourceHash := hash.OfString("http://example/y")
	job := newURIJob(q.root, sourceHash, "http://example/y", q.logger)

	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()

	ok := q.AddKeyToPendingSource(cache.StreamKeyRef{StreamKey: "aa", Priority: 1}, sourceHash)
	assert.True(t, ok)

	ok = q.AddKeyToPendingSource(cache.StreamKeyRef{StreamKey: "bb", Priority: 1}, hash.OfString("other"))
	assert.False(t, ok)
}

func TestBuildRecipeIncludesDownloadAndConvertSteps(t *testing.T) {
	q, _ := newTestQueue(t)
	sourceHash := hash.OfString("http://example/z")
	job := newURIJob(q.root, sourceHash, "http://example/z", q.logger)

	script := buildRecipe(job)
	assert.Contains(t, script, "#!/bin/sh")
	assert.Contains(t, script, "wget")
	assert.Contains(t, script, "png@120x120")
	assert.Contains(t, script, "jpg@400x400")
	assert.Contains(t, script, "wait")
}

func TestHandleExitCodeMapping(t *testing.T) {
	assert.Equal(t, ResultOK, handleExitCode(0))
	assert.Equal(t, ResultIOError, handleExitCode(1))
	assert.Equal(t, ResultDownloadError, handleExitCode(2))
	assert.Equal(t, ResultInputError, handleExitCode(3))
	assert.Equal(t, ResultConversionError, handleExitCode(4))
	assert.Equal(t, ResultInternalError, handleExitCode(77))
}
