package queue

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tahifi/tacaman/cache"
	"github.com/tahifi/tacaman/hash"
	"github.com/tahifi/tacaman/stats"
	"github.com/tahifi/tacaman/timestamp"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJobStateTransitionsOnSuccessfulRecipe(t *testing.T) {
	root := t.TempDir()
	upper := stats.Limits{Keys: 1000, Sources: 1000, Objects: 1000}
	m := cache.New(root, upper, nil, noopScheduler{}, timestamp.NewService(time.Unix(0, 0)))
	q := New(root, m, nil)
	m.SetPending(q)
	require.NoError(t, m.Init())

	sourceHash := hash.OfString("raw-job-source")
	job := newDataJob(root, sourceHash, []byte("payload"), q.logger)
	job.shell = "/bin/sh"
	job.formats = []Format{{Spec: "txt", Dimensions: "1x1"}}

	// Stand in for a successful wget+convert run by writing the expected
	// output file directly, then drive Execute's post-recipe import step.
	job.mu.Lock()
	require.NoError(t, job.createEmptyWorkDir())
	outPath := filepath.Join(job.workDir, "txt@1x1")
	require.NoError(t, os.WriteFile(outPath, []byte("ok"), 0o644))
	result := job.moveFilesToCacheLocked(m)
	job.finishLocked(result)
	job.mu.Unlock()

	assert.Equal(t, StateDoneOK, job.State())
	assert.Equal(t, 1, m.Stats().NObjects)
}

func TestAddPendingKeyRejectedAfterTerminal(t *testing.T) {
	job := newURIJob(t.TempDir(), hash.OfString("x"), "http://x", discardLogger())
	job.mu.Lock()
	job.state = StateDoneOK
	job.mu.Unlock()

	ok := job.AddPendingKey(cache.StreamKeyRef{StreamKey: "aa", Priority: 1})
	assert.False(t, ok)
}
