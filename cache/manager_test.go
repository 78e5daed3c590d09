package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tahifi/tacaman/hash"
	"github.com/tahifi/tacaman/stats"
	"github.com/tahifi/tacaman/timestamp"
)

type noPending struct{}

func (noPending) IsSourcePending(hash.Hash, bool) bool               { return false }
func (noPending) IsSourcePendingLocked(hash.Hash, bool) bool         { return false }
func (noPending) AddKeyToPendingSource(StreamKeyRef, hash.Hash) bool { return false }
func (noPending) NotifyPendingKeyProcessed(StreamKeyRef, hash.Hash, AddKeyResult) {}

// stubPending reports a single configured source hash as pending, letting
// tests exercise the AddStreamKeyForSource reconciliation branches that
// real pending status gates, without wiring a full *queue.Queue (which
// would need to import this package, a cycle).
type stubPending struct {
	pendingHash hash.Hash
	attached    []StreamKeyRef
}

func (p *stubPending) IsSourcePending(h hash.Hash, excludeCurrent bool) bool {
	return p.IsSourcePendingLocked(h, excludeCurrent)
}

func (p *stubPending) IsSourcePendingLocked(h hash.Hash, _ bool) bool {
	return h == p.pendingHash
}

func (p *stubPending) AddKeyToPendingSource(key StreamKeyRef, h hash.Hash) bool {
	if h != p.pendingHash {
		return false
	}
	p.attached = append(p.attached, key)
	return true
}

func (p *stubPending) NotifyPendingKeyProcessed(StreamKeyRef, hash.Hash, AddKeyResult) {}

type noopScheduler struct {
	gcCalls    int
	resetCalls int
}

func (s *noopScheduler) ScheduleGC()               { s.gcCalls++ }
func (s *noopScheduler) ScheduleResetTimestamps()   { s.resetCalls++ }

func newTestManager(t *testing.T) (*Manager, *noopScheduler) {
	t.Helper()
	root := t.TempDir()
	sched := &noopScheduler{}
	upper := stats.Limits{Keys: 1000, Sources: 1000, Objects: 1000}
	m := New(root, upper, noPending{}, sched, timestamp.NewService(time.Unix(0, 0)))
	require.NoError(t, m.Init())
	return m, sched
}

func TestInitCreatesTrees(t *testing.T) {
	m, _ := newTestManager(t)
	for _, dir := range []string{".src", ".obj", ".tmp"} {
		_, err := os.Stat(filepath.Join(m.root, dir))
		assert.NoError(t, err)
	}
}

func TestAddStreamKeyForSourceNewSource(t *testing.T) {
	m, _ := newTestManager(t)
	key := StreamKeyRef{StreamKey: hash.OfString("stream-a").String(), Priority: 1}
	sourceHash := hash.OfString("uri-a")

	result := m.AddStreamKeyForSource(key, sourceHash)
	assert.Equal(t, SourceUnknown, result)
	assert.Equal(t, 1, m.Stats().NKeys)
}

func TestAddStreamKeyForSourceNotChanged(t *testing.T) {
	m, _ := newTestManager(t)
	key := StreamKeyRef{StreamKey: hash.OfString("stream-b").String(), Priority: 1}
	sourceHash := hash.OfString("uri-b")

	m.AddStreamKeyForSource(key, sourceHash)
	result := m.AddStreamKeyForSource(key, sourceHash)
	assert.Equal(t, NotChanged, result)
}

// TestAddStreamKeyForSourceResubmitWhilePending covers spec.md's S2 and L1
// cases: resubmitting an identical key+source while that source's
// conversion is still pending must yield SOURCE_PENDING, not NOT_CHANGED,
// and the key must be attached to the pending source's key list.
func TestAddStreamKeyForSourceResubmitWhilePending(t *testing.T) {
	root := t.TempDir()
	sched := &noopScheduler{}
	upper := stats.Limits{Keys: 1000, Sources: 1000, Objects: 1000}
	sourceHash := hash.OfString("uri-pending")
	pending := &stubPending{pendingHash: sourceHash}

	m := New(root, upper, pending, sched, timestamp.NewService(time.Unix(0, 0)))
	require.NoError(t, m.Init())

	key := StreamKeyRef{StreamKey: hash.OfString("stream-pending").String(), Priority: 1}

	first := m.AddStreamKeyForSource(key, sourceHash)
	assert.Equal(t, SourceUnknown, first)

	second := m.AddStreamKeyForSource(key, sourceHash)
	assert.Equal(t, SourcePending, second)
	assert.Equal(t, 1, m.Stats().NKeys, "resubmitting while pending must not add a second key")
	require.Len(t, pending.attached, 1)
	assert.Equal(t, key, pending.attached[0])
}

func TestAddStreamKeyForSourceReplaced(t *testing.T) {
	m, _ := newTestManager(t)
	key := StreamKeyRef{StreamKey: hash.OfString("stream-c").String(), Priority: 1}

	m.AddStreamKeyForSource(key, hash.OfString("uri-c1"))
	result := m.AddStreamKeyForSource(key, hash.OfString("uri-c2"))
	assert.Equal(t, Replaced, result)
}

func TestUpdateSourceInstallsObjectsAndLinksKeys(t *testing.T) {
	m, _ := newTestManager(t)
	key := StreamKeyRef{StreamKey: hash.OfString("stream-d").String(), Priority: 1}
	sourceHash := hash.OfString("uri-d")

	require.Equal(t, SourceUnknown, m.AddStreamKeyForSource(key, sourceHash))

	workDir := t.TempDir()
	outFile := filepath.Join(workDir, "png@120x120")
	require.NoError(t, os.WriteFile(outFile, []byte("fake-png-bytes"), 0o644))

	result, keyResults := m.UpdateSource(sourceHash, []string{outFile}, []StreamKeyRef{key})
	assert.Equal(t, UpdatedAll, result)
	require.Len(t, keyResults, 1)
	assert.Equal(t, Inserted, keyResults[0])
	assert.Equal(t, 1, m.Stats().NObjects)

	lookupResult, obj := m.Lookup(key, hash.Hash{}, "png")
	require.Equal(t, Found, lookupResult)
	require.NotNil(t, obj)
	assert.Equal(t, []byte("fake-png-bytes"), obj.Data)
}

func TestLookupUnknownKey(t *testing.T) {
	m, _ := newTestManager(t)
	key := StreamKeyRef{StreamKey: hash.OfString("stream-e").String(), Priority: 1}

	result, obj := m.Lookup(key, hash.Hash{}, "png")
	assert.Equal(t, KeyUnknown, result)
	assert.Nil(t, obj)
}

func TestLookupKnownHashShortCircuitsWithoutData(t *testing.T) {
	m, _ := newTestManager(t)
	key := StreamKeyRef{StreamKey: hash.OfString("stream-f").String(), Priority: 1}
	sourceHash := hash.OfString("uri-f")
	require.Equal(t, SourceUnknown, m.AddStreamKeyForSource(key, sourceHash))

	workDir := t.TempDir()
	outFile := filepath.Join(workDir, "jpg@400x400")
	require.NoError(t, os.WriteFile(outFile, []byte("jpeg-bytes"), 0o644))
	_, _ = m.UpdateSource(sourceHash, []string{outFile}, []StreamKeyRef{key})

	objHash := hash.OfBytes([]byte("jpeg-bytes"))
	result, obj := m.Lookup(key, objHash, "jpg")
	require.Equal(t, Found, result)
	require.NotNil(t, obj)
	assert.Empty(t, obj.Data)
	assert.Equal(t, objHash, obj.Hash)
}

func TestDeleteKeyRemovesSourceWhenUnreferenced(t *testing.T) {
	m, _ := newTestManager(t)
	key := StreamKeyRef{StreamKey: hash.OfString("stream-g").String(), Priority: 1}
	sourceHash := hash.OfString("uri-g")
	require.Equal(t, SourceUnknown, m.AddStreamKeyForSource(key, sourceHash))

	require.NoError(t, m.DeleteKey(key))
	assert.Equal(t, 0, m.Stats().NKeys)

	_, err := os.Stat(filepathSourceDir(m, sourceHash))
	assert.True(t, os.IsNotExist(err))
}

func filepathSourceDir(m *Manager, h hash.Hash) string {
	s := h.String()
	return filepath.Join(m.root, ".src", s[:2], s[2:])
}

func TestGCTriggerSchedulesOnlyWhenExceeded(t *testing.T) {
	root := t.TempDir()
	sched := &noopScheduler{}
	upper := stats.Limits{Keys: 0, Sources: 1000, Objects: 1000}
	m := New(root, upper, noPending{}, sched, timestamp.NewService(time.Unix(0, 0)))
	require.NoError(t, m.Init())

	key := StreamKeyRef{StreamKey: hash.OfString("stream-h").String(), Priority: 1}
	m.AddStreamKeyForSource(key, hash.OfString("uri-h"))

	assert.GreaterOrEqual(t, sched.gcCalls, 1)
}
