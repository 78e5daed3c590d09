package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tahifi/tacaman/cache"
	"github.com/tahifi/tacaman/queue"
	"github.com/tahifi/tacaman/stats"
	"github.com/tahifi/tacaman/timestamp"
)

type noopScheduler struct{}

func (noopScheduler) ScheduleGC()              {}
func (noopScheduler) ScheduleResetTimestamps() {}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	root := t.TempDir()
	upper := stats.Limits{Keys: 1000, Sources: 1000, Objects: 1000}
	m := cache.New(root, upper, nil, noopScheduler{}, timestamp.NewService(time.Unix(0, 0)))
	q := queue.New(root, m, nil)
	m.SetPending(q)
	require.NoError(t, m.Init())

	srv, err := New(Config{Manager: m, Queue: q})
	require.NoError(t, err)
	return srv
}

func (s *Server) testMux() http.Handler {
	return s.httpServer.Handler
}

func TestHandleHealthz(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.testMux().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleStatz(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/statz", nil)
	rec := httptest.NewRecorder()
	srv.testMux().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var got map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 0, got["NKeys"])
}

func TestHandleAddKeyByURIQueuesJob(t *testing.T) {
	srv := newTestServer(t)
	body := bytes.NewBufferString(`{"uri":"http://example.invalid/image.png"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/keys/aabbccdd/10", body)
	rec := httptest.NewRecorder()
	srv.testMux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "SOURCE_UNKNOWN", rec.Header().Get("X-Tacaman-Result"))
}

func TestHandleAddKeyRejectsEmptyURI(t *testing.T) {
	srv := newTestServer(t)
	body := bytes.NewBufferString(`{"uri":""}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/keys/aabbccdd/10", body)
	rec := httptest.NewRecorder()
	srv.testMux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleLookupUnknownKey(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/keys/aabbccdd?format=png", nil)
	rec := httptest.NewRecorder()
	srv.testMux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "KEY_UNKNOWN", rec.Header().Get("X-Tacaman-Result"))
}

func TestHandleLookupRequiresFormat(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/keys/aabbccdd", nil)
	rec := httptest.NewRecorder()
	srv.testMux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
