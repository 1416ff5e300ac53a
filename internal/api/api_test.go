package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulhenri/PKVS/internal/config"
	"github.com/paulhenri/PKVS/internal/logging"
	"github.com/paulhenri/PKVS/internal/server"
	"github.com/paulhenri/PKVS/internal/storage"
)

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *Server {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.HTTPPort = 0
	for _, m := range mutate {
		m(cfg)
	}

	eng, err := storage.Open(cfg.DataDir, storage.WithLogger(logging.Discard()))
	require.NoError(t, err)

	d := server.NewDispatcher(eng, server.WithDispatcherLogger(logging.Discard()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})

	return NewServer(cfg, d, logging.Discard())
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, "GET", "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "kvs", body["engine"])
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestKeyValueLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, "PUT", "/kv/color", `{"value":"blue"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, "GET", "/kv/color", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got getResponse
	decode(t, rec, &got)
	assert.Equal(t, getResponse{Key: "color", Value: "blue"}, got)

	// A body that is not JSON is stored verbatim.
	rec = do(t, s, "POST", "/kv/color", "plain red")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s, "GET", "/kv/color", "")
	decode(t, rec, &got)
	assert.Equal(t, "plain red", got.Value)

	rec = do(t, s, "DELETE", "/kv/color", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, "GET", "/kv/color", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	var errBody errorResponse
	decode(t, rec, &errBody)
	assert.Equal(t, http.StatusNotFound, errBody.Code)
	assert.Equal(t, "key not found", errBody.Message)

	// Removing a missing key is not an error.
	rec = do(t, s, "DELETE", "/kv/color", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPutRequiresValue(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, "PUT", "/kv/k", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, "PUT", "/kv/k", `{"value":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminEndpoints(t *testing.T) {
	s := newTestServer(t)

	for _, k := range []string{"b", "a", "c"} {
		require.Equal(t, http.StatusOK, do(t, s, "PUT", "/kv/"+k, `{"value":"v"}`).Code)
	}
	require.Equal(t, http.StatusOK, do(t, s, "DELETE", "/kv/c", "").Code)

	rec := do(t, s, "GET", "/admin/keys", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var keys struct {
		Keys  []string `json:"keys"`
		Count int      `json:"count"`
	}
	decode(t, rec, &keys)
	assert.Equal(t, []string{"a", "b"}, keys.Keys)
	assert.Equal(t, 2, keys.Count)

	// The removed key still has an index entry until compaction, but it is
	// not counted as a key.
	rec = do(t, s, "GET", "/admin/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var before statusResponse
	decode(t, rec, &before)
	assert.Equal(t, int64(2), before.Keys)
	assert.Equal(t, int64(3), before.Storage.IndexEntries)
	assert.Equal(t, int64(2), before.Storage.LiveKeys)

	rec = do(t, s, "POST", "/admin/compact", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, "GET", "/admin/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats storage.Stats
	decode(t, rec, &stats)
	assert.Equal(t, storage.KindLog, stats.Engine)
	assert.Equal(t, int64(2), stats.IndexEntries)
	assert.Equal(t, int64(2), stats.LiveKeys)
	assert.Equal(t, uint64(3), stats.TotalWrites)
	assert.Equal(t, uint64(1), stats.Compactions)

	rec = do(t, s, "POST", "/admin/sync", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, "GET", "/admin/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status statusResponse
	decode(t, rec, &status)
	assert.Equal(t, "127.0.0.1:48567", status.Address)
	assert.Equal(t, int64(2), status.Keys)
}

func TestEmptyKeysListIsArray(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, "GET", "/admin/keys", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"keys":[]`)
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, "GET", "/admin/compact", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.RateLimit = 0.001
		c.RateBurst = 2
	})

	assert.Equal(t, http.StatusOK, do(t, s, "GET", "/health", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s, "GET", "/health", "").Code)

	rec := do(t, s, "GET", "/health", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestEngineErrorsAfterStop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()

	eng, err := storage.Open(cfg.DataDir, storage.WithLogger(logging.Discard()))
	require.NoError(t, err)
	d := server.NewDispatcher(eng, server.WithDispatcherLogger(logging.Discard()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	s := NewServer(cfg, d, logging.Discard())
	rec := do(t, s, "GET", "/kv/k", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{42 * time.Second, "42s"},
		{3*time.Minute + 5*time.Second, "3m 5s"},
		{2*time.Hour + 1*time.Minute, "2h 1m 0s"},
		{50 * time.Hour, "2d 2h 0m 0s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatUptime(tt.in))
	}
}
