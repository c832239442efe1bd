package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pbinitiative/zenflow/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.Config {
	return config.Config{Name: "zenflow-test", Server: config.Server{Addr: "127.0.0.1:0"}}
}

func TestStatusEndpoint(t *testing.T) {
	s := NewServer(testConfig(), func(context.Context) (any, error) {
		return map[string]any{"name": "node-1", "models": 2}, nil
	})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/system/status", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"name": "node-1", "models": 2}`, rec.Body.String())
}

func TestStatusEndpointError(t *testing.T) {
	s := NewServer(testConfig(), func(context.Context) (any, error) {
		return nil, errors.New("storage closed")
	})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/system/status", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error": "storage closed"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	s := NewServer(testConfig(), func(context.Context) (any, error) { return nil, nil })

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/system/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/system/metrics", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStartStop(t *testing.T) {
	s := NewServer(testConfig(), func(context.Context) (any, error) { return "ok", nil })
	listener, err := s.Start()
	require.NoError(t, err)
	defer s.Stop(context.Background())

	resp, err := http.Get("http://" + listener.Addr().String() + "/system/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
