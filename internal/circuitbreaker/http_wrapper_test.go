package circuitbreaker

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHTTPWrapperServerErrorsTripBreaker(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "agent unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	hw := NewHTTPWrapper(srv.Client(), "agent-test-5xx", "agents", Settings{FailureThreshold: 2}, zaptest.NewLogger(t))

	for i := 0; i < 2; i++ {
		req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
		require.NoError(t, err)
		resp, err := hw.Do(req)
		require.NoError(t, err, "5xx hands the response back")
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.NotEmpty(t, body)
	}
	require.True(t, hw.IsOpen())

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	_, err = hw.Do(req)
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestHTTPWrapperClientErrorsDoNotTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	hw := NewHTTPWrapper(srv.Client(), "agent-test-4xx", "agents", Settings{FailureThreshold: 1}, zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
		require.NoError(t, err)
		resp, err := hw.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
	}
	assert.False(t, hw.IsOpen())
}

func TestHTTPWrapperRegistersBreaker(t *testing.T) {
	NewHTTPWrapper(nil, "agent-test-registry", "agents", Settings{}, nil)

	var found bool
	for _, s := range Default.Snapshots() {
		if s.Key() == "agents:agent-test-registry" {
			found = true
		}
	}
	assert.True(t, found)
}
