package httpbackend_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanax-ai/citadel-orchestrator/internal/adapter/httpbackend"
	portbackend "github.com/hanax-ai/citadel-orchestrator/internal/port/backend"
)

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	status, err := httpbackend.New(srv.URL).HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)
	assert.Greater(t, status.Latency, time.Duration(0))
}

func TestHealthCheck_Non200IsUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	status, err := httpbackend.New(srv.URL).HealthCheck(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Healthy)
}

func TestHealthCheck_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nothing listening

	_, err := httpbackend.New(srv.URL).HealthCheck(context.Background())
	assert.Error(t, err)
}

func TestInvoke_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/invoke", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var in map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "hi", in["prompt"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"completion":"hello"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	result, err := httpbackend.New(srv.URL).Invoke(context.Background(), []byte(`{"prompt":"hi"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"completion":"hello"}`, string(result))
}

func TestInvoke_ServerErrorIsTransient(t *testing.T) {
	for _, code := range []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusTooManyRequests} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(code)
		}))

		_, err := httpbackend.New(srv.URL).Invoke(context.Background(), []byte(`{}`))
		require.Error(t, err)
		assert.True(t, portbackend.Retryable(err), "status %d must be retryable", code)
		srv.Close()
	}
}

func TestInvoke_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := httpbackend.New(srv.URL).Invoke(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.False(t, portbackend.Retryable(err), "4xx would fail identically on retry")
}

func TestInvoke_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	_, err := httpbackend.New(srv.URL).Invoke(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.True(t, portbackend.Retryable(err))
}

func TestRetryable_UnknownErrorDefaultsTransient(t *testing.T) {
	assert.True(t, portbackend.Retryable(assert.AnError))
}
