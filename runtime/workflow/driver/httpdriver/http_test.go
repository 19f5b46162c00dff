package httpdriver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/runtime/workflow/artifact"
	"github.com/noetl/noetl/runtime/workflow/driver"
	"github.com/noetl/noetl/runtime/workflow/outcome"
)

func request(endpoint string, config map[string]any) *driver.Request {
	if config == nil {
		config = map[string]any{}
	}
	config["endpoint"] = endpoint
	return &driver.Request{
		Kind:    KindName,
		Label:   "fetch",
		Config:  config,
		Attempt: 1,
		Policy:  artifact.DefaultPolicy(),
	}
}

func TestGetDecodesJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "GET", r.Method)
		require.Equal(t, "42", r.URL.Query().Get("page"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items": [1, 2]}`))
	}))
	defer srv.Close()

	d := New(Options{})
	oc, err := d.Execute(context.Background(), request(srv.URL, map[string]any{
		"params": map[string]any{"page": 42},
	}))
	require.NoError(t, err)
	require.Equal(t, outcome.StatusOK, oc.Status)
	require.Equal(t, map[string]any{"items": []any{1.0, 2.0}}, oc.Result)
	require.Equal(t, map[string]any{"status": 200}, oc.Block("http"))
}

func TestPostSendsJSONPayload(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "city", body["q"])
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	d := New(Options{})
	oc, err := d.Execute(context.Background(), request(srv.URL, map[string]any{
		"method":  "post",
		"payload": map[string]any{"q": "city"},
	}))
	require.NoError(t, err)
	require.Equal(t, outcome.StatusOK, oc.Status)
	require.Equal(t, map[string]any{"status": 201}, oc.Block("http"))
}

func TestServerErrorsAreRetryable(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := New(Options{})
	oc, err := d.Execute(context.Background(), request(srv.URL, nil))
	require.NoError(t, err)
	require.True(t, oc.Failed())
	require.Equal(t, outcome.KindHTTP, oc.Error.Kind)
	require.True(t, oc.Error.Retryable)
	require.Equal(t, map[string]any{"status": 503}, oc.Block("http"))
	require.Equal(t, int64(1), calls.Load())
}

func TestClientErrorsAreNotRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	d := New(Options{})
	oc, err := d.Execute(context.Background(), request(srv.URL, nil))
	require.NoError(t, err)
	require.True(t, oc.Failed())
	require.False(t, oc.Error.Retryable)
}

func TestTooManyRequestsIsRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := New(Options{})
	oc, err := d.Execute(context.Background(), request(srv.URL, nil))
	require.NoError(t, err)
	require.True(t, oc.Failed())
	require.True(t, oc.Error.Retryable)
}

func TestMissingEndpointFailsWithoutRetry(t *testing.T) {
	t.Parallel()

	d := New(Options{})
	oc, err := d.Execute(context.Background(), &driver.Request{
		Kind:    KindName,
		Config:  map[string]any{},
		Attempt: 1,
		Policy:  artifact.DefaultPolicy(),
	})
	require.NoError(t, err)
	require.True(t, oc.Failed())
	require.False(t, oc.Error.Retryable)
}
