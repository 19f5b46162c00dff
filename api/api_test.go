package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/clue/log"

	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/playbook/catalog"
	"github.com/noetl/noetl/runtime/workflow/artifact"
	fsstore "github.com/noetl/noetl/runtime/workflow/artifact/fs"
	businmem "github.com/noetl/noetl/runtime/workflow/bus/inmem"
	"github.com/noetl/noetl/runtime/workflow/control"
	"github.com/noetl/noetl/runtime/workflow/driver"
	eventloginmem "github.com/noetl/noetl/runtime/workflow/eventlog/inmem"
	leaseinmem "github.com/noetl/noetl/runtime/workflow/lease/inmem"
	"github.com/noetl/noetl/runtime/workflow/pipeline"
	"github.com/noetl/noetl/runtime/workflow/policy"
	"github.com/noetl/noetl/runtime/workflow/tmpl"
	"github.com/noetl/noetl/runtime/workflow/worker"
)

const greetPlaybook = `
apiVersion: noetl.io/v2
kind: Playbook
metadata:
  name: greet
  path: examples/greet
  version: "1.0.0"
workload:
  name: world
workflow:
  - step: greet
    tool:
      - greet:
          kind: transform
          data: "hello {{ workload.name }}"
`

func newTestServer(t *testing.T) (*httptest.Server, artifact.Store) {
	t.Helper()

	tm := tmpl.New()
	logStore := eventloginmem.New()
	b := businmem.New(0)
	leases := leaseinmem.New()
	store, err := fsstore.New(t.TempDir())
	require.NoError(t, err)

	reg, err := driver.NewRegistry(driver.Noop{}, driver.Transform{})
	require.NoError(t, err)

	eng, err := control.New(control.Options{Log: logStore, Bus: b, Tmpl: tm, Kinds: reg, Leases: leases})
	require.NoError(t, err)

	pipes, err := pipeline.New(pipeline.Options{Tmpl: tm, Policy: policy.New(tm), Drivers: reg, Sink: eng, Artifacts: store})
	require.NoError(t, err)
	runner, err := worker.New(worker.Options{
		Pipelines: pipes, Tmpl: tm, State: eng, Sink: eng,
		Leases: leases, Bus: b, Watcher: eng,
	})
	require.NoError(t, err)
	pool, err := worker.NewPool(worker.PoolOptions{Runner: runner, Bus: b})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(log.Context(context.Background()))
	go func() { _ = pool.Run(ctx) }()
	t.Cleanup(cancel)

	cat := catalog.New()
	pb, err := playbook.Parse([]byte(greetPlaybook))
	require.NoError(t, err)
	pb, err = pb.Normalize()
	require.NoError(t, err)
	cat.Register(pb)

	srv, err := New(Options{Engine: eng, Catalog: cat, Artifacts: store})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler(ctx))
	t.Cleanup(ts.Close)
	return ts, store
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func awaitStatus(t *testing.T, base, id, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, body := getJSON(t, base+"/executions/"+id)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		if body["status"] == want {
			return body
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s never reached status %s", id, want)
	return nil
}

func TestStartAndObserveExecution(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)

	resp, body := postJSON(t, ts.URL+"/executions", map[string]any{
		"playbook_ref": map[string]any{"path": "examples/greet", "version": "1.0.0"},
		"payload":      map[string]any{"name": "noetl"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := body["execution_id"].(string)
	require.NotEmpty(t, id)

	final := awaitStatus(t, ts.URL, id, "completed")
	require.Equal(t, "hello noetl", final["result"])

	resp, result := getJSON(t, fmt.Sprintf("%s/executions/%s/steps/greet/result", ts.URL, id))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello noetl", result["result"])

	resp, events := getJSON(t, ts.URL+"/executions/"+id+"/events?event_type=step.done")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list, _ := events["events"].([]any)
	require.Len(t, list, 1)

	resp, parts := getJSON(t, fmt.Sprintf("%s/executions/%s/steps/greet/parts", ts.URL, id))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, parts["parts"], 1)
}

func TestStartRejectsUnknownPlaybook(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)

	resp, _ := postJSON(t, ts.URL+"/executions", map[string]any{
		"playbook_ref": map[string]any{"path": "missing"},
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartRequiresPlaybookReference(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)

	resp, _ := postJSON(t, ts.URL+"/executions", map[string]any{"payload": map[string]any{}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownExecutionIs404(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)

	resp, _ := getJSON(t, ts.URL+"/executions/nope")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestArtifactRoundTrip(t *testing.T) {
	t.Parallel()
	ts, store := newTestServer(t)

	payload := strings.Repeat("x", 2048)
	ref, err := store.Put(context.Background(), strings.NewReader(payload), artifact.Metadata{ContentType: "text/plain"})
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/artifacts/" + ref.Key)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, payload, string(got))
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/livez")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCancelEndpoint(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)

	resp, body := postJSON(t, ts.URL+"/executions", map[string]any{
		"playbook_id": "examples/greet",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := body["execution_id"].(string)

	// The run is short; cancel after it completes is a no-op 202 either way.
	resp, _ = postJSON(t, ts.URL+"/executions/"+id+"/cancel", map[string]any{})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}
