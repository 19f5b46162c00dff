package client_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/clue/log"

	"github.com/noetl/noetl/api"
	"github.com/noetl/noetl/api/client"
	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/playbook/catalog"
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

const loopPlaybook = `
apiVersion: noetl.io/v2
kind: Playbook
metadata:
  name: remote
  path: examples/remote
workload:
  items: [1, 2, 3]
workflow:
  - step: double
    loop:
      in: '{{ workload.items }}'
      iterator: n
    tool:
      - double:
          kind: transform
          data: '{{ iter.n * 2 }}'
`

// TestRemoteWorkerRunsThroughAPI runs the worker pool against the HTTP
// transport instead of the in-process engine: events flow through
// POST /executions/{id}/events and state through the snapshot endpoint.
func TestRemoteWorkerRunsThroughAPI(t *testing.T) {
	t.Parallel()

	tm := tmpl.New()
	logStore := eventloginmem.New()
	b := businmem.New(0)
	leases := leaseinmem.New()

	reg, err := driver.NewRegistry(driver.Noop{}, driver.Transform{})
	require.NoError(t, err)

	eng, err := control.New(control.Options{Log: logStore, Bus: b, Tmpl: tm, Kinds: reg, Leases: leases})
	require.NoError(t, err)

	srv, err := api.New(api.Options{Engine: eng, Catalog: catalog.New()})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler(log.Context(context.Background())))
	t.Cleanup(ts.Close)

	remote := client.New(ts.URL)

	pipes, err := pipeline.New(pipeline.Options{Tmpl: tm, Policy: policy.New(tm), Drivers: reg, Sink: remote})
	require.NoError(t, err)
	runner, err := worker.New(worker.Options{
		Pipelines: pipes, Tmpl: tm,
		State: remote, Sink: remote, Watcher: remote,
		Leases: leases, Bus: b,
	})
	require.NoError(t, err)
	pool, err := worker.NewPool(worker.PoolOptions{Runner: runner, Bus: b})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = pool.Run(ctx) }()
	t.Cleanup(cancel)

	pb, err := playbook.Parse([]byte(loopPlaybook))
	require.NoError(t, err)
	pb, err = pb.Normalize()
	require.NoError(t, err)

	id, err := eng.Start(context.Background(), pb, nil)
	require.NoError(t, err)

	deadline := time.Now().Add(10 * time.Second)
	for {
		s, err := eng.Describe(id)
		require.NoError(t, err)
		if s.Status != string(control.StatusRunning) {
			require.Equal(t, string(control.StatusCompleted), s.Status)
			require.Equal(t, []any{float64(2), float64(4), float64(6)}, s.Result)
			return
		}
		require.True(t, time.Now().Before(deadline), "execution did not finish")
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSnapshotUnknownExecution(t *testing.T) {
	t.Parallel()

	eng, err := control.New(control.Options{
		Log:  eventloginmem.New(),
		Bus:  businmem.New(0),
		Tmpl: tmpl.New(),
	})
	require.NoError(t, err)
	srv, err := api.New(api.Options{Engine: eng, Catalog: catalog.New()})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler(log.Context(context.Background())))
	t.Cleanup(ts.Close)

	_, err = client.New(ts.URL).Snapshot(context.Background(), "missing")
	require.Error(t, err)
}
