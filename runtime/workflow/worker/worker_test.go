package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/runtime/workflow/bus"
	businmem "github.com/noetl/noetl/runtime/workflow/bus/inmem"
	"github.com/noetl/noetl/runtime/workflow/driver"
	"github.com/noetl/noetl/runtime/workflow/event"
	leaseinmem "github.com/noetl/noetl/runtime/workflow/lease/inmem"
	"github.com/noetl/noetl/runtime/workflow/outcome"
	"github.com/noetl/noetl/runtime/workflow/pipeline"
	"github.com/noetl/noetl/runtime/workflow/policy"
	"github.com/noetl/noetl/runtime/workflow/tmpl"
)

type captureSink struct {
	mu     sync.Mutex
	events []*event.Event
}

func (s *captureSink) Append(_ context.Context, e *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *captureSink) byName(name event.Name) []*event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*event.Event
	for _, e := range s.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

type staticState struct {
	snap *Snapshot
}

func (s *staticState) Snapshot(context.Context, string) (*Snapshot, error) {
	return s.snap, nil
}

// echoDriver succeeds and returns the rendered data field.
type echoDriver struct {
	calls atomic.Int64
	delay time.Duration
	fail  func(config map[string]any) *outcome.Error
}

func (d *echoDriver) Kind() string { return "noop" }

func (d *echoDriver) Execute(ctx context.Context, req *driver.Request) (*outcome.Outcome, error) {
	d.calls.Add(1)
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return outcome.Fail(&outcome.Error{Kind: outcome.KindCancelled}, outcome.Meta{Attempt: req.Attempt}), nil
		}
	}
	if d.fail != nil {
		if e := d.fail(req.Config); e != nil {
			return outcome.Fail(e, outcome.Meta{Attempt: req.Attempt}), nil
		}
	}
	return outcome.OK(req.Config["data"], outcome.Meta{Attempt: req.Attempt}), nil
}

func newWorker(t *testing.T, pb *playbook.Playbook, d driver.Driver) (*StepRunner, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	reg, err := driver.NewRegistry(d)
	require.NoError(t, err)
	te := tmpl.New()
	pipelines, err := pipeline.New(pipeline.Options{
		Tmpl:    te,
		Policy:  policy.New(te),
		Drivers: reg,
		Sink:    sink,
		Sleep:   func(context.Context, time.Duration) error { return nil },
	})
	require.NoError(t, err)
	w, err := New(Options{
		ID:        "worker-test",
		Pipelines: pipelines,
		Tmpl:      te,
		State:     &staticState{snap: &Snapshot{Playbook: pb, Workload: map[string]any{"cities": []any{"paris", "lyon", "nice"}}}},
		Sink:      sink,
		Leases:    leaseinmem.New(),
		LeaseTTL:  time.Minute,
	})
	require.NoError(t, err)
	return w, sink
}

func pb(steps ...*playbook.Step) *playbook.Playbook {
	return &playbook.Playbook{
		APIVersion: playbook.APIVersion,
		Kind:       playbook.Kind,
		Metadata:   playbook.Metadata{Name: "test"},
		Workflow:   steps,
	}
}

func cmd(step string) *bus.StepCommand {
	return &bus.StepCommand{ID: "c1", ExecutionID: "exec-1", Step: step, StepRunID: "sr-1"}
}

func TestRunStepEmitsTerminalEvents(t *testing.T) {
	t.Parallel()

	step := &playbook.Step{Name: "greet", Tool: playbook.TaskList{
		{Label: "task_1", Kind: "noop", Config: map[string]any{"data": "hello"}},
	}}
	w, sink := newWorker(t, pb(step), &echoDriver{})

	require.NoError(t, w.Handle(context.Background(), cmd("greet")))

	require.Len(t, sink.byName(event.StepStarted), 1)
	done := sink.byName(event.StepDone)
	require.Len(t, done, 1)
	require.Equal(t, "hello", done[0].PayloadMap()["result"])
	require.Equal(t, "sr-1", done[0].EntityID)
}

func TestRouterOnlyStepSucceedsWithoutTasks(t *testing.T) {
	t.Parallel()

	step := &playbook.Step{Name: "route", Next: &playbook.Next{Arcs: []*playbook.Arc{{Step: "end"}}}}
	w, sink := newWorker(t, pb(step), &echoDriver{})

	require.NoError(t, w.Handle(context.Background(), cmd("route")))
	require.Len(t, sink.byName(event.StepDone), 1)
	require.Empty(t, sink.byName(event.TaskStarted))
}

func TestLeaseExcludesSecondWorker(t *testing.T) {
	t.Parallel()

	step := &playbook.Step{Name: "greet", Tool: playbook.TaskList{
		{Label: "task_1", Kind: "noop", Config: map[string]any{"data": "hello"}},
	}}
	w, sink := newWorker(t, pb(step), &echoDriver{})

	// Another owner already holds the step-run lease.
	ok, err := w.leases.Acquire(context.Background(), "sr-1", "other-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, w.Handle(context.Background(), cmd("greet")))
	require.Empty(t, sink.events)
}

func TestSequentialLoopPreservesOrder(t *testing.T) {
	t.Parallel()

	step := &playbook.Step{
		Name: "per_city",
		Loop: &playbook.Loop{In: "{{ workload.cities }}", Iterator: "city"},
		Tool: playbook.TaskList{
			{Label: "task_1", Kind: "noop", Config: map[string]any{"data": "{{ iter.city }}"}},
		},
	}
	w, sink := newWorker(t, pb(step), &echoDriver{})

	require.NoError(t, w.Handle(context.Background(), cmd("per_city")))

	started := sink.byName(event.LoopStarted)
	require.Len(t, started, 1)
	require.Equal(t, 3.0, started[0].PayloadMap()["count"])

	iterations := sink.byName(event.LoopIterationDone)
	require.Len(t, iterations, 3)
	for i, e := range iterations {
		require.Equal(t, i, *e.Iteration)
	}

	done := sink.byName(event.StepDone)
	require.Len(t, done, 1)
	require.Equal(t, []any{"paris", "lyon", "nice"}, done[0].PayloadMap()["result"])

	loopDone := sink.byName(event.LoopDone)
	require.Len(t, loopDone, 1)
	require.Equal(t, 3.0, loopDone[0].PayloadMap()["success"])
}

func TestSequentialLoopFailFastStops(t *testing.T) {
	t.Parallel()

	d := &echoDriver{fail: func(config map[string]any) *outcome.Error {
		if config["data"] == "lyon" {
			return &outcome.Error{Kind: "tool", Message: "boom"}
		}
		return nil
	}}
	step := &playbook.Step{
		Name: "per_city",
		Loop: &playbook.Loop{In: "{{ workload.cities }}", Iterator: "city"},
		Tool: playbook.TaskList{
			{Label: "task_1", Kind: "noop", Config: map[string]any{"data": "{{ iter.city }}"}},
		},
	}
	w, sink := newWorker(t, pb(step), d)

	require.NoError(t, w.Handle(context.Background(), cmd("per_city")))

	// Third iteration never runs.
	require.Equal(t, int64(2), d.calls.Load())
	failed := sink.byName(event.StepFailed)
	require.Len(t, failed, 1)

	// The loop summary reports only iterations that actually completed, not
	// the ones the fail-fast stop skipped.
	loopDone := sink.byName(event.LoopDone)
	require.Len(t, loopDone, 1)
	payload := loopDone[0].PayloadMap()
	require.Equal(t, 3.0, payload["count"])
	require.Equal(t, 1.0, payload["success"])
	require.Equal(t, 1.0, payload["failed"])
}

func TestBestEffortLoopRunsAllIterations(t *testing.T) {
	t.Parallel()

	d := &echoDriver{fail: func(config map[string]any) *outcome.Error {
		if config["data"] == "lyon" {
			return &outcome.Error{Kind: "tool", Message: "boom"}
		}
		return nil
	}}
	step := &playbook.Step{
		Name: "per_city",
		Loop: &playbook.Loop{
			In:       "{{ workload.cities }}",
			Iterator: "city",
			Spec: playbook.LoopSpec{
				Policy: playbook.LoopPolicy{OnError: playbook.BestEffort},
			},
		},
		Tool: playbook.TaskList{
			{Label: "task_1", Kind: "noop", Config: map[string]any{"data": "{{ iter.city }}"}},
		},
	}
	w, sink := newWorker(t, pb(step), d)

	require.NoError(t, w.Handle(context.Background(), cmd("per_city")))

	require.Equal(t, int64(3), d.calls.Load())
	require.Len(t, sink.byName(event.StepDone), 1)
	loopDone := sink.byName(event.LoopDone)
	require.Len(t, loopDone, 1)
	require.Equal(t, 1.0, loopDone[0].PayloadMap()["failed"])
}

func TestParallelLoopBoundsConcurrency(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int64
	d := &trackingDriver{inFlight: &inFlight, peak: &peak}
	step := &playbook.Step{
		Name: "per_city",
		Loop: &playbook.Loop{
			In:       "{{ workload.cities }}",
			Iterator: "city",
			Spec: playbook.LoopSpec{
				Mode:        playbook.LoopParallel,
				MaxInFlight: 2,
			},
		},
		Tool: playbook.TaskList{
			{Label: "task_1", Kind: "noop", Config: map[string]any{"data": "{{ iter.city }}"}},
		},
	}
	w, sink := newWorker(t, pb(step), d)

	require.NoError(t, w.Handle(context.Background(), cmd("per_city")))

	require.LessOrEqual(t, peak.Load(), int64(2))
	done := sink.byName(event.StepDone)
	require.Len(t, done, 1)
	// Results keep collection order regardless of completion order.
	require.Equal(t, []any{"paris", "lyon", "nice"}, done[0].PayloadMap()["result"])
}

// trackingDriver records peak concurrency.
type trackingDriver struct {
	inFlight *atomic.Int64
	peak     *atomic.Int64
}

func (d *trackingDriver) Kind() string { return "noop" }

func (d *trackingDriver) Execute(_ context.Context, req *driver.Request) (*outcome.Outcome, error) {
	cur := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	for {
		p := d.peak.Load()
		if cur <= p || d.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	return outcome.OK(req.Config["data"], outcome.Meta{Attempt: req.Attempt}), nil
}

func TestDistributedLoopEnqueuesIterationCommands(t *testing.T) {
	t.Parallel()

	step := &playbook.Step{
		Name: "per_city",
		Loop: &playbook.Loop{
			In:       "{{ workload.cities }}",
			Iterator: "city",
			Spec: playbook.LoopSpec{
				Policy: playbook.LoopPolicy{Exec: playbook.ExecDistributed},
			},
		},
		Tool: playbook.TaskList{
			{Label: "task_1", Kind: "noop", Config: map[string]any{"data": "{{ iter.city }}"}},
		},
	}

	sink := &captureSink{}
	reg, err := driver.NewRegistry(&echoDriver{})
	require.NoError(t, err)
	te := tmpl.New()
	pipelines, err := pipeline.New(pipeline.Options{
		Tmpl: te, Policy: policy.New(te), Drivers: reg, Sink: sink,
		Sleep: func(context.Context, time.Duration) error { return nil },
	})
	require.NoError(t, err)

	b := businmem.New(0)
	watcher := &sinkWatcher{sink: sink}
	state := &staticState{snap: &Snapshot{Playbook: pb(step), Workload: map[string]any{"cities": []any{"paris", "lyon", "nice"}}}}

	coordinator, err := New(Options{
		ID: "coordinator", Pipelines: pipelines, Tmpl: te, State: state,
		Sink: sink, Leases: leaseinmem.New(), Bus: b, Watcher: watcher,
		LeaseTTL: time.Minute,
	})
	require.NoError(t, err)
	runner, err := New(Options{
		ID: "iteration-worker", Pipelines: pipelines, Tmpl: te, State: state,
		Sink: sink, Leases: leaseinmem.New(), LeaseTTL: time.Minute,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// A second worker drains the iteration commands the coordinator
	// enqueues.
	deliveries, stop, err := b.Subscribe(ctx, bus.DefaultQueue, "workers")
	require.NoError(t, err)
	defer stop()
	go func() {
		for d := range deliveries {
			_ = runner.Handle(ctx, d.Command)
			_ = d.Ack(ctx)
		}
	}()

	require.NoError(t, coordinator.Handle(ctx, cmd("per_city")))

	done := sink.byName(event.StepDone)
	require.Len(t, done, 1)
	require.ElementsMatch(t, []any{"paris", "lyon", "nice"}, done[0].PayloadMap()["result"])
}

// sinkWatcher reads terminal iteration events straight from the capture
// sink, standing in for the control plane's event log view.
type sinkWatcher struct {
	sink *captureSink
}

func (w *sinkWatcher) Terminal(_ context.Context, _, stepRunID string) (map[int]*event.Event, error) {
	w.sink.mu.Lock()
	defer w.sink.mu.Unlock()
	out := make(map[int]*event.Event)
	for _, e := range w.sink.events {
		if e.Name != event.LoopIterationDone && e.Name != event.LoopIterationFail {
			continue
		}
		if e.Iteration == nil {
			continue
		}
		out[*e.Iteration] = e
	}
	return out, nil
}

func TestStepTimeoutFailsWithTimeoutKind(t *testing.T) {
	t.Parallel()

	step := &playbook.Step{
		Name: "slow",
		Spec: &playbook.StepSpec{Timeout: playbook.Duration(30 * time.Millisecond)},
		Tool: playbook.TaskList{
			{Label: "task_1", Kind: "noop", Config: map[string]any{"data": "x"}},
		},
	}
	w, sink := newWorker(t, pb(step), &echoDriver{delay: time.Second})

	require.NoError(t, w.Handle(context.Background(), cmd("slow")))

	failed := sink.byName(event.StepFailed)
	require.Len(t, failed, 1)
	errMap, _ := failed[0].PayloadMap()["error"].(map[string]any)
	require.Contains(t, []any{outcome.KindTimeout, outcome.KindCancelled}, errMap["kind"])
}
