package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testmesh/conductor/pkg/a2a"
	"github.com/testmesh/conductor/pkg/config"
	"github.com/testmesh/conductor/pkg/dispatch"
	"github.com/testmesh/conductor/pkg/metrics"
	"github.com/testmesh/conductor/pkg/models"
	"github.com/testmesh/conductor/pkg/registry"
)

type dispatchCall struct {
	agentID string
	desc    string
}

type fakeRunner struct {
	mu       sync.Mutex
	failFor  map[string]bool
	delayFor map[string]time.Duration
	remote   models.TaskStatus
	calls    []dispatchCall
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		failFor:  make(map[string]bool),
		delayFor: make(map[string]time.Duration),
		remote:   models.TaskStatusCompleted,
	}
}

func (f *fakeRunner) DispatchTo(ctx context.Context, agentID, description string, _ ...a2a.FileWithBytes) (*dispatch.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, dispatchCall{agentID: agentID, desc: description})
	fail := f.failFor[agentID]
	delay := f.delayFor[agentID]
	remote := f.remote
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if fail {
		return nil, &dispatch.Error{Kind: dispatch.KindAgentCrashed, AgentID: agentID, Message: "boom"}
	}

	state := a2a.TaskStateCompleted
	if remote != models.TaskStatusCompleted {
		state = a2a.TaskStateFailed
	}
	return &dispatch.Result{
		Task:   &a2a.Task{ID: "remote-" + description, Status: a2a.TaskStatus{State: state}},
		Record: models.TaskRecord{TaskID: description, AgentID: agentID, Status: remote, Description: description},
	}, nil
}

func (f *fakeRunner) callCount(agentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.agentID == agentID {
			n++
		}
	}
	return n
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	reg    *registry.Registry
	runner *fakeRunner
	met    *metrics.Metrics
	s      *Scheduler
}

func newFixture() *fixture {
	f := &fixture{
		reg:    registry.New(),
		runner: newFakeRunner(),
		met:    metrics.New(),
	}
	cfg := config.SchedulerConfig{StatusRecheckInterval: 5 * time.Millisecond}
	f.s = New(cfg, f.reg, f.runner, f.met, discard())
	return f
}

func (f *fixture) addAgent(id, name string) registry.Agent {
	f.reg.Register(id, a2a.AgentCard{Name: name, URL: "http://h/" + id})
	a, _ := f.reg.Get(id)
	return a
}

func items(ids ...string) []Item {
	out := make([]Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, Item{ID: id, Description: "run " + id})
	}
	return out
}

func resultIDs(results []ItemResult) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.Item.ID)
	}
	return out
}

func TestAllItemsProcessed(t *testing.T) {
	f := newFixture()
	a1 := f.addAgent("a1", "One")
	a2 := f.addAgent("a2", "Two")
	f.runner.delayFor["a1"] = 2 * time.Millisecond
	f.runner.delayFor["a2"] = 2 * time.Millisecond

	results := f.s.Run(context.Background(), "pytest", []registry.Agent{a1, a2}, items("t1", "t2", "t3", "t4", "t5"))

	require.Len(t, results, 5)
	seen := make(map[string]bool)
	for _, r := range results {
		assert.False(t, r.Failed(), "item %s failed: %s", r.Item.ID, r.Err)
		assert.NotEmpty(t, r.AgentName)
		seen[r.Item.ID] = true
	}
	assert.Len(t, seen, 5)
	assert.Zero(t, testutil.ToFloat64(f.met.SchedulerQueueDepth.WithLabelValues("pytest")))
}

func TestFailedDispatchRequeuedToSurvivingWorker(t *testing.T) {
	f := newFixture()
	ok := f.addAgent("a-ok", "OK Agent")
	bad := f.addAgent("a-bad", "Bad Agent")
	f.runner.failFor["a-bad"] = true
	f.runner.delayFor["a-ok"] = 10 * time.Millisecond

	results := f.s.Run(context.Background(), "pytest", []registry.Agent{ok, bad}, items("t1", "t2", "t3"))

	require.Len(t, results, 3)
	for _, r := range results {
		assert.False(t, r.Failed(), "item %s failed: %s", r.Item.ID, r.Err)
		assert.Equal(t, "a-ok", r.AgentID)
	}
	// The failing worker took at least one item before exiting.
	assert.GreaterOrEqual(t, f.runner.callCount("a-bad"), 1)
}

func TestRequeuedItemGoesToTail(t *testing.T) {
	f := newFixture()
	bad := f.addAgent("a-bad", "Bad Agent")
	late := f.addAgent("a-late", "Late Agent")
	f.runner.failFor["a-bad"] = true
	require.NoError(t, f.reg.MarkBusy("a-late"))
	time.AfterFunc(50*time.Millisecond, func() {
		_ = f.reg.MarkAvailable("a-late")
	})

	// a-bad takes t1 first, fails, requeues it behind t2 and t3.
	results := f.s.Run(context.Background(), "pytest", []registry.Agent{bad, late}, items("t1", "t2", "t3"))

	require.Equal(t, []string{"t2", "t3", "t1"}, resultIDs(results))
	for _, r := range results {
		assert.Equal(t, "a-late", r.AgentID)
		assert.False(t, r.Failed())
	}
}

func TestLastWorkerSynthesisesErrorResult(t *testing.T) {
	f := newFixture()
	solo := f.addAgent("a1", "Solo")
	f.runner.failFor["a1"] = true

	results := f.s.Run(context.Background(), "pytest", []registry.Agent{solo}, items("t1", "t2"))

	require.Len(t, results, 2)
	byID := make(map[string]ItemResult)
	for _, r := range results {
		byID[r.Item.ID] = r
	}

	first := byID["t1"]
	assert.True(t, first.Failed())
	assert.Equal(t, "Solo", first.AgentName)
	assert.Contains(t, first.Err, "boom")

	// The item nobody reached is abandoned with the last error attached.
	second := byID["t2"]
	assert.True(t, second.Failed())
	assert.Contains(t, second.Err, "no agents left")
	assert.Contains(t, second.Err, "boom")
}

func TestBrokenAgentWorkerExitsImmediately(t *testing.T) {
	f := newFixture()
	a := f.addAgent("a1", "Broken")
	require.NoError(t, f.reg.MarkBroken("a1", registry.ReasonOffline, ""))

	results := f.s.Run(context.Background(), "pytest", []registry.Agent{a}, items("t1", "t2"))

	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Failed())
		assert.Contains(t, r.Err, "no agents left")
	}
	assert.Zero(t, f.runner.callCount("a1"))
}

func TestBusyAgentWaitsThenProcesses(t *testing.T) {
	f := newFixture()
	a := f.addAgent("a1", "Slowpoke")
	require.NoError(t, f.reg.MarkBusy("a1"))
	time.AfterFunc(30*time.Millisecond, func() {
		_ = f.reg.MarkAvailable("a1")
	})

	results := f.s.Run(context.Background(), "pytest", []registry.Agent{a}, items("t1"))

	require.Len(t, results, 1)
	assert.False(t, results[0].Failed())
	assert.Equal(t, "a1", results[0].AgentID)
}

func TestRemoteFailureIsAResultNotARequeue(t *testing.T) {
	f := newFixture()
	a := f.addAgent("a1", "Honest")
	f.runner.remote = models.TaskStatusFailed

	results := f.s.Run(context.Background(), "pytest", []registry.Agent{a}, items("t1", "t2"))

	// A test that ran and failed is a result, not a dispatch failure:
	// the worker keeps going and both items reach the agent.
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Failed())
		assert.Empty(t, r.Err)
		require.NotNil(t, r.Dispatch)
		assert.Equal(t, models.TaskStatusFailed, r.Dispatch.Record.Status)
	}
	assert.Equal(t, 2, f.runner.callCount("a1"))
}

func TestNoAgentsYieldsErrorResults(t *testing.T) {
	f := newFixture()

	results := f.s.Run(context.Background(), "pytest", nil, items("t1", "t2"))

	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Failed())
		assert.Contains(t, r.Err, "no agents left")
	}
}

func TestNoItemsReturnsImmediately(t *testing.T) {
	f := newFixture()
	a := f.addAgent("a1", "Idle")

	assert.Nil(t, f.s.Run(context.Background(), "pytest", []registry.Agent{a}, nil))
	assert.Zero(t, f.runner.callCount("a1"))
}

func TestCancellationStopsWorkers(t *testing.T) {
	f := newFixture()
	a := f.addAgent("a1", "Slow")
	f.runner.delayFor["a1"] = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	start := time.Now()
	results := f.s.Run(ctx, "pytest", []registry.Agent{a}, items("t1", "t2", "t3", "t4"))
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 200*time.Millisecond)
	// Whatever was in flight failed with the context error; the rest was
	// abandoned. Every item still has a result.
	require.Len(t, results, 4)
}
