package recovery

import (
	"context"
	"errors"
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
	"github.com/testmesh/conductor/pkg/metrics"
	"github.com/testmesh/conductor/pkg/registry"
)

type fakeProber struct {
	mu          sync.Mutex
	probeErr    error
	cancelTask  *a2a.Task
	cancelErr   error
	probes      int
	cancelCalls []string
}

func (f *fakeProber) Probe(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	return f.probeErr
}

func (f *fakeProber) CancelTask(_ context.Context, _ string, taskID string) (*a2a.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls = append(f.cancelCalls, taskID)
	return f.cancelTask, f.cancelErr
}

func (f *fakeProber) setProbeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeErr = err
}

func (f *fakeProber) probeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

func (f *fakeProber) cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelCalls...)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.RecoveryConfig {
	return config.RecoveryConfig{
		RetryDelay:   10 * time.Millisecond,
		GiveUpAfter:  24 * time.Hour,
		ProbeTimeout: time.Second,
	}
}

type fixture struct {
	reg    *registry.Registry
	queue  *Queue
	prober *fakeProber
	met    *metrics.Metrics
	r      *Recoverer
}

func newFixture(cfg config.RecoveryConfig, prober *fakeProber) *fixture {
	f := &fixture{
		reg:    registry.New(),
		queue:  NewQueue(discard()),
		prober: prober,
		met:    metrics.New(),
	}
	f.r = New(cfg, f.queue, f.reg, prober, f.met, discard())
	return f
}

func (f *fixture) addBroken(id string, reason registry.BrokenReason, stuckTaskID string) {
	f.reg.Register(id, a2a.AgentCard{Name: id, URL: "http://h/" + id})
	if err := f.reg.MarkBroken(id, reason, stuckTaskID); err != nil {
		panic(err)
	}
}

func (f *fixture) agentStatus(id string) registry.Status {
	a, _ := f.reg.Get(id)
	return a.Status
}

func TestRecoverOfflineAgent(t *testing.T) {
	f := newFixture(testConfig(), &fakeProber{})
	f.addBroken("a1", registry.ReasonOffline, "")

	f.r.Start(context.Background())
	defer f.r.Stop()
	f.queue.Enqueue("a1")

	assert.Eventually(t, func() bool {
		return f.agentStatus("a1") == registry.StatusAvailable
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, f.prober.cancelled())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.met.RecoverySuccesses))
}

func TestOfflineAgentRetriedUntilReachable(t *testing.T) {
	prober := &fakeProber{probeErr: errors.New("still down")}
	f := newFixture(testConfig(), prober)
	f.addBroken("a1", registry.ReasonOffline, "")

	f.r.Start(context.Background())
	defer f.r.Stop()
	f.queue.Enqueue("a1")

	// A few failed rounds first.
	assert.Eventually(t, func() bool { return prober.probeCount() >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, registry.StatusBroken, f.agentStatus("a1"))

	prober.setProbeErr(nil)
	assert.Eventually(t, func() bool {
		return f.agentStatus("a1") == registry.StatusAvailable
	}, time.Second, 5*time.Millisecond)
}

func TestRecoverStuckAgentViaCancelAck(t *testing.T) {
	prober := &fakeProber{
		cancelTask: &a2a.Task{ID: "t-9", Status: a2a.TaskStatus{State: a2a.TaskStateCanceled}},
	}
	f := newFixture(testConfig(), prober)
	f.addBroken("a1", registry.ReasonTaskStuck, "t-9")

	f.r.Start(context.Background())
	defer f.r.Stop()
	f.queue.Enqueue("a1")

	assert.Eventually(t, func() bool {
		return f.agentStatus("a1") == registry.StatusAvailable
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"t-9"}, prober.cancelled())
	// The cancel ack alone recovered the agent.
	assert.Zero(t, prober.probeCount())
}

func TestRecoverStuckAgentCancelFailsButReachable(t *testing.T) {
	prober := &fakeProber{cancelErr: errors.New("task not found")}
	f := newFixture(testConfig(), prober)
	f.addBroken("a1", registry.ReasonTaskStuck, "t-9")

	f.r.Start(context.Background())
	defer f.r.Stop()
	f.queue.Enqueue("a1")

	assert.Eventually(t, func() bool {
		return f.agentStatus("a1") == registry.StatusAvailable
	}, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, prober.probeCount(), 1)
}

func TestStuckAgentDowngradedToOffline(t *testing.T) {
	prober := &fakeProber{
		cancelErr: errors.New("no route"),
		probeErr:  errors.New("no route"),
	}
	f := newFixture(testConfig(), prober)
	f.addBroken("a1", registry.ReasonTaskStuck, "t-9")

	f.r.Start(context.Background())
	defer f.r.Stop()
	f.queue.Enqueue("a1")

	assert.Eventually(t, func() bool {
		a, _ := f.reg.Get("a1")
		return a.Status == registry.StatusBroken && a.BrokenReason == registry.ReasonOffline
	}, time.Second, 5*time.Millisecond)

	// Later rounds treat it as OFFLINE: probe only, no more cancels.
	assert.Eventually(t, func() bool { return prober.probeCount() >= 2 }, time.Second, 5*time.Millisecond)
	assert.Len(t, prober.cancelled(), 1)
}

func TestGiveUpAfterWindow(t *testing.T) {
	prober := &fakeProber{}
	f := newFixture(testConfig(), prober)
	f.addBroken("a1", registry.ReasonOffline, "")

	stale := entry{agentID: "a1", enqueuedAt: time.Now().Add(-25 * time.Hour)}
	f.r.process(context.Background(), stale)

	assert.Zero(t, prober.probeCount())
	assert.Equal(t, registry.StatusBroken, f.agentStatus("a1"))
	assert.Zero(t, f.queue.Len())
}

func TestEntryForRecoveredAgentIsDropped(t *testing.T) {
	prober := &fakeProber{}
	f := newFixture(testConfig(), prober)
	f.reg.Register("a1", a2a.AgentCard{Name: "a1", URL: "http://h/a1"})

	f.r.process(context.Background(), entry{agentID: "a1", enqueuedAt: time.Now()})

	assert.Zero(t, prober.probeCount())
	assert.Zero(t, f.queue.Len())
}

func TestEntryForRemovedAgentIsDropped(t *testing.T) {
	prober := &fakeProber{}
	f := newFixture(testConfig(), prober)

	f.r.process(context.Background(), entry{agentID: "ghost", enqueuedAt: time.Now()})

	assert.Zero(t, prober.probeCount())
	assert.Zero(t, f.queue.Len())
}

func TestRequeuePreservesOriginalTimestamp(t *testing.T) {
	prober := &fakeProber{probeErr: errors.New("down")}
	f := newFixture(testConfig(), prober)
	f.addBroken("a1", registry.ReasonOffline, "")

	enqueuedAt := time.Now().Add(-time.Hour)
	f.r.process(context.Background(), entry{agentID: "a1", enqueuedAt: enqueuedAt})

	require.Equal(t, 1, f.queue.Len())
	requeued := <-f.queue.ch
	assert.Equal(t, "a1", requeued.agentID)
	assert.Equal(t, enqueuedAt, requeued.enqueuedAt)
}

func TestStopUnblocksRetrySleep(t *testing.T) {
	cfg := testConfig()
	cfg.RetryDelay = 10 * time.Second
	prober := &fakeProber{probeErr: errors.New("down")}
	f := newFixture(cfg, prober)
	f.addBroken("a1", registry.ReasonOffline, "")

	f.r.Start(context.Background())
	f.queue.Enqueue("a1")
	assert.Eventually(t, func() bool { return prober.probeCount() >= 1 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		f.r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not unblock the retry sleep")
	}
}

func TestQueueDepth(t *testing.T) {
	q := NewQueue(discard())
	assert.Zero(t, q.Len())
	q.Enqueue("a1")
	q.Enqueue("a2")
	assert.Equal(t, 2, q.Len())
}
