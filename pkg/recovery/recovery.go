package recovery

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/testmesh/conductor/pkg/a2a"
	"github.com/testmesh/conductor/pkg/config"
	"github.com/testmesh/conductor/pkg/metrics"
	"github.com/testmesh/conductor/pkg/registry"
)

// Prober is the agent client surface the recoverer needs.
type Prober interface {
	Probe(ctx context.Context, baseURL string) error
	CancelTask(ctx context.Context, agentURL, taskID string) (*a2a.Task, error)
}

// Recoverer drains the recovery queue. It never surfaces errors; failed
// attempts are re-enqueued until the give-up window expires.
type Recoverer struct {
	cfg     config.RecoveryConfig
	queue   *Queue
	reg     *registry.Registry
	client  Prober
	metrics *metrics.Metrics
	log     *slog.Logger

	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
}

// New creates a recoverer draining the given queue.
func New(cfg config.RecoveryConfig, queue *Queue, reg *registry.Registry, client Prober, met *metrics.Metrics, log *slog.Logger) *Recoverer {
	return &Recoverer{
		cfg:     cfg,
		queue:   queue,
		reg:     reg,
		client:  client,
		metrics: met,
		log:     log.With("component", "recovery"),
	}
}

// Start launches the drain loop in the background.
func (r *Recoverer) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.running.Store(true)
	go r.run(ctx)
	r.log.Info("recovery loop started", "retry_delay", r.cfg.RetryDelay, "give_up_after", r.cfg.GiveUpAfter)
}

// Stop cancels the loop and waits for it to exit.
func (r *Recoverer) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.running.Store(false)
	r.log.Info("recovery loop stopped")
}

// Running reports whether the drain loop is active.
func (r *Recoverer) Running() bool {
	return r.running.Load()
}

func (r *Recoverer) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-r.queue.ch:
			r.process(ctx, e)
		}
	}
}

// process handles one queue entry: give up past the window, recover by
// reason, or sleep the retry delay and re-enqueue with the original
// timestamp.
func (r *Recoverer) process(ctx context.Context, e entry) {
	log := r.log.With("agent_id", e.agentID)

	if time.Since(e.enqueuedAt) > r.cfg.GiveUpAfter {
		log.Warn("giving up on agent recovery", "enqueued_at", e.enqueuedAt)
		return
	}

	info, broken := r.reg.BrokenAgents()[e.agentID]
	if !broken {
		log.Debug("agent no longer BROKEN, dropping recovery entry")
		return
	}
	agent, ok := r.reg.Get(e.agentID)
	if !ok {
		log.Debug("agent removed, dropping recovery entry")
		return
	}

	r.metrics.RecoveryAttempts.Inc()
	if r.attempt(ctx, agent, info, log) {
		r.metrics.RecoverySuccesses.Inc()
		log.Info("agent recovered", "reason", info.Reason)
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(r.cfg.RetryDelay):
	}
	r.queue.push(e)
}

// attempt tries one recovery pass and reports whether the agent is
// AVAILABLE again.
func (r *Recoverer) attempt(ctx context.Context, agent registry.Agent, info registry.BrokenInfo, log *slog.Logger) bool {
	if info.Reason == registry.ReasonTaskStuck && info.StuckTaskID != "" {
		cancelCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
		task, err := r.client.CancelTask(cancelCtx, agent.Card.URL, info.StuckTaskID)
		cancel()
		if err == nil && task.Status.State == a2a.TaskStateCanceled {
			log.Info("stuck task cancelled", "stuck_task_id", info.StuckTaskID)
			return r.markAvailable(agent.ID, log)
		}
		if err != nil {
			log.Warn("cancel of stuck task failed", "stuck_task_id", info.StuckTaskID, "error", err)
		}
		// A reachable agent is recoverable even when the cancel failed.
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	err := r.client.Probe(probeCtx, agent.Card.URL)
	cancel()
	if err != nil {
		log.Warn("agent unreachable during recovery", "error", err)
		if info.Reason == registry.ReasonTaskStuck {
			// The stuck agent went dark; track it as OFFLINE from now on.
			if derr := r.reg.MarkBroken(agent.ID, registry.ReasonOffline, ""); derr != nil {
				log.Warn("failed to downgrade broken reason", "error", derr)
			}
		}
		return false
	}
	return r.markAvailable(agent.ID, log)
}

func (r *Recoverer) markAvailable(agentID string, log *slog.Logger) bool {
	if err := r.reg.MarkAvailable(agentID); err != nil {
		log.Warn("failed to mark agent available", "error", err)
		return false
	}
	return true
}
