// Package dispatch drives single-task execution: reserve an agent, stream
// the task to it, consume events until a terminal state or a deadline, and
// release or demote the agent accordingly. One dispatch is the atomic unit
// of work everything else composes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/testmesh/conductor/pkg/a2a"
	"github.com/testmesh/conductor/pkg/config"
	"github.com/testmesh/conductor/pkg/history"
	"github.com/testmesh/conductor/pkg/metrics"
	"github.com/testmesh/conductor/pkg/models"
	"github.com/testmesh/conductor/pkg/registry"
	"github.com/testmesh/conductor/pkg/router"
)

// Selector picks the best agent id for a task description.
type Selector interface {
	SelectOne(ctx context.Context, task string) (string, error)
}

// Streamer opens a streaming message call against an agent.
type Streamer interface {
	StreamMessage(ctx context.Context, agentURL string, msg a2a.Message) (<-chan a2a.StreamEvent, error)
}

// Recoverer accepts agents that were demoted to BROKEN.
type Recoverer interface {
	Enqueue(agentID string)
}

// Result is a successful dispatch: the terminal remote task snapshot and
// the finalised task record. The remote state may still be failed or
// rejected; callers decide what that means for their workflow.
type Result struct {
	Task   *a2a.Task
	Record models.TaskRecord
}

// Dispatcher owns the per-task lifecycle. Safe for concurrent use; the
// selection lock serialises [snapshot, rank, reserve] so concurrent
// dispatches never double-book an agent. The lock is held across the
// oracle call on purpose and released across every back-off sleep.
type Dispatcher struct {
	cfg      config.DispatchConfig
	reg      *registry.Registry
	selector Selector
	client   Streamer
	tasks    *history.TaskHistory
	errs     *history.ErrorHistory
	recovery Recoverer
	metrics  *metrics.Metrics
	log      *slog.Logger

	selectMu sync.Mutex
}

// New creates a dispatcher.
func New(
	cfg config.DispatchConfig,
	reg *registry.Registry,
	selector Selector,
	client Streamer,
	tasks *history.TaskHistory,
	errs *history.ErrorHistory,
	recovery Recoverer,
	met *metrics.Metrics,
	log *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		reg:      reg,
		selector: selector,
		client:   client,
		tasks:    tasks,
		errs:     errs,
		recovery: recovery,
		metrics:  met,
		log:      log.With("component", "dispatcher"),
	}
}

// Dispatch routes the description to the most suitable agent and executes
// it there. Files are attached to the outgoing message as file parts.
func (d *Dispatcher) Dispatch(ctx context.Context, description string, files ...a2a.FileWithBytes) (*Result, error) {
	agent, err := d.reserve(ctx, description)
	if err != nil {
		return nil, err
	}
	return d.execute(ctx, agent, description, files)
}

// DispatchTo executes the description on one specific agent, waiting for
// it to become AVAILABLE within the execution timeout.
func (d *Dispatcher) DispatchTo(ctx context.Context, agentID, description string, files ...a2a.FileWithBytes) (*Result, error) {
	agent, err := d.reserveAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return d.execute(ctx, agent, description, files)
}

// reserve runs the wait-and-reserve loop: snapshot AVAILABLE agents, ask
// the router, and flip the winner to BUSY in one registry critical
// section. Losing a reservation race retries with back-off, bounded by
// the execution timeout.
func (d *Dispatcher) reserve(ctx context.Context, description string) (registry.Agent, error) {
	deadline := time.Now().Add(d.cfg.ExecutionTimeout)
	bo := d.newBackOff()

	for {
		agent, done, err := d.tryReserve(ctx, description)
		if done {
			return agent, err
		}
		if derr := d.sleepBackOff(ctx, bo, deadline); derr != nil {
			d.recordError(derr)
			return registry.Agent{}, derr
		}
	}
}

// tryReserve is one pass of the wait-and-reserve loop under the selection
// lock. done=false means back off and retry.
func (d *Dispatcher) tryReserve(ctx context.Context, description string) (registry.Agent, bool, error) {
	d.selectMu.Lock()
	defer d.selectMu.Unlock()

	if d.reg.Count() == 0 {
		derr := &Error{Kind: KindNoAgents, Message: "no agents registered"}
		d.recordError(derr)
		return registry.Agent{}, true, derr
	}
	if len(d.reg.AvailableAgents()) == 0 {
		return registry.Agent{}, false, nil
	}

	id, err := d.selector.SelectOne(ctx, description)
	switch {
	case err == nil:
	case errors.Is(err, router.ErrNoneSuitable):
		derr := &Error{Kind: KindNoneSuitable, Message: "no suitable agent for task", Err: err}
		d.recordError(derr)
		return registry.Agent{}, true, derr
	case errors.Is(err, router.ErrNoAgents):
		// The AVAILABLE set drained between snapshot and selection.
		return registry.Agent{}, false, nil
	default:
		derr := &Error{Kind: KindAdapterFailure, Message: "agent selection failed", Err: err}
		d.recordError(derr)
		return registry.Agent{}, true, derr
	}

	agent, rerr := d.reg.Reserve(id)
	if rerr != nil {
		// A concurrent dispatch won this agent after selection; retry.
		d.log.Debug("reservation lost, retrying", "agent_id", id, "error", rerr)
		return registry.Agent{}, false, nil
	}
	return agent, true, nil
}

// reserveAgent waits for one specific agent to become AVAILABLE and
// reserves it. A BROKEN agent fails fast instead of waiting out the
// deadline.
func (d *Dispatcher) reserveAgent(ctx context.Context, agentID string) (registry.Agent, error) {
	deadline := time.Now().Add(d.cfg.ExecutionTimeout)
	bo := d.newBackOff()

	for {
		agent, err := d.reg.Reserve(agentID)
		if err == nil {
			return agent, nil
		}
		if errors.Is(err, registry.ErrUnknownAgent) {
			derr := &Error{Kind: KindNoAgents, AgentID: agentID, Message: "agent not registered", Err: err}
			d.recordError(derr)
			return registry.Agent{}, derr
		}
		if a, ok := d.reg.Get(agentID); ok && a.Status == registry.StatusBroken {
			derr := &Error{Kind: KindReservationTimeout, AgentID: agentID,
				Message: fmt.Sprintf("agent %s is BROKEN(%s)", agentID, a.BrokenReason)}
			d.recordError(derr)
			return registry.Agent{}, derr
		}
		if derr := d.sleepBackOff(ctx, bo, deadline); derr != nil {
			derr.AgentID = agentID
			d.recordError(derr)
			return registry.Agent{}, derr
		}
	}
}

func (d *Dispatcher) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.ReserveInitialBackoff
	bo.Multiplier = d.cfg.ReserveBackoffFactor
	bo.MaxInterval = d.cfg.ReserveMaxBackoff
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// sleepBackOff sleeps the next back-off interval, clipped to the deadline.
// The selection lock is never held across this sleep.
func (d *Dispatcher) sleepBackOff(ctx context.Context, bo *backoff.ExponentialBackOff, deadline time.Time) *Error {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return &Error{Kind: KindReservationTimeout,
			Message: fmt.Sprintf("no agent became available within %s", d.cfg.ExecutionTimeout)}
	}
	wait := bo.NextBackOff()
	if wait > remaining {
		wait = remaining
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return &Error{Kind: KindReservationTimeout, Message: "cancelled while waiting for an agent", Err: ctx.Err()}
	}
}

// execute drives one reserved agent through the task: record RUNNING,
// stream, consume events, finalise. The agent arrives BUSY and leaves
// AVAILABLE or BROKEN.
func (d *Dispatcher) execute(ctx context.Context, agent registry.Agent, description string, files []a2a.FileWithBytes) (*Result, error) {
	rec := models.TaskRecord{
		TaskID:      uuid.New().String(),
		AgentID:     agent.ID,
		AgentName:   agent.Card.Name,
		Description: description,
		Status:      models.TaskStatusRunning,
		StartTime:   time.Now(),
	}
	d.tasks.Add(rec)
	if err := d.reg.SetCurrentTask(agent.ID, rec.TaskID); err != nil {
		d.log.Warn("reserved agent vanished", "agent_id", agent.ID, "error", err)
	}
	defer func() {
		d.metrics.DispatchDuration.Observe(time.Since(rec.StartTime).Seconds())
	}()

	log := d.log.With("task_id", rec.TaskID, "agent_id", agent.ID)
	log.Info("dispatching task", "agent", agent.Card.Name, "description", snippet(description))

	// One wall-clock budget covers the whole stream: a stalled event and
	// the total elapsed time expire together.
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ExecutionTimeout)
	defer cancel()

	events, err := d.client.StreamMessage(ctx, agent.Card.URL, a2a.NewUserMessage(description, files...))
	if err != nil {
		return nil, d.failCrashed(agent, rec, err, log)
	}

	var remote *a2a.Task
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil, d.failProtocol(agent, rec,
					errors.New("stream ended before a terminal task state"), log)
			}
			switch {
			case ev.Transport != nil:
				return nil, d.failCrashed(agent, rec, ev.Transport, log)
			case ev.Err != nil:
				return nil, d.failProtocol(agent, rec, ev.Err, log)
			case ev.Message != nil:
				log.Info("agent progress", "message", snippet(ev.Message.Text()))
			case ev.Task != nil:
				remote = ev.Task
				if remote.Status.State.Terminal() {
					return d.finish(agent, rec, remote, log)
				}
				log.Debug("task state changed", "state", remote.Status.State)
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, d.failTimeout(agent, rec, remote, log)
			}
			return nil, d.failCancelled(agent, rec, ctx.Err(), log)
		}
	}
}

// finish finalises a dispatch whose remote task reached a terminal state.
// The record is finalised before the agent is released so a subsequent
// reservation never observes a stale RUNNING record.
func (d *Dispatcher) finish(agent registry.Agent, rec models.TaskRecord, remote *a2a.Task, log *slog.Logger) (*Result, error) {
	rec.Status = models.TaskStatusCompleted
	if remote.Status.State != a2a.TaskStateCompleted {
		rec.Status = models.TaskStatusFailed
		rec.ErrorMessage = fmt.Sprintf("agent reported terminal state %q", remote.Status.State)
		if remote.Status.Message != nil {
			if text := remote.Status.Message.Text(); text != "" {
				rec.ErrorMessage += ": " + snippet(text)
			}
		}
	}
	if logs, ok := a2a.ExtractAgentLogs(remote.Artifacts); ok {
		rec.AgentLogs = logs
	}
	end := time.Now()
	rec.EndTime = &end

	d.tasks.Update(rec.TaskID, func(r *models.TaskRecord) { *r = rec })
	if err := d.reg.MarkAvailable(agent.ID); err != nil {
		log.Warn("failed to release agent", "error", err)
	}

	if rec.Status == models.TaskStatusCompleted {
		d.metrics.DispatchesTotal.WithLabelValues(metrics.OutcomeCompleted).Inc()
		log.Info("task completed", "artifacts", len(remote.Artifacts))
	} else {
		d.metrics.DispatchesTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		log.Warn("task failed on agent", "state", remote.Status.State, "error", rec.ErrorMessage)
	}
	return &Result{Task: remote, Record: rec}, nil
}

// failTimeout handles the deadline path: the agent holds a stuck task, so
// it is demoted to BROKEN(TASK_STUCK) and queued for recovery.
func (d *Dispatcher) failTimeout(agent registry.Agent, rec models.TaskRecord, remote *a2a.Task, log *slog.Logger) error {
	stuckID := ""
	if remote != nil {
		stuckID = remote.ID
	}
	msg := fmt.Sprintf("task execution timed out after %s", d.cfg.ExecutionTimeout)

	d.finaliseFailed(rec.TaskID, msg)
	if err := d.reg.MarkBroken(agent.ID, registry.ReasonTaskStuck, stuckID); err != nil {
		log.Warn("failed to mark agent broken", "error", err)
	}
	d.recovery.Enqueue(agent.ID)
	d.metrics.DispatchesTotal.WithLabelValues(metrics.OutcomeTimedOut).Inc()
	log.Error("task timed out", "stuck_task_id", stuckID)

	derr := &Error{Kind: KindTimedOut, AgentID: agent.ID, TaskID: rec.TaskID, Message: msg}
	d.recordError(derr)
	return derr
}

// failCrashed handles transport failures: the agent is unreachable, so it
// is demoted to BROKEN(OFFLINE) and queued for recovery.
func (d *Dispatcher) failCrashed(agent registry.Agent, rec models.TaskRecord, cause error, log *slog.Logger) error {
	msg := "agent transport failed"

	d.finaliseFailed(rec.TaskID, fmt.Sprintf("%s: %v", msg, cause))
	if err := d.reg.MarkBroken(agent.ID, registry.ReasonOffline, ""); err != nil {
		log.Warn("failed to mark agent broken", "error", err)
	}
	d.recovery.Enqueue(agent.ID)
	d.metrics.DispatchesTotal.WithLabelValues(metrics.OutcomeCrashed).Inc()
	log.Error("agent crashed mid-dispatch", "error", cause)

	derr := &Error{Kind: KindAgentCrashed, AgentID: agent.ID, TaskID: rec.TaskID, Message: msg, Err: cause}
	d.recordError(derr)
	return derr
}

// failProtocol handles task-level failures (error envelope, stream end
// before terminal): the agent answered coherently at the transport level,
// so it stays AVAILABLE.
func (d *Dispatcher) failProtocol(agent registry.Agent, rec models.TaskRecord, cause error, log *slog.Logger) error {
	msg := "agent broke the task protocol"

	d.finaliseFailed(rec.TaskID, fmt.Sprintf("%s: %v", msg, cause))
	if err := d.reg.MarkAvailable(agent.ID); err != nil {
		log.Warn("failed to release agent", "error", err)
	}
	d.metrics.DispatchesTotal.WithLabelValues(metrics.OutcomeProtocolErr).Inc()
	log.Error("protocol error", "error", cause)

	derr := &Error{Kind: KindProtocolError, AgentID: agent.ID, TaskID: rec.TaskID, Message: msg, Err: cause}
	d.recordError(derr)
	return derr
}

// failCancelled handles parent-context cancellation (shutdown): no verdict
// on the agent, so it is released and the task recorded as CANCELLED.
func (d *Dispatcher) failCancelled(agent registry.Agent, rec models.TaskRecord, cause error, log *slog.Logger) error {
	end := time.Now()
	d.tasks.Update(rec.TaskID, func(r *models.TaskRecord) {
		r.Status = models.TaskStatusCancelled
		r.EndTime = &end
		r.ErrorMessage = "dispatch cancelled"
	})
	if err := d.reg.MarkAvailable(agent.ID); err != nil {
		log.Warn("failed to release agent", "error", err)
	}
	d.metrics.DispatchesTotal.WithLabelValues(metrics.OutcomeCancelled).Inc()
	log.Warn("dispatch cancelled", "error", cause)
	return fmt.Errorf("dispatch cancelled: %w", cause)
}

func (d *Dispatcher) finaliseFailed(taskID, errMsg string) {
	end := time.Now()
	d.tasks.Update(taskID, func(r *models.TaskRecord) {
		r.Status = models.TaskStatusFailed
		r.EndTime = &end
		r.ErrorMessage = errMsg
	})
}

func (d *Dispatcher) recordError(derr *Error) {
	cause := ""
	if derr.Err != nil {
		cause = fmt.Sprintf("%+v", derr.Err)
	}
	d.errs.Record(derr.Error(), derr.TaskID, derr.AgentID, "dispatcher", cause)
}

func snippet(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
