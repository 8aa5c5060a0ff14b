// Package scheduler drives bulk execution: N items processed by the pool
// of agents selected for one capability label, one worker per agent.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/testmesh/conductor/pkg/a2a"
	"github.com/testmesh/conductor/pkg/config"
	"github.com/testmesh/conductor/pkg/dispatch"
	"github.com/testmesh/conductor/pkg/metrics"
	"github.com/testmesh/conductor/pkg/models"
	"github.com/testmesh/conductor/pkg/registry"
)

// Runner is the dispatcher surface a worker needs: single-item execution
// pinned to the worker's own agent.
type Runner interface {
	DispatchTo(ctx context.Context, agentID, description string, files ...a2a.FileWithBytes) (*dispatch.Result, error)
}

// Item is one unit of bulk work.
type Item struct {
	// ID identifies the item to the caller, e.g. a test case key.
	ID string

	// Description is the task payload sent to the agent.
	Description string
}

// ItemResult is the outcome of one item. Exactly one of Dispatch and Err
// is meaningful: Err is set when no dispatch produced a task for the item.
type ItemResult struct {
	Item      Item
	AgentID   string
	AgentName string
	Dispatch  *dispatch.Result
	Err       string
}

// Failed reports whether the item needs follow-up: the dispatch errored,
// or the agent finished it in a non-completed state.
func (r ItemResult) Failed() bool {
	return r.Err != "" || r.Dispatch == nil || r.Dispatch.Record.Status != models.TaskStatusCompleted
}

// Scheduler runs label pools. Safe for concurrent Run calls; each call
// owns its queue and workers.
type Scheduler struct {
	cfg     config.SchedulerConfig
	reg     *registry.Registry
	runner  Runner
	metrics *metrics.Metrics
	log     *slog.Logger
}

// New creates a scheduler on top of the given dispatcher.
func New(cfg config.SchedulerConfig, reg *registry.Registry, runner Runner, met *metrics.Metrics, log *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		reg:     reg,
		runner:  runner,
		metrics: met,
		log:     log.With("component", "scheduler"),
	}
}

type pool struct {
	label string
	queue chan Item
	gauge prometheus.Gauge

	wg   sync.WaitGroup
	live atomic.Int64

	mu        sync.Mutex
	results   []ItemResult
	lastErr   string
	lastAgent string
}

func (p *pool) addResult(r ItemResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, r)
}

func (p *pool) noteFailure(agentName, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastAgent = agentName
	p.lastErr = msg
}

func (p *pool) lastFailure() (string, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAgent, p.lastErr
}

// Run processes the items with one worker per agent and returns exactly
// one result per item, in completion order. It blocks until the queue is
// drained and every worker has exited.
func (s *Scheduler) Run(ctx context.Context, label string, agents []registry.Agent, items []Item) []ItemResult {
	if len(items) == 0 {
		return nil
	}

	p := &pool{
		label: label,
		queue: make(chan Item, len(items)),
		gauge: s.metrics.SchedulerQueueDepth.WithLabelValues(label),
	}
	for _, it := range items {
		p.queue <- it
	}
	p.gauge.Set(float64(len(items)))
	s.log.Info("pool started", "label", label, "items", len(items), "workers", len(agents))

	p.live.Store(int64(len(agents)))
	for _, agent := range agents {
		p.wg.Add(1)
		go s.worker(ctx, p, agent)
	}
	p.wg.Wait()

	// Workers can exit with items still queued: every agent broke, or a
	// requeue raced the last drain-exit. Those items still get a result.
	for {
		select {
		case item := <-p.queue:
			agentName, lastErr := p.lastFailure()
			msg := "no agents left for label " + label
			if lastErr != "" {
				msg += ": last error: " + lastErr
			}
			p.addResult(ItemResult{Item: item, AgentName: agentName, Err: msg})
			s.log.Error("item abandoned, no surviving workers", "label", label, "item", item.ID)
		default:
			p.gauge.Set(0)
			s.log.Info("pool finished", "label", label, "results", len(p.results))
			return p.results
		}
	}
}

// worker processes items on one agent until the queue drains, the agent
// breaks, or a dispatch fails.
func (s *Scheduler) worker(ctx context.Context, p *pool, agent registry.Agent) {
	defer p.wg.Done()
	defer p.live.Add(-1)
	log := s.log.With("label", p.label, "agent_id", agent.ID, "agent_name", agent.Card.Name)

	for {
		if ctx.Err() != nil {
			return
		}

		a, ok := s.reg.Get(agent.ID)
		if !ok || a.Status == registry.StatusBroken {
			log.Warn("agent broken, worker exiting")
			return
		}
		if a.Status == registry.StatusBusy {
			// Transient: our own dispatch just released, or an endpoint
			// workflow borrowed the agent.
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.StatusRecheckInterval):
			}
			continue
		}

		var item Item
		select {
		case item = <-p.queue:
			p.gauge.Set(float64(len(p.queue)))
		default:
			return
		}

		res, err := s.runner.DispatchTo(ctx, agent.ID, item.Description)
		if err != nil {
			s.handleFailure(p, agent, item, err, log)
			return
		}
		p.addResult(ItemResult{
			Item:      item,
			AgentID:   agent.ID,
			AgentName: agent.Card.Name,
			Dispatch:  res,
		})
		log.Info("item finished", "item", item.ID, "status", res.Record.Status)
	}
}

// handleFailure decides between requeueing the item for the surviving
// workers and synthesising an error result when this worker is the last
// one. Either way the worker exits afterwards.
func (s *Scheduler) handleFailure(p *pool, agent registry.Agent, item Item, err error, log *slog.Logger) {
	p.noteFailure(agent.Card.Name, err.Error())

	if p.live.Load() > 1 {
		// Tail position on purpose: a poisoned item must not hot-loop
		// against the next worker.
		p.queue <- item
		p.gauge.Set(float64(len(p.queue)))
		log.Warn("dispatch failed, item requeued", "item", item.ID, "error", err)
		return
	}

	log.Error("dispatch failed on last worker", "item", item.ID, "error", err)
	p.addResult(ItemResult{
		Item:      item,
		AgentID:   agent.ID,
		AgentName: agent.Card.Name,
		Err:       err.Error(),
	})
}
