// Package registry holds the process-wide agent registry: one entry per
// discovered agent with its card, lifecycle status, and per-agent context.
// All operations are atomic under one internal mutex and none performs I/O
// while holding it.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/testmesh/conductor/pkg/a2a"
)

// Status is the agent lifecycle state.
type Status string

const (
	StatusAvailable Status = "AVAILABLE"
	StatusBusy      Status = "BUSY"
	StatusBroken    Status = "BROKEN"
)

// BrokenReason qualifies a BROKEN status.
type BrokenReason string

const (
	// ReasonOffline means the last RPC attempt failed at the transport level.
	ReasonOffline BrokenReason = "OFFLINE"

	// ReasonTaskStuck means the agent is reachable but a task it was
	// handling exceeded the execution timeout.
	ReasonTaskStuck BrokenReason = "TASK_STUCK"
)

var (
	// ErrUnknownAgent is returned for operations on an unregistered id.
	ErrUnknownAgent = errors.New("agent not registered")

	// ErrNotAvailable is returned by Reserve when the agent is not AVAILABLE.
	ErrNotAvailable = errors.New("agent not available")
)

// Agent is an owned snapshot of one registry entry.
type Agent struct {
	ID            string        `json:"id"`
	Card          a2a.AgentCard `json:"card"`
	Status        Status        `json:"status"`
	BrokenReason  BrokenReason  `json:"broken_reason,omitempty"`
	StuckTaskID   string        `json:"stuck_task_id,omitempty"`
	CurrentTaskID string        `json:"current_task_id,omitempty"`
	RegisteredAt  time.Time     `json:"registered_at"`
}

// BrokenInfo is the recovery-relevant context of a BROKEN agent.
type BrokenInfo struct {
	Reason      BrokenReason
	StuckTaskID string
}

type entry struct {
	card          a2a.AgentCard
	status        Status
	brokenReason  BrokenReason
	stuckTaskID   string
	currentTaskID string
	registeredAt  time.Time
}

// Registry is the process-global agent registry.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{agents: make(map[string]*entry)}
}

// Register adds an agent as AVAILABLE or, if the id is known, replaces its
// card. Registration never downgrades a non-AVAILABLE status.
func (r *Registry) Register(id string, card a2a.AgentCard) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.agents[id]; ok {
		e.card = card
		return
	}
	r.agents[id] = &entry{
		card:         card,
		status:       StatusAvailable,
		registeredAt: time.Now(),
	}
}

// RegisterIfNewURL adds an agent as AVAILABLE unless some agent already
// advertises the card's URL. Check and insert share one critical section,
// so overlapping discovery scans cannot register a URL twice.
func (r *Registry) RegisterIfNewURL(id string, card a2a.AgentCard) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.agents {
		if e.card.URL == card.URL {
			return false
		}
	}
	r.agents[id] = &entry{
		card:         card,
		status:       StatusAvailable,
		registeredAt: time.Now(),
	}
	return true
}

// UpdateStatus transitions an agent. A BROKEN transition requires a reason
// (with an optional stuck task id); transitioning to AVAILABLE clears the
// broken context and the current task. Setting AVAILABLE on an already
// AVAILABLE agent is an idempotent no-op apart from the context clearing.
func (r *Registry) UpdateStatus(id string, status Status, reason BrokenReason, stuckTaskID string) error {
	if status == StatusBroken && reason == "" {
		return fmt.Errorf("transition to BROKEN without a reason for agent %s", id)
	}
	if status != StatusBroken && (reason != "" || stuckTaskID != "") {
		return fmt.Errorf("broken context given for non-BROKEN transition of agent %s", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}

	e.status = status
	switch status {
	case StatusAvailable:
		e.brokenReason = ""
		e.stuckTaskID = ""
		e.currentTaskID = ""
	case StatusBroken:
		e.brokenReason = reason
		e.stuckTaskID = stuckTaskID
	}
	return nil
}

// MarkAvailable transitions an agent to AVAILABLE, clearing its context.
func (r *Registry) MarkAvailable(id string) error {
	return r.UpdateStatus(id, StatusAvailable, "", "")
}

// MarkBusy transitions an agent to BUSY.
func (r *Registry) MarkBusy(id string) error {
	return r.UpdateStatus(id, StatusBusy, "", "")
}

// MarkBroken transitions an agent to BROKEN with the given reason.
func (r *Registry) MarkBroken(id string, reason BrokenReason, stuckTaskID string) error {
	return r.UpdateStatus(id, StatusBroken, reason, stuckTaskID)
}

// Reserve atomically moves an AVAILABLE agent to BUSY and returns its
// snapshot. This is the re-check-under-lock step of the dispatcher: it
// fails with ErrNotAvailable when a concurrent dispatch won the agent.
func (r *Registry) Reserve(id string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[id]
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	if e.status != StatusAvailable {
		return Agent{}, fmt.Errorf("%w: %s is %s", ErrNotAvailable, id, e.status)
	}
	e.status = StatusBusy
	return snapshot(id, e), nil
}

// SetCurrentTask sets or, with an empty task id, clears the task an agent
// is working on.
func (r *Registry) SetCurrentTask(id, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	e.currentTaskID = taskID
	return nil
}

// Get returns an owned snapshot of one agent.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[id]
	if !ok {
		return Agent{}, false
	}
	return snapshot(id, e), true
}

// GetAll returns snapshots of every agent, oldest registration first.
func (r *Registry) GetAll() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]Agent, 0, len(r.agents))
	for id, e := range r.agents {
		agents = append(agents, snapshot(id, e))
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].RegisteredAt.Equal(agents[j].RegisteredAt) {
			return agents[i].ID < agents[j].ID
		}
		return agents[i].RegisteredAt.Before(agents[j].RegisteredAt)
	})
	return agents
}

// AvailableAgents returns snapshots of all AVAILABLE agents.
func (r *Registry) AvailableAgents() []Agent {
	var available []Agent
	for _, a := range r.GetAll() {
		if a.Status == StatusAvailable {
			available = append(available, a)
		}
	}
	return available
}

// BrokenAgents returns the broken context of every BROKEN agent.
func (r *Registry) BrokenAgents() map[string]BrokenInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	broken := make(map[string]BrokenInfo)
	for id, e := range r.agents {
		if e.status == StatusBroken {
			broken[id] = BrokenInfo{Reason: e.brokenReason, StuckTaskID: e.stuckTaskID}
		}
	}
	return broken
}

// IDByURL finds the agent whose card advertises the given URL.
func (r *Registry) IDByURL(url string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, e := range r.agents {
		if e.card.URL == url {
			return id, true
		}
	}
	return "", false
}

// Remove deletes an agent and all its per-agent state.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, id)
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// StatusCounts returns the number of agents per status.
func (r *Registry) StatusCounts() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[Status]int, 3)
	for _, e := range r.agents {
		counts[e.status]++
	}
	return counts
}

func snapshot(id string, e *entry) Agent {
	card := e.card
	card.Skills = append([]a2a.AgentSkill(nil), e.card.Skills...)
	return Agent{
		ID:            id,
		Card:          card,
		Status:        e.status,
		BrokenReason:  e.brokenReason,
		StuckTaskID:   e.stuckTaskID,
		CurrentTaskID: e.currentTaskID,
		RegisteredAt:  e.registeredAt,
	}
}
