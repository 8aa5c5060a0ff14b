package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/testmesh/conductor/pkg/registry"
)

var (
	// ErrNoAgents is returned when the registry holds no AVAILABLE agent.
	ErrNoAgents = errors.New("no available agents")

	// ErrNoneSuitable is returned when agents exist but none fits the task.
	ErrNoneSuitable = errors.New("no suitable agent")
)

// Router picks agents for tasks. Only AVAILABLE agents are offered to the
// oracle, and oracle answers are validated: an id outside the offered set
// or belonging to an agent that lost AVAILABLE in the meantime is dropped,
// never substituted.
type Router struct {
	reg    *registry.Registry
	oracle Oracle
	log    *slog.Logger
}

// New creates a router on the given registry and oracle.
func New(reg *registry.Registry, oracle Oracle, log *slog.Logger) *Router {
	return &Router{reg: reg, oracle: oracle, log: log.With("component", "router")}
}

// SelectOne returns the id of the most suitable AVAILABLE agent for the
// task. It returns ErrNoAgents when nothing is AVAILABLE and
// ErrNoneSuitable when the oracle declines every candidate.
func (r *Router) SelectOne(ctx context.Context, task string) (string, error) {
	candidates := r.candidates()
	if len(candidates) == 0 {
		return "", ErrNoAgents
	}

	id, err := r.oracle.RankOne(ctx, task, candidates)
	if err != nil {
		return "", fmt.Errorf("rank agents: %w", err)
	}
	if id == "" {
		return "", ErrNoneSuitable
	}
	if !r.validate(candidates, id) {
		r.log.Warn("oracle answered with unknown or unavailable agent", "agent_id", id)
		return "", ErrNoneSuitable
	}
	return id, nil
}

// SelectAll returns the ids of every suitable AVAILABLE agent for the
// task, best first. Invalid oracle answers are dropped; an answer with no
// valid id left is ErrNoneSuitable.
func (r *Router) SelectAll(ctx context.Context, task string) ([]string, error) {
	candidates := r.candidates()
	if len(candidates) == 0 {
		return nil, ErrNoAgents
	}

	ids, err := r.oracle.RankAll(ctx, task, candidates)
	if err != nil {
		return nil, fmt.Errorf("rank agents: %w", err)
	}

	seen := make(map[string]struct{}, len(ids))
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if !r.validate(candidates, id) {
			r.log.Warn("dropping invalid oracle answer", "agent_id", id)
			continue
		}
		valid = append(valid, id)
	}
	if len(valid) == 0 {
		return nil, ErrNoneSuitable
	}
	return valid, nil
}

func (r *Router) candidates() []Candidate {
	agents := r.reg.AvailableAgents()
	candidates := make([]Candidate, 0, len(agents))
	for _, a := range agents {
		c := Candidate{
			ID:          a.ID,
			Name:        a.Card.Name,
			Description: a.Card.Description,
		}
		for _, s := range a.Card.Skills {
			skill := s.Name
			if s.Description != "" {
				skill += ": " + s.Description
			}
			c.Skills = append(c.Skills, skill)
		}
		candidates = append(candidates, c)
	}
	return candidates
}

// validate accepts an id only if it was offered to the oracle and the
// agent still holds AVAILABLE.
func (r *Router) validate(offered []Candidate, id string) bool {
	known := false
	for _, c := range offered {
		if c.ID == id {
			known = true
			break
		}
	}
	if !known {
		return false
	}
	a, ok := r.reg.Get(id)
	return ok && a.Status == registry.StatusAvailable
}
