package router

import (
	"context"
	"log/slog"
)

// ChainOracle tries oracles in order and falls back to the next one when a
// call fails. An empty answer is a verdict, not a failure, and does not
// fall through. Production wires the Anthropic oracle first and the
// keyword oracle last so selection survives model outages.
type ChainOracle struct {
	oracles []Oracle
	log     *slog.Logger
}

// NewChainOracle creates a chain over the given oracles.
func NewChainOracle(log *slog.Logger, oracles ...Oracle) *ChainOracle {
	return &ChainOracle{oracles: oracles, log: log.With("component", "router")}
}

// RankOne delegates to the first oracle that answers without error.
func (c *ChainOracle) RankOne(ctx context.Context, task string, candidates []Candidate) (string, error) {
	var lastErr error
	for i, o := range c.oracles {
		id, err := o.RankOne(ctx, task, candidates)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if i < len(c.oracles)-1 {
			c.log.Warn("oracle failed, falling back", "error", err)
		}
	}
	return "", lastErr
}

// RankAll delegates to the first oracle that answers without error.
func (c *ChainOracle) RankAll(ctx context.Context, task string, candidates []Candidate) ([]string, error) {
	var lastErr error
	for i, o := range c.oracles {
		ids, err := o.RankAll(ctx, task, candidates)
		if err == nil {
			return ids, nil
		}
		lastErr = err
		if i < len(c.oracles)-1 {
			c.log.Warn("oracle failed, falling back", "error", err)
		}
	}
	return nil, lastErr
}
