// Package discovery scans a host/port grid for A2A agents and keeps the
// registry in sync with what is actually reachable.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/testmesh/conductor/pkg/a2a"
	"github.com/testmesh/conductor/pkg/config"
	"github.com/testmesh/conductor/pkg/metrics"
	"github.com/testmesh/conductor/pkg/registry"
)

// Scanner is the agent client surface discovery needs: a cheap
// reachability probe for known agents and a full card fetch for new ones.
type Scanner interface {
	Probe(ctx context.Context, baseURL string) error
	FetchCard(ctx context.Context, baseURL string) (*a2a.AgentCard, error)
}

// Service owns the agent scan. The initial scan runs synchronously via
// RunOnce before the HTTP server accepts workflow requests; Start only
// schedules the periodic rescans.
type Service struct {
	cfg     config.DiscoveryConfig
	reg     *registry.Registry
	client  Scanner
	metrics *metrics.Metrics
	log     *slog.Logger

	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
}

// New creates a discovery service.
func New(cfg config.DiscoveryConfig, reg *registry.Registry, client Scanner, met *metrics.Metrics, log *slog.Logger) *Service {
	return &Service{
		cfg:     cfg,
		reg:     reg,
		client:  client,
		metrics: met,
		log:     log.With("component", "discovery"),
	}
}

// Start launches the periodic rescan loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running.Store(true)

	go s.run(ctx)

	s.log.Info("discovery started",
		"hosts", s.cfg.Hosts,
		"ports", s.cfg.Ports.String(),
		"interval", s.cfg.Interval)
}

// Stop signals the rescan loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.running.Store(false)
	s.log.Info("discovery stopped")
}

// Running reports whether the rescan loop is active.
func (s *Service) Running() bool {
	return s.running.Load()
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce checks every URL of the host/port grid, one goroutine per URL,
// and returns when all of them have been reconciled. Scan problems are
// logged and swallowed; a scan never fails.
func (s *Service) RunOnce(ctx context.Context) {
	start := time.Now()

	var wg sync.WaitGroup
	for _, host := range s.cfg.Hosts {
		for _, port := range s.cfg.Ports.Ports() {
			url := fmt.Sprintf("%s:%d", host, port)
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.checkURL(ctx, url)
			}()
		}
	}
	wg.Wait()

	counts := s.reg.StatusCounts()
	s.metrics.SetAgentCounts(
		counts[registry.StatusAvailable],
		counts[registry.StatusBusy],
		counts[registry.StatusBroken],
	)
	s.log.Info("discovery scan finished",
		"agents", s.reg.Count(),
		"took", time.Since(start).Round(time.Millisecond))
}

func (s *Service) checkURL(ctx context.Context, url string) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	if id, ok := s.reg.IDByURL(url); ok {
		s.checkRegistered(ctx, id, url)
		return
	}
	s.tryRegister(ctx, url)
}

// checkRegistered probes a known agent. Unreachable agents are removed.
// An agent that went BROKEN(OFFLINE) and answers again comes back as
// AVAILABLE; a stuck agent stays with the recovery loop, which has to
// cancel its task first.
func (s *Service) checkRegistered(ctx context.Context, id, url string) {
	if err := s.client.Probe(ctx, url); err != nil {
		s.reg.Remove(id)
		s.metrics.AgentsRemoved.Inc()
		s.log.Warn("agent unreachable, removed", "agent_id", id, "url", url, "error", err)
		return
	}

	a, ok := s.reg.Get(id)
	if !ok {
		return
	}
	if a.Status == registry.StatusBroken && a.BrokenReason == registry.ReasonOffline {
		if err := s.reg.MarkAvailable(id); err != nil {
			s.log.Warn("failed to revive agent", "agent_id", id, "error", err)
			return
		}
		s.log.Info("offline agent reachable again", "agent_id", id, "url", url)
	}
}

// tryRegister fetches the card of an unknown URL and registers the agent
// under a fresh id. Most grid slots have nothing listening, so fetch
// misses log at DEBUG.
func (s *Service) tryRegister(ctx context.Context, url string) {
	card, err := s.client.FetchCard(ctx, url)
	if err != nil {
		s.log.Debug("no agent card", "url", url, "error", err)
		return
	}

	c := *card
	if c.URL == "" {
		c.URL = url
	}

	id := uuid.NewString()
	if !s.reg.RegisterIfNewURL(id, c) {
		s.log.Debug("url already registered, skipping", "url", c.URL)
		return
	}
	s.metrics.AgentsRegistered.Inc()
	s.log.Info("agent registered", "agent_id", id, "name", c.Name, "url", c.URL)
}
