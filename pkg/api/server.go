// Package api exposes the northbound HTTP surface: the workflow
// endpoints, the dashboard read views, auth, health, and metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/testmesh/conductor/pkg/config"
	"github.com/testmesh/conductor/pkg/dashboard"
	"github.com/testmesh/conductor/pkg/metrics"
	"github.com/testmesh/conductor/pkg/registry"
	"github.com/testmesh/conductor/pkg/workflow"
)

// Workflows is the operation surface behind the workflow endpoints.
type Workflows interface {
	ReviewRequirements(ctx context.Context, issueKey string) (*workflow.Outcome, error)
	ReviewTestCases(ctx context.Context, issueKey string) (*workflow.Outcome, error)
	GenerateTests(ctx context.Context, issueKey string) (*workflow.ChainOutcome, error)
	UpdateIndex(ctx context.Context, projectKey string) (*workflow.Outcome, error)
	ExecuteTests(ctx context.Context, projectKey string) (*workflow.ExecutionReport, error)
}

// Loop reports liveness of a background service for the health endpoint.
type Loop interface {
	Running() bool
}

// Server is the northbound HTTP server.
type Server struct {
	cfg  config.ServerConfig
	auth *authenticator
	wf   Workflows
	dash *dashboard.Service
	reg  *registry.Registry
	met  *metrics.Metrics
	log  *slog.Logger

	// Background loops surfaced by /health, keyed by check name.
	loops map[string]Loop

	engine *gin.Engine
	http   *http.Server
}

// NewServer assembles the router. Loops may be nil entries; only non-nil
// ones appear in the health checks.
func NewServer(
	cfg config.ServerConfig,
	dashCfg config.DashboardConfig,
	wf Workflows,
	dash *dashboard.Service,
	reg *registry.Registry,
	met *metrics.Metrics,
	loops map[string]Loop,
	log *slog.Logger,
) *Server {
	s := &Server{
		cfg:   cfg,
		auth:  newAuthenticator(dashCfg),
		wf:    wf,
		dash:  dash,
		reg:   reg,
		met:   met,
		log:   log.With("component", "api"),
		loops: loops,
	}
	s.engine = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), securityHeaders(), requestLogger(s.log))

	r.GET("/health", s.handleHealth)
	if s.met != nil {
		r.GET("/metrics", gin.WrapH(s.met.Handler()))
	}
	r.POST("/auth/login", s.handleLogin)

	wf := r.Group("/", apiKeyGate(s.cfg.APIKey, s.log))
	wf.POST("/review-requirements", s.handleReviewRequirements)
	wf.POST("/generate-tests", s.handleGenerateTests)
	wf.POST("/review-test-cases", s.handleReviewTestCases)
	wf.POST("/execute-tests", s.handleExecuteTests)
	wf.POST("/update-index", s.handleUpdateIndex)

	db := r.Group("/dashboard", s.auth.gate(s.log))
	db.GET("/summary", s.handleDashboardSummary)
	db.GET("/agents", s.handleDashboardAgents)
	db.GET("/tasks", s.handleDashboardTasks)
	db.GET("/errors", s.handleDashboardErrors)
	db.GET("/logs", s.handleDashboardLogs)

	return r
}

// Handler exposes the assembled router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start binds the listener and serves until Shutdown. A closed-server
// return is not an error.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("http server listening", "addr", s.cfg.Addr())
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// requestLogger logs one line per request with the outcome status.
func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"took", time.Since(start).Round(time.Millisecond))
	}
}
