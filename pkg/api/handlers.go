package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/testmesh/conductor/pkg/dashboard"
	"github.com/testmesh/conductor/pkg/models"
	"github.com/testmesh/conductor/pkg/registry"
	"github.com/testmesh/conductor/pkg/version"
)

type issueRequest struct {
	IssueKey string `json:"issue_key"`
}

type projectRequest struct {
	ProjectKey string `json:"project_key"`
}

func (s *Server) issueKey(c *gin.Context) (string, bool) {
	var req issueRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.IssueKey == "" {
		s.badInput(c, "issue_key is required")
		return "", false
	}
	return req.IssueKey, true
}

func (s *Server) projectKey(c *gin.Context) (string, bool) {
	var req projectRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ProjectKey == "" {
		s.badInput(c, "project_key is required")
		return "", false
	}
	return req.ProjectKey, true
}

// handleReviewRequirements handles POST /review-requirements.
func (s *Server) handleReviewRequirements(c *gin.Context) {
	key, ok := s.issueKey(c)
	if !ok {
		return
	}
	out, err := s.wf.ReviewRequirements(c.Request.Context(), key)
	if err != nil {
		s.dispatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"issue_key": key, "result": out})
}

// handleGenerateTests handles POST /generate-tests.
func (s *Server) handleGenerateTests(c *gin.Context) {
	key, ok := s.issueKey(c)
	if !ok {
		return
	}
	chain, err := s.wf.GenerateTests(c.Request.Context(), key)
	if err != nil {
		s.dispatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"issue_key": key, "result": chain})
}

// handleReviewTestCases handles POST /review-test-cases.
func (s *Server) handleReviewTestCases(c *gin.Context) {
	key, ok := s.issueKey(c)
	if !ok {
		return
	}
	out, err := s.wf.ReviewTestCases(c.Request.Context(), key)
	if err != nil {
		s.dispatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"issue_key": key, "result": out})
}

// handleExecuteTests handles POST /execute-tests.
func (s *Server) handleExecuteTests(c *gin.Context) {
	key, ok := s.projectKey(c)
	if !ok {
		return
	}
	report, err := s.wf.ExecuteTests(c.Request.Context(), key)
	if err != nil {
		s.dispatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// handleUpdateIndex handles POST /update-index.
func (s *Server) handleUpdateIndex(c *gin.Context) {
	key, ok := s.projectKey(c)
	if !ok {
		return
	}
	out, err := s.wf.UpdateIndex(c.Request.Context(), key)
	if err != nil {
		s.dispatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project_key": key, "result": out})
}

func (s *Server) handleDashboardSummary(c *gin.Context) {
	c.JSON(http.StatusOK, s.dash.Summary())
}

func (s *Server) handleDashboardAgents(c *gin.Context) {
	agents := s.dash.Agents()
	if agents == nil {
		agents = []dashboard.AgentView{}
	}
	c.JSON(http.StatusOK, agents)
}

func (s *Server) handleDashboardTasks(c *gin.Context) {
	tasks := s.dash.RecentTasks(intQuery(c, "limit"))
	if tasks == nil {
		tasks = []models.TaskRecord{}
	}
	c.JSON(http.StatusOK, tasks)
}

func (s *Server) handleDashboardErrors(c *gin.Context) {
	errs := s.dash.RecentErrors(intQuery(c, "limit"))
	if errs == nil {
		errs = []models.ErrorRecord{}
	}
	c.JSON(http.StatusOK, errs)
}

func (s *Server) handleDashboardLogs(c *gin.Context) {
	entries := s.dash.Logs(dashboard.LogQuery{
		Limit:   intQuery(c, "limit"),
		Level:   c.Query("level"),
		TaskID:  c.Query("task_id"),
		AgentID: c.Query("agent_id"),
	})
	if entries == nil {
		entries = []models.LogEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

type healthCheck struct {
	Status string `json:"status"`
}

// handleHealth handles GET /health. Unauthenticated and minimal: no
// external dependencies are probed, only our own loops.
func (s *Server) handleHealth(c *gin.Context) {
	status := "healthy"
	checks := make(map[string]healthCheck, len(s.loops))
	for name, loop := range s.loops {
		if loop == nil {
			continue
		}
		if loop.Running() {
			checks[name] = healthCheck{Status: "healthy"}
		} else {
			checks[name] = healthCheck{Status: "degraded"}
			status = "degraded"
		}
	}

	counts := s.reg.StatusCounts()
	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"version": version.GitCommit,
		"agents": gin.H{
			"available": counts[registry.StatusAvailable],
			"busy":      counts[registry.StatusBusy],
			"broken":    counts[registry.StatusBroken],
		},
		"checks": checks,
	})
}

func intQuery(c *gin.Context, name string) int {
	n, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return 0
	}
	return n
}
