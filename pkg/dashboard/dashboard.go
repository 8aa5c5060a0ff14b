// Package dashboard assembles the read-side views served under /dashboard:
// summary counters, agent details, task and error lists, and the unified
// log view. Pure reads over the registry, the histories, and the log ring.
package dashboard

import (
	"strings"
	"time"

	"github.com/testmesh/conductor/pkg/a2a"
	"github.com/testmesh/conductor/pkg/history"
	"github.com/testmesh/conductor/pkg/memlog"
	"github.com/testmesh/conductor/pkg/models"
	"github.com/testmesh/conductor/pkg/registry"
)

// Default list sizes when the caller does not cap a view.
const (
	defaultTaskLimit  = 50
	defaultErrorLimit = 20
	defaultLogLimit   = 100
)

// Service aggregates orchestrator state for the dashboard endpoints.
type Service struct {
	reg     *registry.Registry
	tasks   *history.TaskHistory
	errs    *history.ErrorHistory
	logs    *memlog.Buffer
	started time.Time
}

// New creates the dashboard aggregator. Uptime counts from this call.
func New(reg *registry.Registry, tasks *history.TaskHistory, errs *history.ErrorHistory, logs *memlog.Buffer) *Service {
	return &Service{
		reg:     reg,
		tasks:   tasks,
		errs:    errs,
		logs:    logs,
		started: time.Now(),
	}
}

// Summary is the top-level dashboard counter block.
type Summary struct {
	AgentsTotal     int       `json:"agents_total"`
	AgentsAvailable int       `json:"agents_available"`
	AgentsBusy      int       `json:"agents_busy"`
	AgentsBroken    int       `json:"agents_broken"`
	TasksRunning    int       `json:"tasks_running"`
	TasksCompleted  int       `json:"tasks_completed"`
	TasksFailed     int       `json:"tasks_failed"`
	TasksTotal      int       `json:"tasks_total"`
	ErrorsTotal     int       `json:"errors_total"`
	StartTime       time.Time `json:"orchestrator_start_time"`
	UptimeSeconds   int64     `json:"uptime_seconds"`
	CurrentTime     time.Time `json:"current_time"`
}

// Summary computes the counter block from the registry and the histories.
func (s *Service) Summary() Summary {
	agents := s.reg.StatusCounts()
	tasks := s.tasks.CountByStatus()
	now := time.Now()
	return Summary{
		AgentsTotal:     agents[registry.StatusAvailable] + agents[registry.StatusBusy] + agents[registry.StatusBroken],
		AgentsAvailable: agents[registry.StatusAvailable],
		AgentsBusy:      agents[registry.StatusBusy],
		AgentsBroken:    agents[registry.StatusBroken],
		TasksRunning:    tasks[models.TaskStatusRunning],
		TasksCompleted:  tasks[models.TaskStatusCompleted],
		TasksFailed:     tasks[models.TaskStatusFailed],
		TasksTotal:      s.tasks.Len(),
		ErrorsTotal:     s.errs.Len(),
		StartTime:       s.started,
		UptimeSeconds:   int64(now.Sub(s.started).Seconds()),
		CurrentTime:     now,
	}
}

// CurrentTask is the brief of the task an agent is working on.
type CurrentTask struct {
	TaskID      string    `json:"task_id"`
	Description string    `json:"description"`
	StartTime   time.Time `json:"start_time"`
}

// AgentView is one agent row of the dashboard agent list.
type AgentView struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	URL          string                `json:"url"`
	Status       registry.Status       `json:"status"`
	Skills       []a2a.AgentSkill      `json:"skills,omitempty"`
	BrokenReason registry.BrokenReason `json:"broken_reason,omitempty"`
	StuckTaskID  string                `json:"stuck_task_id,omitempty"`
	CurrentTask  *CurrentTask          `json:"current_task,omitempty"`
	RegisteredAt time.Time             `json:"registered_at"`
}

// Agents returns every registered agent with its status context and, for
// BUSY agents, the brief of the task it is working on.
func (s *Service) Agents() []AgentView {
	all := s.reg.GetAll()
	views := make([]AgentView, 0, len(all))
	for _, a := range all {
		v := AgentView{
			ID:           a.ID,
			Name:         a.Card.Name,
			URL:          a.Card.URL,
			Status:       a.Status,
			Skills:       a.Card.Skills,
			BrokenReason: a.BrokenReason,
			StuckTaskID:  a.StuckTaskID,
			RegisteredAt: a.RegisteredAt,
		}
		if a.CurrentTaskID != "" {
			if rec, ok := s.tasks.GetByID(a.CurrentTaskID); ok {
				v.CurrentTask = &CurrentTask{
					TaskID:      rec.TaskID,
					Description: rec.Description,
					StartTime:   rec.StartTime,
				}
			}
		}
		views = append(views, v)
	}
	return views
}

// RecentTasks returns up to limit task records, newest first.
func (s *Service) RecentTasks(limit int) []models.TaskRecord {
	if limit <= 0 {
		limit = defaultTaskLimit
	}
	return s.tasks.GetRecent(limit)
}

// RecentErrors returns up to limit error records, newest first.
func (s *Service) RecentErrors(limit int) []models.ErrorRecord {
	if limit <= 0 {
		limit = defaultErrorLimit
	}
	return s.errs.GetRecent(limit)
}

// LogQuery selects log entries for the unified log view.
type LogQuery struct {
	Limit   int
	Level   string
	TaskID  string
	AgentID string
}

// Logs serves the unified log view, newest first. Without a task or agent
// filter the source is the in-process ring buffer. With one, the source
// switches to the agent log blobs preserved on matching task records,
// parsed line by line.
func (s *Service) Logs(q LogQuery) []models.LogEntry {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLogLimit
	}
	if q.TaskID == "" && q.AgentID == "" {
		return s.logs.Query(memlog.Query{Limit: limit, Level: q.Level})
	}

	level := strings.ToUpper(strings.TrimSpace(q.Level))
	var out []models.LogEntry
	for _, rec := range s.tasks.GetAll() {
		if q.TaskID != "" && rec.TaskID != q.TaskID {
			continue
		}
		if q.AgentID != "" && rec.AgentID != q.AgentID {
			continue
		}
		if rec.AgentLogs == "" {
			continue
		}
		lines := ParseAgentLogs(rec.AgentLogs, rec.TaskID, rec.AgentID)
		// Records come newest first; within a blob lines are
		// chronological, so walk them backwards.
		for i := len(lines) - 1; i >= 0; i-- {
			if level != "" && lines[i].Level != level {
				continue
			}
			out = append(out, lines[i])
			if len(out) >= limit {
				return out
			}
		}
	}
	return out
}
