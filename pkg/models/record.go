// Package models contains the domain models shared across the orchestrator:
// task and error records, log entries, and the test-management payloads
// exchanged with remote agents.
package models

import "time"

// TaskStatus is the lifecycle state of a dispatched task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// TaskRecord captures one dispatch attempt against one agent.
// Created when the agent is reserved, finalised on completion or failure.
type TaskRecord struct {
	TaskID       string     `json:"task_id"`
	AgentID      string     `json:"agent_id"`
	AgentName    string     `json:"agent_name"`
	Description  string     `json:"description"`
	Status       TaskStatus `json:"status"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`

	// AgentLogs holds the decoded body of a log file artifact returned by
	// the agent, if any. Served by the dashboard, never re-parsed here.
	AgentLogs string `json:"agent_logs,omitempty"`
}

// DurationMS returns the task duration in milliseconds, or 0 while running.
func (r *TaskRecord) DurationMS() int64 {
	if r.EndTime == nil {
		return 0
	}
	return r.EndTime.Sub(r.StartTime).Milliseconds()
}

// ErrorRecord captures one surfaced error for the dashboard.
type ErrorRecord struct {
	ErrorID   string    `json:"error_id"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	TaskID    string    `json:"task_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Module    string    `json:"module,omitempty"`

	// TracebackSnippet is a truncated rendering of the error chain.
	// Never sent to API clients in error responses, dashboard only.
	TracebackSnippet string `json:"traceback_snippet,omitempty"`
}

// LogEntry is one line in the unified dashboard log view. Entries come from
// two producers: the in-process slog capture buffer and the parsed agent
// log artifacts stored on task records.
type LogEntry struct {
	Timestamp  string `json:"timestamp"`
	Level      string `json:"level"`
	LoggerName string `json:"logger_name"`
	Message    string `json:"message"`
	TaskID     string `json:"task_id,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
}
