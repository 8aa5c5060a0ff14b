// Package history provides the bounded in-memory histories backing the
// dashboard: task records and error records. Both are ring buffers that
// evict the oldest entry on overflow; accessors hand out owned copies so
// evicted entries stay valid for whoever already holds one.
package history

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/testmesh/conductor/pkg/models"
)

// TaskHistory is a bounded, concurrency-safe buffer of task records,
// addressable by task id while an entry is retained.
type TaskHistory struct {
	mu       sync.RWMutex
	capacity int
	records  []*models.TaskRecord // oldest first
	byID     map[string]*models.TaskRecord
}

// NewTaskHistory creates a task history holding at most capacity records.
func NewTaskHistory(capacity int) *TaskHistory {
	return &TaskHistory{
		capacity: capacity,
		byID:     make(map[string]*models.TaskRecord),
	}
}

// Add inserts a record, evicting the oldest when full.
func (h *TaskHistory) Add(record models.TaskRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.records) >= h.capacity {
		oldest := h.records[0]
		h.records = h.records[1:]
		delete(h.byID, oldest.TaskID)
	}
	r := record
	h.records = append(h.records, &r)
	h.byID[r.TaskID] = &r
}

// Update applies mutate to the record with the given id under the lock.
// Updating an evicted or unknown id is a no-op and returns false.
func (h *TaskHistory) Update(taskID string, mutate func(*models.TaskRecord)) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.byID[taskID]
	if !ok {
		return false
	}
	mutate(r)
	return true
}

// GetByID returns an owned copy of one record.
func (h *TaskHistory) GetByID(taskID string) (models.TaskRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.byID[taskID]
	if !ok {
		return models.TaskRecord{}, false
	}
	return *r, true
}

// GetAll returns owned copies of every record, newest first.
func (h *TaskHistory) GetAll() []models.TaskRecord {
	return h.GetRecent(0)
}

// GetRecent returns up to n records, newest first. n <= 0 means all.
func (h *TaskHistory) GetRecent(n int) []models.TaskRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := len(h.records)
	if n <= 0 || n > total {
		n = total
	}
	out := make([]models.TaskRecord, 0, n)
	for i := total - 1; i >= total-n; i-- {
		out = append(out, *h.records[i])
	}
	return out
}

// CountByStatus returns the number of retained records per status.
func (h *TaskHistory) CountByStatus() map[models.TaskStatus]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	counts := make(map[models.TaskStatus]int)
	for _, r := range h.records {
		counts[r.Status]++
	}
	return counts
}

// Len returns the number of retained records.
func (h *TaskHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}

// ErrorHistory is a bounded, concurrency-safe buffer of error records.
type ErrorHistory struct {
	mu       sync.RWMutex
	capacity int
	records  []*models.ErrorRecord // oldest first
}

// NewErrorHistory creates an error history holding at most capacity records.
func NewErrorHistory(capacity int) *ErrorHistory {
	return &ErrorHistory{capacity: capacity}
}

// Add inserts a record, evicting the oldest when full.
func (h *ErrorHistory) Add(record models.ErrorRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.records) >= h.capacity {
		h.records = h.records[1:]
	}
	r := record
	h.records = append(h.records, &r)
}

// Record builds and inserts an error record, returning its generated id.
func (h *ErrorHistory) Record(message, taskID, agentID, module, traceback string) string {
	id := uuid.New().String()
	h.Add(models.ErrorRecord{
		ErrorID:          id,
		Timestamp:        time.Now(),
		Message:          message,
		TaskID:           taskID,
		AgentID:          agentID,
		Module:           module,
		TracebackSnippet: truncate(traceback, 2000),
	})
	return id
}

// GetRecent returns up to n records, newest first. n <= 0 means all.
func (h *ErrorHistory) GetRecent(n int) []models.ErrorRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := len(h.records)
	if n <= 0 || n > total {
		n = total
	}
	out := make([]models.ErrorRecord, 0, n)
	for i := total - 1; i >= total-n; i-- {
		out = append(out, *h.records[i])
	}
	return out
}

// GetAll returns owned copies of every record, newest first.
func (h *ErrorHistory) GetAll() []models.ErrorRecord {
	return h.GetRecent(0)
}

// Len returns the number of retained records.
func (h *ErrorHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
