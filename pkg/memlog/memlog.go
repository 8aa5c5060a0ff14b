// Package memlog keeps the most recent in-process log records in a bounded
// ring buffer so the dashboard can serve them without touching disk. It
// plugs into log/slog as a capturing handler wrapped around the real one.
package memlog

import (
	"strings"
	"sync"

	"github.com/testmesh/conductor/pkg/models"
)

// Buffer is a bounded, concurrency-safe ring of log entries.
type Buffer struct {
	mu       sync.RWMutex
	capacity int
	entries  []models.LogEntry // oldest first
}

// NewBuffer creates a buffer holding at most capacity entries.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{capacity: capacity}
}

// Append inserts an entry, evicting the oldest when full.
func (b *Buffer) Append(entry models.LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) >= b.capacity {
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, entry)
}

// Query selects entries newest first.
type Query struct {
	// Limit caps the result size; <= 0 means no cap.
	Limit int

	// Offset skips that many matching entries from the newest end.
	Offset int

	// Level filters by exact level name, case-insensitive.
	Level string

	// TaskID / AgentID filter by the ids attached to entries.
	TaskID  string
	AgentID string
}

// Query returns matching entries, newest first.
func (b *Buffer) Query(q Query) []models.LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	level := strings.ToUpper(strings.TrimSpace(q.Level))
	var out []models.LogEntry
	skipped := 0
	for i := len(b.entries) - 1; i >= 0; i-- {
		e := b.entries[i]
		if level != "" && strings.ToUpper(e.Level) != level {
			continue
		}
		if q.TaskID != "" && e.TaskID != q.TaskID {
			continue
		}
		if q.AgentID != "" && e.AgentID != q.AgentID {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

// Len returns the number of retained entries.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
