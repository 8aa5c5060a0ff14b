package memlog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/testmesh/conductor/pkg/models"
)

// TimeLayout is the timestamp format of captured entries. It matches the
// canonical log line shape agents use, so both log sources render alike.
const TimeLayout = "2006-01-02 15:04:05,000"

// Attribute keys with dedicated columns in the captured entries.
const (
	KeyComponent = "component"
	KeyTaskID    = "task_id"
	KeyAgentID   = "agent_id"
)

// Handler is a slog.Handler that captures every record into a Buffer and
// then delegates to the wrapped handler.
type Handler struct {
	inner slog.Handler
	buf   *Buffer
	attrs []slog.Attr
	group string
}

// NewHandler wraps inner with capture into buf.
func NewHandler(inner slog.Handler, buf *Buffer) *Handler {
	return &Handler{inner: inner, buf: buf}
}

// Enabled delegates to the wrapped handler.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle captures the record and forwards it.
func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	entry := models.LogEntry{
		Timestamp:  record.Time.Format(TimeLayout),
		Level:      levelName(record.Level),
		LoggerName: "conductor",
		Message:    record.Message,
	}

	var extras []string
	consume := func(a slog.Attr) {
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		switch key {
		case KeyComponent:
			entry.LoggerName = a.Value.String()
		case KeyTaskID:
			entry.TaskID = a.Value.String()
		case KeyAgentID:
			entry.AgentID = a.Value.String()
		default:
			extras = append(extras, fmt.Sprintf("%s=%v", key, a.Value))
		}
	}
	for _, a := range h.attrs {
		consume(a)
	}
	record.Attrs(func(a slog.Attr) bool {
		consume(a)
		return true
	})
	if len(extras) > 0 {
		entry.Message += " " + strings.Join(extras, " ")
	}

	h.buf.Append(entry)
	return h.inner.Handle(ctx, record)
}

// WithAttrs returns a handler that includes attrs on every record.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &Handler{
		inner: h.inner.WithAttrs(attrs),
		buf:   h.buf,
		attrs: merged,
		group: h.group,
	}
}

// WithGroup returns a handler that qualifies subsequent attribute keys.
func (h *Handler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &Handler{
		inner: h.inner.WithGroup(name),
		buf:   h.buf,
		attrs: h.attrs,
		group: group,
	}
}

// levelName maps slog levels onto the level names of the canonical log
// line shape (WARN becomes WARNING).
func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARNING"
	case l >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}
