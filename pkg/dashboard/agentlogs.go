package dashboard

import (
	"strings"

	"github.com/testmesh/conductor/pkg/models"
)

// Agent log blobs follow the line shape
// "<timestamp> - <logger> - <level> - <message>". Remote agents are not
// under our control, so the parser degrades instead of failing: a line
// without a timestamp keeps an empty one, a line without a level becomes
// INFO, and a line matching nothing becomes a bare INFO message.

var logLevels = map[string]struct{}{
	"DEBUG":    {},
	"INFO":     {},
	"WARN":     {},
	"WARNING":  {},
	"ERROR":    {},
	"CRITICAL": {},
}

func isLogLevel(s string) bool {
	_, ok := logLevels[strings.ToUpper(strings.TrimSpace(s))]
	return ok
}

// ParseAgentLogs splits an agent log blob into entries, oldest first,
// stamping each with the task and agent the blob belongs to.
func ParseAgentLogs(blob, taskID, agentID string) []models.LogEntry {
	var entries []models.LogEntry
	for _, line := range strings.Split(blob, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		e := parseLogLine(line)
		e.TaskID = taskID
		e.AgentID = agentID
		entries = append(entries, e)
	}
	return entries
}

func parseLogLine(line string) models.LogEntry {
	parts := strings.SplitN(line, " - ", 4)
	switch {
	case len(parts) == 4 && isLogLevel(parts[2]):
		return models.LogEntry{
			Timestamp:  strings.TrimSpace(parts[0]),
			LoggerName: strings.TrimSpace(parts[1]),
			Level:      strings.ToUpper(strings.TrimSpace(parts[2])),
			Message:    parts[3],
		}
	case len(parts) >= 3 && isLogLevel(parts[1]):
		// No timestamp in front.
		return models.LogEntry{
			LoggerName: strings.TrimSpace(parts[0]),
			Level:      strings.ToUpper(strings.TrimSpace(parts[1])),
			Message:    strings.Join(parts[2:], " - "),
		}
	case len(parts) >= 3:
		// No level token.
		return models.LogEntry{
			Timestamp:  strings.TrimSpace(parts[0]),
			LoggerName: strings.TrimSpace(parts[1]),
			Level:      "INFO",
			Message:    strings.Join(parts[2:], " - "),
		}
	default:
		return models.LogEntry{Level: "INFO", Message: line}
	}
}
