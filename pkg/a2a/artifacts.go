package a2a

import (
	"encoding/base64"
	"strings"
)

// FirstText returns the text parts of the first artifact joined with
// newlines. By convention this is the workflow-specific JSON payload.
func FirstText(artifacts []Artifact) string {
	if len(artifacts) == 0 {
		return ""
	}
	var texts []string
	for _, part := range artifacts[0].Parts {
		if part.Kind == PartKindText && part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// IsLogFile reports whether a file part carries agent execution logs:
// the name contains "log" (case-insensitive) and ends in .txt or .log.
func IsLogFile(f *FileWithBytes) bool {
	if f == nil {
		return false
	}
	name := strings.ToLower(f.Name)
	if !strings.Contains(name, "log") {
		return false
	}
	return strings.HasSuffix(name, ".txt") || strings.HasSuffix(name, ".log")
}

// ExtractAgentLogs finds the first log file part across all artifacts and
// returns its decoded content. Returns false when no log file is attached
// or the payload is not valid base64.
func ExtractAgentLogs(artifacts []Artifact) (string, bool) {
	for _, artifact := range artifacts {
		for _, part := range artifact.Parts {
			if part.Kind != PartKindFile || !IsLogFile(part.File) {
				continue
			}
			decoded, err := base64.StdEncoding.DecodeString(part.File.Bytes)
			if err != nil {
				return "", false
			}
			return string(decoded), true
		}
	}
	return "", false
}

// CollectFiles returns every file part across the artifacts, in order.
// Used to re-attach execution evidence on downstream dispatches.
func CollectFiles(artifacts []Artifact) []FileWithBytes {
	var files []FileWithBytes
	for _, artifact := range artifacts {
		for _, part := range artifact.Parts {
			if part.Kind == PartKindFile && part.File != nil {
				files = append(files, *part.File)
			}
		}
	}
	return files
}
