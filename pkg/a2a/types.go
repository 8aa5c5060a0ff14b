// Package a2a implements the agent-to-agent wire protocol used to talk to
// remote worker agents: card discovery over a well-known HTTP path, a
// JSON-RPC streaming message call carried over SSE, and a cancel call.
package a2a

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// CardPath is the well-known HTTP path where agents advertise their card.
const CardPath = "/.well-known/agent-card.json"

// AgentCard is an agent's self-description. The URL is the agent's stable
// identity: two cards with the same URL denote the same agent.
type AgentCard struct {
	ProtocolVersion string            `json:"protocolVersion,omitempty"`
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	URL             string            `json:"url"`
	Version         string            `json:"version,omitempty"`
	Capabilities    AgentCapabilities `json:"capabilities,omitempty"`
	Skills          []AgentSkill      `json:"skills,omitempty"`
}

// AgentCapabilities flags optional protocol features.
type AgentCapabilities struct {
	Streaming         bool `json:"streaming,omitempty"`
	PushNotifications bool `json:"pushNotifications,omitempty"`
}

// AgentSkill describes one capability of an agent. The free-text
// description is what the routing oracle reads.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// TaskState is the remote task lifecycle state.
type TaskState string

const (
	TaskStateSubmitted TaskState = "submitted"
	TaskStateWorking   TaskState = "working"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateRejected  TaskState = "rejected"
	TaskStateCanceled  TaskState = "canceled"
)

// Terminal reports whether the state ends the remote task.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateRejected, TaskStateCanceled:
		return true
	}
	return false
}

// TaskStatus pairs a state with an optional agent message.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp string    `json:"timestamp,omitempty"`
}

// Task is a remote task snapshot.
type Task struct {
	ID        string     `json:"id"`
	ContextID string     `json:"contextId,omitempty"`
	Status    TaskStatus `json:"status"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	Kind      string     `json:"kind,omitempty"`
}

// Message is a role-tagged list of parts; agents send these as progress
// updates, the orchestrator sends them as task payloads.
type Message struct {
	Role      string `json:"role"`
	Parts     []Part `json:"parts"`
	MessageID string `json:"messageId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
	ContextID string `json:"contextId,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

// Text joins the message's text parts with single spaces.
func (m *Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Kind != PartKindText || p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// Part kinds.
const (
	PartKindText = "text"
	PartKindFile = "file"
	PartKindData = "data"
)

// Part is one element of a message or artifact: text, a file, or
// structured data.
type Part struct {
	Kind string          `json:"kind"`
	Text string          `json:"text,omitempty"`
	File *FileWithBytes  `json:"file,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// FileWithBytes carries a named blob, base64-encoded on the wire.
type FileWithBytes struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    string `json:"bytes"`
}

// Artifact is an ordered list of parts produced by a completed task.
type Artifact struct {
	ArtifactID string `json:"artifactId,omitempty"`
	Name       string `json:"name,omitempty"`
	Parts      []Part `json:"parts"`
}

// NewUserMessage builds an outgoing message with one text part followed by
// the given file parts.
func NewUserMessage(text string, files ...FileWithBytes) Message {
	parts := make([]Part, 0, 1+len(files))
	parts = append(parts, Part{Kind: PartKindText, Text: text})
	for i := range files {
		f := files[i]
		parts = append(parts, Part{Kind: PartKindFile, File: &f})
	}
	return Message{
		Role:      "user",
		Parts:     parts,
		MessageID: uuid.New().String(),
		Kind:      "message",
	}
}

// statusUpdateEvent is the incremental form of a task state change on the
// stream. Folded into the running task snapshot by the client.
type statusUpdateEvent struct {
	TaskID    string     `json:"taskId"`
	ContextID string     `json:"contextId,omitempty"`
	Status    TaskStatus `json:"status"`
	Final     bool       `json:"final,omitempty"`
	Kind      string     `json:"kind"`
}

// artifactUpdateEvent is the incremental form of an artifact addition.
type artifactUpdateEvent struct {
	TaskID    string   `json:"taskId"`
	ContextID string   `json:"contextId,omitempty"`
	Artifact  Artifact `json:"artifact"`
	Append    bool     `json:"append,omitempty"`
	Kind      string   `json:"kind"`
}
