package dispatch

import (
	"errors"
	"fmt"
)

// Kind classifies a failed operation for logging and HTTP mapping. The
// values are shared vocabulary across the dispatcher, the workflows, and
// the API layer.
type Kind string

const (
	// KindNoAgents means the registry holds no agents at all.
	KindNoAgents Kind = "NO_AGENTS"

	// KindNoneSuitable means agents exist but the router matched none.
	KindNoneSuitable Kind = "NONE_SUITABLE"

	// KindReservationTimeout means no agent became AVAILABLE within the
	// execution timeout.
	KindReservationTimeout Kind = "RESERVATION_TIMEOUT"

	// KindTimedOut means the agent accepted the task but produced no
	// terminal state within the execution timeout. Side effect: the agent
	// is BROKEN(TASK_STUCK) and queued for recovery.
	KindTimedOut Kind = "TIMED_OUT"

	// KindAgentCrashed means the transport to the agent failed mid-flight.
	// Side effect: the agent is BROKEN(OFFLINE) and queued for recovery.
	KindAgentCrashed Kind = "AGENT_CRASHED"

	// KindProtocolError means the agent answered, but not with a usable
	// terminal result. The agent stays AVAILABLE.
	KindProtocolError Kind = "PROTOCOL_ERROR"

	// KindBadInput means the request payload is missing a required field.
	KindBadInput Kind = "BAD_INPUT"

	// KindUnauthorized means the request failed an auth gate.
	KindUnauthorized Kind = "UNAUTHORIZED"

	// KindAdapterFailure means an external adapter (test management,
	// selection oracle) failed.
	KindAdapterFailure Kind = "ADAPTER_FAILURE"
)

// Error is a classified failure with optional task and agent attribution.
type Error struct {
	Kind    Kind
	AgentID string
	TaskID  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the Kind from an error chain, or "" for unclassified
// errors.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
