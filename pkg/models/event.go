package models

import "time"

// EventKind identifies the type of a session event.
type EventKind string

// The closed set of event kinds. Consumers must treat any other value as
// unknown and skip it rather than fail.
const (
	EventRunStarted         EventKind = "run_started"
	EventAssistantDelta     EventKind = "assistant_delta"
	EventAssistant          EventKind = "assistant"
	EventToolCall           EventKind = "tool_call"
	EventToolResult         EventKind = "tool_result"
	EventPermissionRequest  EventKind = "permission_request"
	EventPermissionResolved EventKind = "permission_resolved"
	EventRunFinished        EventKind = "run_finished"
	EventRunFailed          EventKind = "run_failed"
	EventModelTimeout       EventKind = "model_timeout"
	EventError              EventKind = "error"
	EventDone               EventKind = "done"
	EventCheckpoint         EventKind = "checkpoint"
	EventRevert             EventKind = "revert"
	EventUser               EventKind = "user"
)

// ValidEventKind reports whether kind is part of the closed enumeration.
func ValidEventKind(kind EventKind) bool {
	switch kind {
	case EventRunStarted, EventAssistantDelta, EventAssistant, EventToolCall,
		EventToolResult, EventPermissionRequest, EventPermissionResolved,
		EventRunFinished, EventRunFailed, EventModelTimeout, EventError,
		EventDone, EventCheckpoint, EventRevert, EventUser:
		return true
	}
	return false
}

// Event is an append-only record in a session's log. Events are never
// mutated or deleted; within a session (CreatedAt, ID) is a total order
// consistent with emission order.
type Event struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"sessionId"`
	Kind      EventKind      `json:"kind"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"createdAt"`
}
