// ABOUTME: Event types produced by an AgentSession's event stream.
// ABOUTME: The stream ends permanently after an Exited or fatal Error event.

package session

import "encoding/json"

// EventType indicates the kind of session event.
type EventType int

const (
	EventOutput EventType = iota
	EventPermissionRequest
	EventExited
	EventError
)

// PermissionRequest is a tool-approval request surfaced by the agent.
type PermissionRequest struct {
	RequestID   string          `json:"request_id"`
	ToolName    string          `json:"tool_name"`
	Input       json.RawMessage `json:"input,omitempty"`
	Suggestions json.RawMessage `json:"suggestions,omitempty"`
}

// PermissionResponse resolves an outstanding PermissionRequest.
type PermissionResponse struct {
	RequestID   string          `json:"request_id"`
	Allow       bool            `json:"allow"`
	Input       json.RawMessage `json:"input,omitempty"`
	Permissions json.RawMessage `json:"permissions,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// Event is one item on the session event stream.
type Event struct {
	Type       EventType
	Seq        uint64          // For EventOutput: sequence assigned by the OutputBuffer
	Output     json.RawMessage // For EventOutput
	Permission *PermissionRequest
	ExitCode   int // For EventExited
	Err        error
}
