// Package protocol defines the wire envelopes exchanged with the agent backend,
// over the persistent socket and over the iterative request stream.
package protocol

import "fmt"

// SocketPath is where the backend serves the persistent socket.
const SocketPath = "/api/ws"

// Mode selects the transport a Turn runs over.
type Mode string

const (
	ModeStreaming Mode = "streaming"
	ModeIterative Mode = "iterative"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeStreaming, ModeIterative:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown execution mode %q", s)
}

// EditMode is the session-scoped permission level for write tools.
type EditMode string

const (
	EditModeAsk   EditMode = "ask"
	EditModeAllow EditMode = "allow"
	EditModePlan  EditMode = "plan"
)

// Next returns the mode that follows m in the toggle cycle ask → allow → plan → ask.
func (m EditMode) Next() EditMode {
	switch m {
	case EditModeAsk:
		return EditModeAllow
	case EditModeAllow:
		return EditModePlan
	default:
		return EditModeAsk
	}
}

// ParseEditMode validates an edit mode name.
func ParseEditMode(s string) (EditMode, error) {
	switch EditMode(s) {
	case EditModeAsk, EditModeAllow, EditModePlan:
		return EditMode(s), nil
	}
	return "", fmt.Errorf("unknown edit mode %q", s)
}

// Decision is the user's answer to a ToolApprovalRequest.
type Decision string

const (
	DecisionAllowOnce Decision = "allow_once"
	DecisionAllowAll  Decision = "allow_all"
	DecisionStop      Decision = "stop"
)

// Valid reports whether d is one of the known decisions.
func (d Decision) Valid() bool {
	switch d {
	case DecisionAllowOnce, DecisionAllowAll, DecisionStop:
		return true
	}
	return false
}

// ToolApprovalRequest is a server-initiated pause awaiting a human decision.
type ToolApprovalRequest struct {
	ID          string         `json:"approval_id"`
	ToolName    string         `json:"tool_name"`
	Parameters  map[string]any `json:"tool_parameters,omitempty"`
	Description string         `json:"tool_description,omitempty"`
}

// ToolCall is one tool invocation made during an iteration.
type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResult is the outcome of a ToolCall.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Content    string `json:"content,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

// StepRecord is one iteration of an iterative run.
type StepRecord struct {
	Iteration   int          `json:"iteration"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	Thought     string       `json:"thought,omitempty"`
}
