package events

import (
	"time"

	"github.com/dohr-michael/studio/internal/protocol"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// USER EVENTS
// =============================================================================

type UserMessagePayload struct {
	TurnID  string        `json:"turn_id"`
	Content string        `json:"content"`
	Mode    protocol.Mode `json:"mode"`
}

func (UserMessagePayload) EventType() EventType { return EventUserMessage }

// =============================================================================
// TURN PROGRESS
// =============================================================================

// ThinkingPayload announces the placeholder that stands for an iterative turn
// until its terminal event.
type ThinkingPayload struct {
	TurnID        string `json:"turn_id"`
	PlaceholderID string `json:"placeholder_id"`
}

func (ThinkingPayload) EventType() EventType { return EventThinking }

// FileRef is the per-file view of an assembled file segment.
type FileRef struct {
	Path     string `json:"path"`
	Language string `json:"language,omitempty"`
	Complete bool   `json:"complete"`
}

// StreamChunkPayload carries one chunk of a streaming turn together with the
// display text re-derived from the cumulative buffer.
type StreamChunkPayload struct {
	TurnID  string    `json:"turn_id"`
	Seq     int       `json:"seq"`
	Delta   string    `json:"delta"`
	Display string    `json:"display"`
	Files   []FileRef `json:"files,omitempty"`
}

func (StreamChunkPayload) EventType() EventType { return EventStreamChunk }

type StepPayload struct {
	TurnID        string              `json:"turn_id"`
	PlaceholderID string              `json:"placeholder_id,omitempty"`
	Step          protocol.StepRecord `json:"step"`
}

func (StepPayload) EventType() EventType { return EventStep }

type FileReadyPayload struct {
	TurnID  string `json:"turn_id"`
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

func (FileReadyPayload) EventType() EventType { return EventFileReady }

type CompletePayload struct {
	TurnID        string        `json:"turn_id"`
	PlaceholderID string        `json:"placeholder_id,omitempty"`
	Mode          protocol.Mode `json:"mode"`
	FinalText     string        `json:"final_text"`
	Display       string        `json:"display"`
	Files         []FileRef     `json:"files,omitempty"`
}

func (CompletePayload) EventType() EventType { return EventComplete }

// ErrorKind classifies a turn failure.
type ErrorKind string

const (
	ErrorKindExecution ErrorKind = "execution"
	ErrorKindProtocol  ErrorKind = "protocol"
	ErrorKindTransport ErrorKind = "transport"
)

type ErrorPayload struct {
	TurnID        string    `json:"turn_id"`
	PlaceholderID string    `json:"placeholder_id,omitempty"`
	Kind          ErrorKind `json:"kind"`
	Reason        string    `json:"reason"`
}

func (ErrorPayload) EventType() EventType { return EventError }

type CancelledPayload struct {
	TurnID        string `json:"turn_id"`
	PlaceholderID string `json:"placeholder_id,omitempty"`
}

func (CancelledPayload) EventType() EventType { return EventCancelled }

// =============================================================================
// APPROVAL EVENTS
// =============================================================================

type ApprovalRequiredPayload struct {
	TurnID  string                       `json:"turn_id"`
	Request protocol.ToolApprovalRequest `json:"request"`
}

func (ApprovalRequiredPayload) EventType() EventType { return EventApprovalRequired }

type ApprovalResolvedPayload struct {
	TurnID     string            `json:"turn_id"`
	ApprovalID string            `json:"approval_id"`
	ToolName   string            `json:"tool_name"`
	Decision   protocol.Decision `json:"decision"`
	// Rejected marks a request refused because another one was pending.
	Rejected   bool              `json:"rejected,omitempty"`
}

func (ApprovalResolvedPayload) EventType() EventType { return EventApprovalResolved }

// =============================================================================
// SESSION STATE
// =============================================================================

type ConnectionStatePayload struct {
	State   string        `json:"state"`
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay,omitempty"`
	Error   string        `json:"error,omitempty"`
}

func (ConnectionStatePayload) EventType() EventType { return EventConnectionState }

type EditModePayload struct {
	Previous protocol.EditMode `json:"previous"`
	Mode     protocol.EditMode `json:"mode"`
	Reason   string            `json:"reason,omitempty"`
}

func (EditModePayload) EventType() EventType { return EventEditModeChanged }

// =============================================================================
// TYPED EVENT CONSTRUCTORS
// =============================================================================

func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return Event{
		ID:        generateEventID(),
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   payload,
	}
}

func NewTypedEventWithSession(source EventSource, payload EventPayload, sessionID string) Event {
	e := NewTypedEvent(source, payload)
	e.SessionID = sessionID
	return e
}

// =============================================================================
// TYPED PAYLOAD EXTRACTORS
// =============================================================================

func ExtractPayload[T EventPayload](e Event) (T, bool) {
	p, ok := e.Payload.(T)
	return p, ok
}

// TurnID returns the turn an event belongs to, or "" for session-level events.
func TurnID(e Event) string {
	switch p := e.Payload.(type) {
	case UserMessagePayload:
		return p.TurnID
	case ThinkingPayload:
		return p.TurnID
	case StreamChunkPayload:
		return p.TurnID
	case StepPayload:
		return p.TurnID
	case FileReadyPayload:
		return p.TurnID
	case CompletePayload:
		return p.TurnID
	case ErrorPayload:
		return p.TurnID
	case CancelledPayload:
		return p.TurnID
	case ApprovalRequiredPayload:
		return p.TurnID
	case ApprovalResolvedPayload:
		return p.TurnID
	}
	return ""
}
