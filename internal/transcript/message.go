// Package transcript keeps the ordered conversation shown to the user. Other
// components never edit it directly; they publish events and the store applies
// them.
package transcript

import (
	"time"

	"github.com/dohr-michael/studio/internal/events"
	"github.com/dohr-michael/studio/internal/protocol"
)

// Kind classifies a transcript entry.
type Kind string

const (
	KindUser      Kind = "user"
	KindAssistant Kind = "assistant"
	KindThinking  Kind = "thinking"
	KindStep      Kind = "step"
	KindError     Kind = "error"
	KindNotice    Kind = "notice"
	KindApproval  Kind = "approval"
)

const (
	// ApologyText is shown in place of a failed turn; the technical detail
	// goes to the Notifier.
	ApologyText = "Sorry, something went wrong while working on that. Please try again."
	// StoppedText ends a turn the user cancelled.
	StoppedText = "Stopped by user."
)

// Message is one transcript entry. IDs are unique within a Store.
type Message struct {
	ID        string                        `json:"id" yaml:"id"`
	TurnID    string                        `json:"turn_id,omitempty" yaml:"turn_id,omitempty"`
	Kind      Kind                          `json:"kind" yaml:"kind"`
	Content   string                        `json:"content,omitempty" yaml:"content,omitempty"`
	Display   string                        `json:"display,omitempty" yaml:"display,omitempty"`
	Files     []events.FileRef              `json:"files,omitempty" yaml:"files,omitempty"`
	Step      *protocol.StepRecord          `json:"step,omitempty" yaml:"step,omitempty"`
	Approval  *protocol.ToolApprovalRequest `json:"approval,omitempty" yaml:"approval,omitempty"`
	Ephemeral bool                          `json:"ephemeral,omitempty" yaml:"ephemeral,omitempty"`
	Persisted bool                          `json:"persisted,omitempty" yaml:"persisted,omitempty"`
	CreatedAt time.Time                     `json:"created_at" yaml:"created_at"`
}

// Text returns what a renderer shows for the entry.
func (m Message) Text() string {
	if m.Display != "" {
		return m.Display
	}
	return m.Content
}

// Notification is a transient, non-blocking notice with technical detail.
type Notification struct {
	TurnID string
	Title  string
	Detail string
}

// Notifier surfaces notifications outside the transcript.
type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

func userID(turnID string) string      { return "user:" + turnID }
func assistantID(turnID string) string { return "assistant:" + turnID }
func errorID(turnID string) string     { return "error:" + turnID }
func stoppedID(turnID string) string   { return "stopped:" + turnID }
func approvalID(id string) string      { return "approval:" + id }
