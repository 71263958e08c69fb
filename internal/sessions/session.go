// Package sessions archives conversations on disk: one directory per session
// holding meta.json and messages.jsonl.
package sessions

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("session not found")

// Status represents the lifecycle state of a session.
type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// Session holds metadata about an archived conversation.
type Session struct {
	ID           string    `json:"id" yaml:"id"`
	Title        string    `json:"title,omitempty" yaml:"title,omitempty"`
	ProjectID    string    `json:"project_id,omitempty" yaml:"project_id,omitempty"`
	AgentID      string    `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	Mode         string    `json:"mode,omitempty" yaml:"mode,omitempty"`
	Status       Status    `json:"status" yaml:"status"`
	MessageCount int       `json:"message_count" yaml:"message_count"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" yaml:"updated_at"`
}

// Message is one archived entry, in the shape the history endpoint serves.
type Message struct {
	ID        string    `json:"id" yaml:"id"`
	TurnID    string    `json:"turn_id,omitempty" yaml:"turn_id,omitempty"`
	Role      string    `json:"role" yaml:"role"`
	Content   string    `json:"content" yaml:"content"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Store defines the persistence interface for sessions.
type Store interface {
	Create(id string, init Session) (*Session, error)
	Ensure(id string, init Session) (*Session, error)
	Get(id string) (*Session, error)
	List() ([]*Session, error)
	UpdateMeta(s *Session) error
	Close(id string) error
	AppendMessage(sessionID string, msg Message) error
	LoadMessages(sessionID string) ([]Message, error)
	Page(sessionID string, page, limit int) ([]Message, bool, error)
	ClearMessages(sessionID string) error
}

const titleMax = 60

// titleFrom derives a session title from its first user message.
func titleFrom(content string) string {
	r := []rune(content)
	for i, c := range r {
		if c == '\n' {
			r = r[:i]
			break
		}
	}
	if len(r) > titleMax {
		return string(r[:titleMax-1]) + "…"
	}
	return string(r)
}
