package approval

import (
	"log/slog"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/dohr-michael/studio/internal/events"
	"github.com/dohr-michael/studio/internal/protocol"
)

// DefaultWriteTools are the glob patterns naming write-class tools.
var DefaultWriteTools = []string{
	"write_file",
	"edit_file",
	"create_file",
	"delete_file",
	"apply_patch",
	"*_write",
}

// Permissions holds the session's EditMode and knows which tools write.
type Permissions struct {
	mu        sync.RWMutex
	mode      protocol.EditMode
	patterns  []string
	bus       events.Publisher
	sessionID string
}

// NewPermissions creates a Permissions starting at mode. Invalid patterns are
// logged and skipped; nil patterns take DefaultWriteTools.
func NewPermissions(mode protocol.EditMode, writeTools []string, bus events.Publisher, sessionID string) *Permissions {
	if writeTools == nil {
		writeTools = DefaultWriteTools
	}
	patterns := make([]string, 0, len(writeTools))
	for _, p := range writeTools {
		if !doublestar.ValidatePattern(p) {
			slog.Warn("invalid write tool pattern", "pattern", p)
			continue
		}
		patterns = append(patterns, p)
	}
	if mode == "" {
		mode = protocol.EditModeAsk
	}
	return &Permissions{mode: mode, patterns: patterns, bus: bus, sessionID: sessionID}
}

// Current returns the EditMode.
func (p *Permissions) Current() protocol.EditMode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mode
}

// Toggle advances the EditMode along ask → allow → plan → ask.
func (p *Permissions) Toggle() protocol.EditMode {
	p.mu.Lock()
	prev := p.mode
	p.mode = prev.Next()
	next := p.mode
	p.mu.Unlock()

	p.announce(prev, next, "toggle")
	return next
}

// Escalate switches to allow and reports whether the mode changed.
func (p *Permissions) Escalate(reason string) bool {
	p.mu.Lock()
	prev := p.mode
	if prev == protocol.EditModeAllow {
		p.mu.Unlock()
		return false
	}
	p.mode = protocol.EditModeAllow
	p.mu.Unlock()

	p.announce(prev, protocol.EditModeAllow, reason)
	return true
}

// IsWriteTool reports whether tool matches a write-class pattern.
func (p *Permissions) IsWriteTool(tool string) bool {
	for _, pattern := range p.patterns {
		if ok, _ := doublestar.Match(pattern, tool); ok {
			return true
		}
	}
	return false
}

func (p *Permissions) announce(prev, next protocol.EditMode, reason string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.NewTypedEventWithSession(events.SourceSession, events.EditModePayload{
		Previous: prev,
		Mode:     next,
		Reason:   reason,
	}, p.sessionID))
}
