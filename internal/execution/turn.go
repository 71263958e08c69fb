// Package execution runs turns against the agent backend, either streamed over
// the persistent socket or as an iterative request that yields step records.
// Both variants report progress as events on the bus.
package execution

import (
	"errors"
	"time"

	"github.com/dohr-michael/studio/internal/assembler"
	"github.com/dohr-michael/studio/internal/events"
	"github.com/dohr-michael/studio/internal/protocol"
)

var (
	ErrTurnActive   = errors.New("a turn is already in progress")
	ErrNoActiveTurn = errors.New("no active turn")
)

// Turn is one user submission. Its Mode is fixed when it is created.
type Turn struct {
	ID        string
	SessionID string
	Text      string
	Mode      protocol.Mode
	EditMode  protocol.EditMode
	CreatedAt time.Time
}

func fileRefs(segs []assembler.Segment) []events.FileRef {
	if len(segs) == 0 {
		return nil
	}
	out := make([]events.FileRef, len(segs))
	for i, s := range segs {
		out[i] = events.FileRef{Path: s.Path, Language: s.Language, Complete: s.Complete}
	}
	return out
}
