package execution

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dohr-michael/studio/internal/assembler"
	"github.com/dohr-michael/studio/internal/events"
	"github.com/dohr-michael/studio/internal/protocol"
)

// Sender writes envelopes on the persistent socket. *conn.Manager implements it.
type Sender interface {
	Send(ctx context.Context, msg protocol.Outbound) error
}

type StreamingConfig struct {
	SessionID string
	ProjectID string
	AgentID   string
	Sender    Sender
	Bus       events.Publisher
	Logger    *slog.Logger
}

// Streaming runs turns over the socket. Socket messages are routed to Handle;
// stream content is accumulated and reshaped by an assembler.
type Streaming struct {
	cfg    StreamingConfig
	logger *slog.Logger

	mu   sync.Mutex
	turn *Turn
	buf  strings.Builder
	seq  int
	asm  *assembler.Assembler
}

func NewStreaming(cfg StreamingConfig) *Streaming {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Streaming{
		cfg:    cfg,
		logger: logger.With("component", "streaming"),
		asm:    assembler.New(),
	}
}

// Submit sends the turn submission envelope. It fails with ErrTurnActive while
// another turn is running.
func (s *Streaming) Submit(ctx context.Context, turn Turn) error {
	s.mu.Lock()
	if s.turn != nil {
		s.mu.Unlock()
		return ErrTurnActive
	}
	t := turn
	s.turn = &t
	s.buf.Reset()
	s.seq = 0
	s.asm.Reset()
	s.mu.Unlock()

	err := s.cfg.Sender.Send(ctx, protocol.TurnSubmission{
		Message:   turn.Text,
		ProjectID: s.cfg.ProjectID,
		AgentID:   s.cfg.AgentID,
		EditMode:  turn.EditMode,
		SessionID: s.cfg.SessionID,
	})
	if err != nil {
		s.mu.Lock()
		s.turn = nil
		s.mu.Unlock()
		s.publish(events.ErrorPayload{TurnID: turn.ID, Kind: events.ErrorKindTransport, Reason: err.Error()})
		return fmt.Errorf("submit turn %s: %w", turn.ID, err)
	}
	s.logger.Debug("turn submitted", "turn_id", turn.ID)
	return nil
}

// Handle processes one socket message. Messages that arrive while no turn is
// active are dropped.
func (s *Streaming) Handle(msg protocol.Inbound) {
	s.mu.Lock()
	if s.turn == nil {
		s.mu.Unlock()
		s.logger.Debug("message outside a turn dropped", "type", msg.MessageType())
		return
	}
	turnID := s.turn.ID
	var out []events.EventPayload

	switch m := msg.(type) {
	case protocol.Stream:
		s.buf.WriteString(m.Content)
		s.seq++
		res := s.asm.Feed(s.buf.String())
		out = append(out, events.StreamChunkPayload{
			TurnID:  turnID,
			Seq:     s.seq,
			Delta:   m.Content,
			Display: res.Display,
			Files:   fileRefs(res.Segments),
		})

	case protocol.Complete:
		final := m.FinalResponse
		if final == "" {
			final = s.buf.String()
		}
		res := s.asm.Feed(final)
		out = append(out, events.CompletePayload{
			TurnID:    turnID,
			Mode:      protocol.ModeStreaming,
			FinalText: final,
			Display:   res.Display,
			Files:     fileRefs(res.Segments),
		})
		s.turn = nil

	case protocol.FileReady:
		s.asm.MarkReady(m.FilePath)
		out = append(out, events.FileReadyPayload{TurnID: turnID, Path: m.FilePath, Content: m.Content})

	case protocol.Error:
		out = append(out, events.ErrorPayload{TurnID: turnID, Kind: events.ErrorKindExecution, Reason: m.Message})
		s.turn = nil

	case protocol.ApprovalRequired:
		out = append(out, events.ApprovalRequiredPayload{TurnID: turnID, Request: m.Request})

	case protocol.AgentStep:
		out = append(out, events.StepPayload{TurnID: turnID, Step: m.Step})

	case protocol.Pong:

	default:
		s.logger.Warn("unhandled message", "type", msg.MessageType())
	}
	s.mu.Unlock()

	for _, p := range out {
		s.publish(p)
	}
}

// ProtocolError marks the active turn errored after an undecodable message.
func (s *Streaming) ProtocolError(err error) {
	s.mu.Lock()
	if s.turn == nil {
		s.mu.Unlock()
		return
	}
	turnID := s.turn.ID
	s.turn = nil
	s.mu.Unlock()

	s.publish(events.ErrorPayload{TurnID: turnID, Kind: events.ErrorKindProtocol, Reason: err.Error()})
}

// Cancel ends the active turn locally. The wire protocol has no cancel
// message, so later messages for the turn are dropped.
func (s *Streaming) Cancel() error {
	s.mu.Lock()
	if s.turn == nil {
		s.mu.Unlock()
		return ErrNoActiveTurn
	}
	turnID := s.turn.ID
	s.turn = nil
	s.mu.Unlock()

	s.publish(events.CancelledPayload{TurnID: turnID})
	return nil
}

// Active returns the running turn.
func (s *Streaming) Active() (Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turn == nil {
		return Turn{}, false
	}
	return *s.turn, true
}

// FileStatus reports the assembler's view of a file in the current buffer.
func (s *Streaming) FileStatus(path string) assembler.FileStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.asm.Status(path)
}

func (s *Streaming) publish(p events.EventPayload) {
	s.cfg.Bus.Publish(events.NewTypedEventWithSession(events.SourceSocket, p, s.cfg.SessionID))
}
