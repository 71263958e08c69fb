package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/dohr-michael/studio/internal/events"
	"github.com/dohr-michael/studio/internal/protocol"
	"github.com/dohr-michael/studio/internal/sessions"
)

const defaultSessionID = "default"

var errStopped = errors.New("stopped by user")

// turnRequest is a submission from either transport.
type turnRequest struct {
	SessionID string
	ProjectID string
	AgentID   string
	Message   string
	EditMode  protocol.EditMode
	Mode      protocol.Mode
}

// emitFunc writes one server message to the client.
type emitFunc func(protocol.Inbound) error

// runTurn plays a Plan. Streaming turns emit stream chunks, file_ready and
// complete; iterative turns emit one agent_step per tool call then complete.
// Write tools pause for approval in ask mode and are skipped in plan mode.
func (s *Server) runTurn(ctx context.Context, req turnRequest, emit emitFunc) error {
	if req.SessionID == "" {
		req.SessionID = defaultSessionID
	}
	if req.EditMode == "" {
		req.EditMode = protocol.EditModeAsk
	}
	logger := s.logger.With("session_id", req.SessionID, "mode", req.Mode)

	if _, err := s.cfg.Store.Ensure(req.SessionID, sessions.Session{
		ProjectID: req.ProjectID,
		AgentID:   req.AgentID,
		Mode:      string(req.Mode),
	}); err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	turnID := uuid.NewString()
	if err := s.cfg.Store.AppendMessage(req.SessionID, sessions.Message{
		ID: "user:" + turnID, TurnID: turnID, Role: "user", Content: req.Message,
	}); err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	s.publish(req.SessionID, req.Mode, events.UserMessagePayload{TurnID: turnID, Content: req.Message, Mode: req.Mode})
	logger.Info("turn started", "turn_id", turnID, "edit_mode", req.EditMode)

	plan := s.cfg.Planner(req.Message)
	allowAll := req.EditMode == protocol.EditModeAllow
	var written []PlannedFile

	for i, f := range plan.Files {
		call := protocol.ToolCall{
			ID:        fmt.Sprintf("call_%d", i+1),
			Name:      "write_file",
			Arguments: map[string]any{"path": f.Path},
		}
		step := protocol.StepRecord{Iteration: i + 1, ToolCalls: []protocol.ToolCall{call}}
		if i == 0 {
			step.Thought = plan.Thought
		}

		result := protocol.ToolResult{ToolCallID: call.ID, Name: call.Name}
		if req.EditMode == protocol.EditModePlan {
			result.Content = "skipped: plan mode"
		} else {
			if !allowAll {
				d, err := s.approve(ctx, req, turnID, call, emit)
				if err != nil {
					return err
				}
				switch d {
				case protocol.DecisionStop:
					logger.Info("turn stopped by user", "turn_id", turnID)
					return errStopped
				case protocol.DecisionAllowAll:
					allowAll = true
				}
			}
			written = append(written, f)
			result.Content = fmt.Sprintf("wrote %d bytes to %s", len(f.Content), f.Path)
		}
		step.ToolResults = []protocol.ToolResult{result}

		if req.Mode == protocol.ModeIterative {
			if err := s.pace(ctx); err != nil {
				return err
			}
			if err := emit(protocol.AgentStep{Step: step}); err != nil {
				return err
			}
		}
	}

	final := plan.Reply
	if req.Mode == protocol.ModeStreaming {
		final = streamText(plan.Reply, written)
		for _, chunk := range splitChunks(final, s.cfg.ChunkSize) {
			if err := s.pace(ctx); err != nil {
				return err
			}
			if err := emit(protocol.Stream{Content: chunk}); err != nil {
				return err
			}
		}
		for _, f := range written {
			if err := emit(protocol.FileReady{FilePath: f.Path, Content: f.Content}); err != nil {
				return err
			}
		}
	}
	if err := emit(protocol.Complete{FinalResponse: final}); err != nil {
		return err
	}

	if err := s.cfg.Store.AppendMessage(req.SessionID, sessions.Message{
		ID: "assistant:" + turnID, TurnID: turnID, Role: "assistant", Content: final,
	}); err != nil {
		logger.Warn("record reply failed", "turn_id", turnID, "error", err)
	}
	s.publish(req.SessionID, req.Mode, events.CompletePayload{TurnID: turnID, Mode: req.Mode, FinalText: final})
	logger.Info("turn completed", "turn_id", turnID, "files", len(written))
	return nil
}

func (s *Server) approve(ctx context.Context, req turnRequest, turnID string, call protocol.ToolCall, emit emitFunc) (protocol.Decision, error) {
	ar := protocol.ToolApprovalRequest{
		ID:          uuid.NewString(),
		ToolName:    call.Name,
		Parameters:  call.Arguments,
		Description: fmt.Sprintf("Write %v", call.Arguments["path"]),
	}
	ch := s.approvals.open(ar.ID)
	if err := emit(protocol.ApprovalRequired{Request: ar}); err != nil {
		s.approvals.drop(ar.ID)
		return "", err
	}
	s.publish(req.SessionID, req.Mode, events.ApprovalRequiredPayload{TurnID: turnID, Request: ar})

	d, err := s.approvals.wait(ctx, ar.ID, ch)
	if err != nil {
		return "", err
	}
	s.publish(req.SessionID, req.Mode, events.ApprovalResolvedPayload{
		TurnID: turnID, ApprovalID: ar.ID, ToolName: ar.ToolName, Decision: d,
	})
	return d, nil
}

// finish reports the outcome of runTurn to the client. A stop or a closed
// client ends the turn silently.
func (s *Server) finish(err error, emit emitFunc) {
	if err == nil || errors.Is(err, errStopped) || errors.Is(err, context.Canceled) {
		return
	}
	s.logger.Error("turn failed", "error", err)
	if emitErr := emit(protocol.Error{Message: err.Error()}); emitErr != nil {
		s.logger.Debug("report turn failure", "error", emitErr)
	}
}

func (s *Server) pace(ctx context.Context) error {
	if s.cfg.ChunkDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.cfg.ChunkDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) publish(sessionID string, mode protocol.Mode, p events.EventPayload) {
	source := events.SourceSocket
	if mode == protocol.ModeIterative {
		source = events.SourceIterative
	}
	s.cfg.Bus.Publish(events.NewTypedEventWithSession(source, p, sessionID))
}

// streamText is the cumulative text of a streaming turn: the reply followed by
// one fenced segment per written file.
func streamText(reply string, files []PlannedFile) string {
	var b strings.Builder
	b.WriteString(reply)
	b.WriteString("\n\n")
	for _, f := range files {
		b.WriteString(fileBlock(f))
	}
	return b.String()
}

// splitChunks cuts s into pieces of at most size bytes on rune boundaries.
func splitChunks(s string, size int) []string {
	if size <= 0 || len(s) <= size {
		return []string{s}
	}
	var out []string
	for len(s) > size {
		cut := size
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			_, cut = utf8.DecodeRuneInString(s)
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
