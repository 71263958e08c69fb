// Package approval coordinates the human-in-the-loop pause: at most one tool
// approval is pending at a time, and the user's decision is routed back over
// whichever channel the active execution uses.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dohr-michael/studio/internal/events"
	"github.com/dohr-michael/studio/internal/protocol"
)

var (
	ErrNoPendingApproval = errors.New("no approval is pending")
	ErrApprovalMismatch  = errors.New("approval id does not match the pending request")
	ErrApprovalPending   = errors.New("another approval is already pending")
	ErrInvalidDecision   = errors.New("invalid approval decision")
)

// Responder delivers a decision to the server.
type Responder interface {
	RespondApproval(ctx context.Context, approvalID string, decision protocol.Decision) error
}

// Router picks the Responder for the execution that is currently active.
type Router interface {
	ActiveResponder() (Responder, error)
}

// TurnCanceller ends the current turn after a stop decision.
type TurnCanceller interface {
	CancelTurn() error
}

type Config struct {
	SessionID   string
	Bus         events.Publisher
	Router      Router
	Canceller   TurnCanceller
	Permissions *Permissions
	Logger      *slog.Logger
}

// Coordinator owns the single pending approval slot.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	pending *pendingApproval
}

type pendingApproval struct {
	turnID     string
	req        protocol.ToolApprovalRequest
	responding bool
}

func NewCoordinator(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{cfg: cfg, logger: logger.With("component", "approval")}
}

// Attach subscribes the coordinator to approval requests and turn terminal
// events on bus. It returns the unsubscribe function.
func (c *Coordinator) Attach(bus *events.Bus) func() {
	return bus.Subscribe(func(e events.Event) {
		switch p := e.Payload.(type) {
		case events.ApprovalRequiredPayload:
			_ = c.OnApprovalRequired(p.TurnID, p.Request)
		case events.CompletePayload, events.ErrorPayload, events.CancelledPayload:
			c.turnEnded(events.TurnID(e))
		}
	}, events.EventApprovalRequired, events.EventComplete, events.EventError, events.EventCancelled)
}

// OnApprovalRequired stores req as the pending request. A second request while
// one is pending is a protocol anomaly: it is logged and rejected, and the
// first request stays pending. The rejected request is published as resolved
// so that nothing keeps waiting on it.
func (c *Coordinator) OnApprovalRequired(turnID string, req protocol.ToolApprovalRequest) error {
	c.mu.Lock()
	if c.pending == nil {
		c.pending = &pendingApproval{turnID: turnID, req: req}
		c.mu.Unlock()
		c.logger.Info("approval required", "approval_id", req.ID, "tool", req.ToolName)
		return nil
	}
	pendingID := c.pending.req.ID
	c.mu.Unlock()

	if pendingID == req.ID {
		return nil
	}
	c.logger.Warn("overlapping approval request rejected",
		"pending_id", pendingID, "rejected_id", req.ID, "tool", req.ToolName)
	c.publish(events.ApprovalResolvedPayload{
		TurnID:     turnID,
		ApprovalID: req.ID,
		ToolName:   req.ToolName,
		Rejected:   true,
	})
	return ErrApprovalPending
}

// Pending returns the pending request.
func (c *Coordinator) Pending() (protocol.ToolApprovalRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return protocol.ToolApprovalRequest{}, false
	}
	return c.pending.req, true
}

// Respond answers the pending request. If delivery fails the request stays
// pending so the user can answer again.
func (c *Coordinator) Respond(ctx context.Context, approvalID string, decision protocol.Decision) error {
	if !decision.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	c.mu.Lock()
	p := c.pending
	switch {
	case p == nil:
		c.mu.Unlock()
		return ErrNoPendingApproval
	case p.req.ID != approvalID:
		c.mu.Unlock()
		return fmt.Errorf("%w: pending %s, got %s", ErrApprovalMismatch, p.req.ID, approvalID)
	case p.responding:
		c.mu.Unlock()
		return fmt.Errorf("approval %s: response already in flight", approvalID)
	}
	p.responding = true
	turnID, req := p.turnID, p.req
	c.mu.Unlock()

	if err := c.deliver(ctx, approvalID, decision); err != nil {
		c.mu.Lock()
		if c.pending == p {
			p.responding = false
		}
		c.mu.Unlock()
		return err
	}

	c.applyEffects(req, decision)

	c.mu.Lock()
	if c.pending == p {
		c.pending = nil
	}
	c.mu.Unlock()

	c.logger.Info("approval resolved", "approval_id", approvalID, "tool", req.ToolName, "decision", decision)
	c.publish(events.ApprovalResolvedPayload{
		TurnID:     turnID,
		ApprovalID: approvalID,
		ToolName:   req.ToolName,
		Decision:   decision,
	})
	return nil
}

func (c *Coordinator) deliver(ctx context.Context, approvalID string, decision protocol.Decision) error {
	responder, err := c.cfg.Router.ActiveResponder()
	if err != nil {
		return fmt.Errorf("route approval %s: %w", approvalID, err)
	}
	if err := responder.RespondApproval(ctx, approvalID, decision); err != nil {
		return fmt.Errorf("send approval %s: %w", approvalID, err)
	}
	return nil
}

func (c *Coordinator) applyEffects(req protocol.ToolApprovalRequest, decision protocol.Decision) {
	switch decision {
	case protocol.DecisionAllowOnce:
	case protocol.DecisionAllowAll:
		if c.cfg.Permissions != nil && c.cfg.Permissions.IsWriteTool(req.ToolName) {
			c.cfg.Permissions.Escalate("allow_all on " + req.ToolName)
		}
	case protocol.DecisionStop:
		if c.cfg.Canceller == nil {
			return
		}
		if err := c.cfg.Canceller.CancelTurn(); err != nil {
			c.logger.Warn("cancel after stop decision", "error", err)
		}
	}
}

// turnEnded drops a request whose turn finished before the user answered.
func (c *Coordinator) turnEnded(turnID string) {
	c.mu.Lock()
	p := c.pending
	if p == nil || p.turnID != turnID || p.responding {
		c.mu.Unlock()
		return
	}
	c.pending = nil
	c.mu.Unlock()

	c.logger.Info("approval dismissed, turn ended", "approval_id", p.req.ID)
	c.publish(events.ApprovalResolvedPayload{TurnID: turnID, ApprovalID: p.req.ID, ToolName: p.req.ToolName})
}

func (c *Coordinator) publish(p events.EventPayload) {
	if c.cfg.Bus == nil {
		return
	}
	c.cfg.Bus.Publish(events.NewTypedEventWithSession(events.SourceApproval, p, c.cfg.SessionID))
}
