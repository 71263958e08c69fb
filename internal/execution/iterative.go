package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/dohr-michael/studio/internal/assembler"
	"github.com/dohr-michael/studio/internal/events"
	"github.com/dohr-michael/studio/internal/protocol"
)

// RunRequest opens one iterative run.
type RunRequest struct {
	SessionID string            `json:"session_id,omitempty"`
	ProjectID string            `json:"project_id,omitempty"`
	AgentID   string            `json:"agent_id,omitempty"`
	Message   string            `json:"message"`
	EditMode  protocol.EditMode `json:"edit_mode"`
}

// StepStream yields the records of a run. Next returns io.EOF when the server
// closes the stream.
type StepStream interface {
	Next() (protocol.Inbound, error)
	Close() error
}

// Transport opens run streams. *api.Client implements it.
type Transport interface {
	OpenRun(ctx context.Context, req RunRequest) (StepStream, error)
}

type IterativeConfig struct {
	SessionID string
	ProjectID string
	AgentID   string
	Transport Transport
	Bus       events.Publisher
	Logger    *slog.Logger
	// NewID generates placeholder ids. Defaults to uuid.NewString.
	NewID func() string
}

// Iterative runs turns as cancellable requests. A thinking placeholder stands
// for the turn until its terminal event. Cancellation is checked between
// records only.
type Iterative struct {
	cfg    IterativeConfig
	logger *slog.Logger

	mu  sync.Mutex
	run *run
}

type run struct {
	turn        Turn
	placeholder string
	ctx         context.Context
	cancel      context.CancelFunc
	stop        chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
	lastIter    int
}

func (r *run) requestStop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *run) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

type record struct {
	msg protocol.Inbound
	err error
}

func NewIterative(cfg IterativeConfig) *Iterative {
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Iterative{cfg: cfg, logger: logger.With("component", "iterative")}
}

// Submit starts the run in the background and returns once the thinking
// placeholder has been published.
func (it *Iterative) Submit(ctx context.Context, turn Turn) error {
	it.mu.Lock()
	if it.run != nil {
		it.mu.Unlock()
		return ErrTurnActive
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		turn:        turn,
		placeholder: "thinking:" + it.cfg.NewID(),
		ctx:         runCtx,
		cancel:      cancel,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	it.run = r
	it.mu.Unlock()

	it.publish(events.ThinkingPayload{TurnID: turn.ID, PlaceholderID: r.placeholder})
	go it.loop(r)
	return nil
}

func (it *Iterative) loop(r *run) {
	defer close(r.done)
	defer r.cancel()
	defer it.release(r)

	stream, err := it.cfg.Transport.OpenRun(r.ctx, RunRequest{
		SessionID: it.cfg.SessionID,
		ProjectID: it.cfg.ProjectID,
		AgentID:   it.cfg.AgentID,
		Message:   r.turn.Text,
		EditMode:  r.turn.EditMode,
	})
	if err != nil {
		if r.stopped() {
			it.cancelled(r)
			return
		}
		it.logger.Warn("open run failed", "turn_id", r.turn.ID, "error", err)
		it.failed(r, events.ErrorKindTransport, fmt.Sprintf("open run: %v", err))
		return
	}
	defer stream.Close()

	records := make(chan record)
	go func() {
		for {
			msg, err := stream.Next()
			select {
			case records <- record{msg: msg, err: err}:
			case <-r.ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.stop:
			it.cancelled(r)
			return
		case rec := <-records:
			if r.stopped() {
				it.cancelled(r)
				return
			}
			if rec.err != nil {
				it.streamFailed(r, rec.err)
				return
			}
			if done := it.handle(r, rec.msg); done {
				return
			}
		}
	}
}

// handle processes one record and reports whether the run ended.
func (it *Iterative) handle(r *run, msg protocol.Inbound) bool {
	switch m := msg.(type) {
	case protocol.AgentStep:
		if m.Step.Iteration <= r.lastIter {
			it.logger.Warn("out-of-order step dropped",
				"turn_id", r.turn.ID, "iteration", m.Step.Iteration, "last", r.lastIter)
			return false
		}
		r.lastIter = m.Step.Iteration
		it.publish(events.StepPayload{TurnID: r.turn.ID, PlaceholderID: r.placeholder, Step: m.Step})

	case protocol.Complete:
		res := assembler.New().Feed(m.FinalResponse)
		it.release(r)
		it.publish(events.CompletePayload{
			TurnID:        r.turn.ID,
			PlaceholderID: r.placeholder,
			Mode:          protocol.ModeIterative,
			FinalText:     m.FinalResponse,
			Display:       res.Display,
			Files:         fileRefs(res.Segments),
		})
		return true

	case protocol.Error:
		it.failed(r, events.ErrorKindExecution, m.Message)
		return true

	case protocol.ApprovalRequired:
		it.publish(events.ApprovalRequiredPayload{TurnID: r.turn.ID, Request: m.Request})

	case protocol.FileReady:
		it.publish(events.FileReadyPayload{TurnID: r.turn.ID, Path: m.FilePath, Content: m.Content})

	case protocol.Stream, protocol.Pong:
		it.logger.Debug("ignoring record in iterative run", "type", msg.MessageType())

	default:
		it.logger.Warn("unhandled record", "type", msg.MessageType())
	}
	return false
}

func (it *Iterative) streamFailed(r *run, err error) {
	switch {
	case errors.Is(err, io.EOF):
		it.failed(r, events.ErrorKindProtocol, "run stream ended without a final response")
	case errors.Is(err, protocol.ErrMalformed), errors.Is(err, protocol.ErrUnknownType):
		it.logger.Warn("protocol error in run stream", "turn_id", r.turn.ID, "error", err)
		it.failed(r, events.ErrorKindProtocol, err.Error())
	default:
		it.logger.Warn("run stream failed", "turn_id", r.turn.ID, "error", err)
		it.failed(r, events.ErrorKindTransport, err.Error())
	}
}

// release detaches r so that a new turn can start as soon as the terminal
// event is observed.
func (it *Iterative) release(r *run) {
	it.mu.Lock()
	if it.run == r {
		it.run = nil
	}
	it.mu.Unlock()
}

func (it *Iterative) failed(r *run, kind events.ErrorKind, reason string) {
	it.release(r)
	it.publish(events.ErrorPayload{TurnID: r.turn.ID, PlaceholderID: r.placeholder, Kind: kind, Reason: reason})
}

func (it *Iterative) cancelled(r *run) {
	it.release(r)
	it.logger.Info("turn cancelled", "turn_id", r.turn.ID)
	it.publish(events.CancelledPayload{TurnID: r.turn.ID, PlaceholderID: r.placeholder})
}

// Cancel asks the active run to stop at the next record boundary. The
// Cancelled event is published by the run itself, exactly once.
func (it *Iterative) Cancel() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.run == nil {
		return ErrNoActiveTurn
	}
	it.run.requestStop()
	return nil
}

// Active returns the running turn.
func (it *Iterative) Active() (Turn, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.run == nil {
		return Turn{}, false
	}
	return it.run.turn, true
}

// Wait blocks until the active run, if any, has finished.
func (it *Iterative) Wait(ctx context.Context) error {
	it.mu.Lock()
	r := it.run
	it.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (it *Iterative) publish(p events.EventPayload) {
	it.cfg.Bus.Publish(events.NewTypedEventWithSession(events.SourceIterative, p, it.cfg.SessionID))
}
