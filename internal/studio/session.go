// Package studio assembles one conversation: the persistent connection, both
// execution variants, approvals and the transcript, all joined by an event bus.
package studio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dohr-michael/studio/internal/api"
	"github.com/dohr-michael/studio/internal/approval"
	"github.com/dohr-michael/studio/internal/clock"
	"github.com/dohr-michael/studio/internal/conn"
	"github.com/dohr-michael/studio/internal/events"
	"github.com/dohr-michael/studio/internal/execution"
	"github.com/dohr-michael/studio/internal/protocol"
	"github.com/dohr-michael/studio/internal/sessions"
	"github.com/dohr-michael/studio/internal/storage"
	"github.com/dohr-michael/studio/internal/transcript"
)

var (
	ErrEmptyMessage  = errors.New("message is empty")
	ErrNoSocket      = errors.New("no socket configured")
	ErrNoRESTClient  = errors.New("no REST client configured")
	ErrSessionClosed = errors.New("session is closed")
)

// Backend is the REST surface a Session needs. *api.Client implements it.
type Backend interface {
	FetchAllMessages(ctx context.Context, sessionID string) ([]api.HistoryMessage, error)
	ClearHistory(ctx context.Context, sessionID string) error
	approval.Responder
	execution.Transport
}

type Config struct {
	SessionID string
	ProjectID string
	AgentID   string

	Mode       protocol.Mode
	EditMode   protocol.EditMode
	WriteTools []string

	// SocketURL enables the persistent connection used by streaming turns.
	SocketURL  string
	Credential string
	Dialer     conn.Dialer

	// Backend serves history, REST approvals and iterative runs.
	Backend Backend

	// Archive keeps a local copy of settled transcript entries. Without a
	// Backend it is also the history source.
	Archive sessions.Store
	// Journal records every bus event except stream chunks.
	Journal *storage.EventLog

	HeartbeatInterval time.Duration
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxAttempts       int
	CancelWindow      time.Duration

	HistorySize int
	Clock       clock.Clock
	Notifier    transcript.Notifier
	OnChange    func(transcript.Change)
	Logger      *slog.Logger
	// NewID generates turn ids. Defaults to uuid.NewString.
	NewID func() string
}

// Session is one conversation with the agent. At most one Turn runs at a time.
type Session struct {
	cfg    Config
	logger *slog.Logger

	bus        *events.Bus
	transcript *transcript.Store
	perms      *approval.Permissions
	approvals  *approval.Coordinator
	streaming  *execution.Streaming
	iterative  *execution.Iterative
	gesture    *execution.CancelGesture
	conn       *conn.Manager
	archiver   *sessions.Archiver

	unsubs []func()

	mu     sync.Mutex
	mode   protocol.Mode
	closed bool
}

func New(cfg Config) (*Session, error) {
	if cfg.SessionID == "" {
		cfg.SessionID = "sess_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
	}
	if cfg.Mode == "" {
		cfg.Mode = protocol.ModeStreaming
	}
	if _, err := protocol.ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}
	if cfg.Mode == protocol.ModeStreaming && cfg.SocketURL == "" {
		return nil, fmt.Errorf("streaming mode: %w", ErrNoSocket)
	}
	if cfg.Mode == protocol.ModeIterative && cfg.Backend == nil {
		return nil, fmt.Errorf("iterative mode: %w", ErrNoRESTClient)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", cfg.SessionID)

	s := &Session{
		cfg:    cfg,
		logger: logger.With("component", "session"),
		bus:    events.NewBus(cfg.HistorySize),
		mode:   cfg.Mode,
	}

	onChange := cfg.OnChange
	if cfg.Archive != nil {
		a, err := sessions.NewArchiver(cfg.Archive, sessions.Session{
			ID:        cfg.SessionID,
			ProjectID: cfg.ProjectID,
			AgentID:   cfg.AgentID,
			Mode:      string(cfg.Mode),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		s.archiver = a
		onChange = func(c transcript.Change) {
			a.Observe(c)
			if cfg.OnChange != nil {
				cfg.OnChange(c)
			}
		}
	}

	s.transcript = transcript.NewStore(transcript.Config{
		Notifier: cfg.Notifier,
		OnChange: onChange,
		Now:      cfg.Clock.Now,
		Logger:   logger,
	})
	s.perms = approval.NewPermissions(cfg.EditMode, cfg.WriteTools, s.bus, cfg.SessionID)
	s.approvals = approval.NewCoordinator(approval.Config{
		SessionID:   cfg.SessionID,
		Bus:         s.bus,
		Router:      s,
		Canceller:   s,
		Permissions: s.perms,
		Logger:      logger,
	})
	s.gesture = execution.NewCancelGesture(cfg.Clock, cfg.CancelWindow)

	if cfg.SocketURL != "" {
		s.conn = conn.NewManager(conn.Config{
			URL:               cfg.SocketURL,
			ProjectID:         cfg.ProjectID,
			Dialer:            cfg.Dialer,
			Clock:             cfg.Clock,
			Logger:            logger,
			HeartbeatInterval: cfg.HeartbeatInterval,
			BaseDelay:         cfg.BaseDelay,
			MaxDelay:          cfg.MaxDelay,
			MaxAttempts:       cfg.MaxAttempts,
			OnMessage:         s.onSocketMessage,
			OnStateChange:     s.onStateChange,
			OnProtocolError:   s.onProtocolError,
		})
		s.streaming = execution.NewStreaming(execution.StreamingConfig{
			SessionID: cfg.SessionID,
			ProjectID: cfg.ProjectID,
			AgentID:   cfg.AgentID,
			Sender:    s.conn,
			Bus:       s.bus,
			Logger:    logger,
		})
	}
	if cfg.Backend != nil {
		s.iterative = execution.NewIterative(execution.IterativeConfig{
			SessionID: cfg.SessionID,
			ProjectID: cfg.ProjectID,
			AgentID:   cfg.AgentID,
			Transport: cfg.Backend,
			Bus:       s.bus,
			Logger:    logger,
		})
	}

	// The transcript subscribes first so that later subscribers observe the
	// entry an event produced.
	s.unsubs = append(s.unsubs, s.transcript.Attach(s.bus), s.approvals.Attach(s.bus))
	if cfg.Journal != nil {
		s.unsubs = append(s.unsubs, cfg.Journal.Attach(s.bus))
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.cfg.SessionID }

// Bus exposes the event bus for observers such as the journal and archive.
func (s *Session) Bus() *events.Bus { return s.bus }

// Transcript returns the session's transcript store.
func (s *Session) Transcript() *transcript.Store { return s.transcript }

// Start loads persisted history and opens the socket. A history failure is
// reported through the Notifier and does not stop the session.
func (s *Session) Start(ctx context.Context) error {
	ctx = events.ContextWithSessionID(ctx, s.cfg.SessionID)
	if s.cfg.Backend != nil || s.cfg.Archive != nil {
		if err := s.loadHistory(ctx); err != nil {
			s.logger.Warn("history not loaded", "error", err)
			if s.cfg.Notifier != nil {
				s.cfg.Notifier.Notify(transcript.Notification{Title: "Could not load history", Detail: err.Error()})
			}
		}
	}
	if s.conn != nil {
		if err := s.conn.Connect(ctx, s.cfg.Credential); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
	}
	return nil
}

func (s *Session) loadHistory(ctx context.Context) error {
	sessionID := events.SessionIDFromContext(ctx)
	var history []api.HistoryMessage
	if s.cfg.Backend != nil {
		var err error
		if history, err = s.cfg.Backend.FetchAllMessages(ctx, sessionID); err != nil {
			return err
		}
	} else {
		archived, err := s.cfg.Archive.LoadMessages(sessionID)
		if err != nil {
			return err
		}
		for _, m := range archived {
			history = append(history, api.HistoryMessage(m))
		}
	}
	msgs := make([]transcript.Message, 0, len(history))
	for i, h := range history {
		msgs = append(msgs, historyMessage(i, h))
	}
	return s.transcript.LoadHistory(msgs)
}

func historyMessage(i int, h api.HistoryMessage) transcript.Message {
	msg := transcript.Message{
		ID:        h.ID,
		TurnID:    h.TurnID,
		Content:   h.Content,
		CreatedAt: h.CreatedAt,
	}
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("history:%d", i)
	}
	switch kind := transcript.Kind(h.Role); kind {
	case transcript.KindUser, transcript.KindAssistant, transcript.KindError:
		msg.Kind = kind
	default:
		msg.Kind = transcript.KindNotice
	}
	return msg
}

// Mode returns the execution mode new turns will use.
func (s *Session) Mode() protocol.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMode changes the mode of later turns. The running turn keeps its own.
func (s *Session) SetMode(mode protocol.Mode) error {
	if _, err := protocol.ParseMode(string(mode)); err != nil {
		return err
	}
	if mode == protocol.ModeStreaming && s.streaming == nil {
		return fmt.Errorf("streaming mode: %w", ErrNoSocket)
	}
	if mode == protocol.ModeIterative && s.iterative == nil {
		return fmt.Errorf("iterative mode: %w", ErrNoRESTClient)
	}
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
	return nil
}

// EditMode returns the current permission level.
func (s *Session) EditMode() protocol.EditMode { return s.perms.Current() }

// ToggleEditMode advances ask → allow → plan → ask.
func (s *Session) ToggleEditMode() protocol.EditMode { return s.perms.Toggle() }

// ConnectionState returns the socket state, or Disconnected without a socket.
func (s *Session) ConnectionState() conn.State {
	if s.conn == nil {
		return conn.StateDisconnected
	}
	return s.conn.State()
}

// Submit starts a turn with the session's current mode and edit mode.
func (s *Session) Submit(ctx context.Context, text string) (execution.Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return execution.Turn{}, ErrEmptyMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return execution.Turn{}, ErrSessionClosed
	}
	if _, ok := s.activeTurn(); ok {
		return execution.Turn{}, execution.ErrTurnActive
	}

	turn := execution.Turn{
		ID:        s.cfg.NewID(),
		SessionID: s.cfg.SessionID,
		Text:      text,
		Mode:      s.mode,
		EditMode:  s.perms.Current(),
		CreatedAt: s.cfg.Clock.Now(),
	}
	s.gesture.Reset()
	s.bus.Publish(events.NewTypedEventWithSession(events.SourceUser,
		events.UserMessagePayload{TurnID: turn.ID, Content: text, Mode: turn.Mode}, s.cfg.SessionID))

	var err error
	switch turn.Mode {
	case protocol.ModeStreaming:
		err = s.streaming.Submit(ctx, turn)
	case protocol.ModeIterative:
		err = s.iterative.Submit(ctx, turn)
	}
	if err != nil {
		return turn, err
	}
	s.logger.Info("turn submitted", "turn_id", turn.ID, "mode", turn.Mode, "edit_mode", turn.EditMode)
	return turn, nil
}

// Ask submits text and waits for the turn's terminal event.
func (s *Session) Ask(ctx context.Context, text string) (events.Event, error) {
	ch, unsub := s.bus.SubscribeChan(8, events.EventComplete, events.EventError, events.EventCancelled)
	defer unsub()

	turn, err := s.Submit(ctx, text)
	if err != nil {
		return events.Event{}, err
	}
	for {
		select {
		case e := <-ch:
			if events.TurnID(e) == turn.ID {
				return e, nil
			}
		case <-ctx.Done():
			return events.Event{}, ctx.Err()
		}
	}
}

// activeTurn returns the running turn of either variant.
func (s *Session) activeTurn() (execution.Turn, bool) {
	if s.streaming != nil {
		if t, ok := s.streaming.Active(); ok {
			return t, true
		}
	}
	if s.iterative != nil {
		if t, ok := s.iterative.Active(); ok {
			return t, true
		}
	}
	return execution.Turn{}, false
}

// ActiveTurn returns the running turn.
func (s *Session) ActiveTurn() (execution.Turn, bool) { return s.activeTurn() }

// TriggerCancel registers one press of the cancel gesture. Only iterative
// turns can be cancelled this way; the second press inside the window stops
// the run.
func (s *Session) TriggerCancel() execution.GestureResult {
	if s.iterative == nil {
		return execution.GestureIgnored
	}
	if _, ok := s.iterative.Active(); !ok {
		s.gesture.Reset()
		return execution.GestureIgnored
	}
	res := s.gesture.Trigger()
	if res == execution.GestureFired {
		if err := s.iterative.Cancel(); err != nil {
			s.logger.Debug("cancel after gesture", "error", err)
			return execution.GestureIgnored
		}
	}
	return res
}

// CancelTurn ends the running turn. It is called for a stop decision.
func (s *Session) CancelTurn() error {
	if s.streaming != nil {
		if _, ok := s.streaming.Active(); ok {
			return s.streaming.Cancel()
		}
	}
	if s.iterative != nil {
		if _, ok := s.iterative.Active(); ok {
			return s.iterative.Cancel()
		}
	}
	return execution.ErrNoActiveTurn
}

// ActiveResponder picks the channel for an approval answer: the socket for a
// streaming turn, REST for an iterative one. Without an active turn the socket
// is used when it is connected.
func (s *Session) ActiveResponder() (approval.Responder, error) {
	if t, ok := s.activeTurn(); ok {
		if t.Mode == protocol.ModeStreaming {
			return socketResponder{s.conn}, nil
		}
		return s.cfg.Backend, nil
	}
	if s.conn != nil && s.conn.State() == conn.StateConnected {
		return socketResponder{s.conn}, nil
	}
	if s.cfg.Backend != nil {
		return s.cfg.Backend, nil
	}
	return nil, ErrNoRESTClient
}

// Respond answers the pending approval.
func (s *Session) Respond(ctx context.Context, approvalID string, decision protocol.Decision) error {
	return s.approvals.Respond(ctx, approvalID, decision)
}

// PendingApproval returns the unresolved approval request, if any.
func (s *Session) PendingApproval() (protocol.ToolApprovalRequest, bool) {
	return s.approvals.Pending()
}

// ClearHistory deletes the persisted history and the local archive, then
// empties the transcript.
func (s *Session) ClearHistory(ctx context.Context) error {
	if s.cfg.Backend == nil && s.archiver == nil {
		return ErrNoRESTClient
	}
	if _, ok := s.activeTurn(); ok {
		return execution.ErrTurnActive
	}
	if s.cfg.Backend != nil {
		if err := s.cfg.Backend.ClearHistory(ctx, s.cfg.SessionID); err != nil {
			return err
		}
	}
	if s.archiver != nil {
		if err := s.archiver.Reset(); err != nil {
			return fmt.Errorf("clear archive: %w", err)
		}
	}
	s.transcript.Clear()
	return nil
}

// Messages returns the transcript in order.
func (s *Session) Messages() []transcript.Message { return s.transcript.Messages() }

// Flush waits until every event published so far has been applied.
func (s *Session) Flush(ctx context.Context) error { return s.bus.Flush(ctx) }

// Close stops the running turn, closes the socket and drains the bus.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	if s.iterative != nil {
		if err := s.iterative.Cancel(); err == nil {
			if err := s.iterative.Wait(ctx); err != nil {
				errs = append(errs, fmt.Errorf("wait for run: %w", err))
			}
		}
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close socket: %w", err))
		}
	}
	s.gesture.Reset()
	s.bus.Close()
	for _, unsub := range s.unsubs {
		unsub()
	}
	return errors.Join(errs...)
}

func (s *Session) onSocketMessage(msg protocol.Inbound) {
	s.streaming.Handle(msg)
}

func (s *Session) onProtocolError(err error) {
	s.streaming.ProtocolError(err)
}

func (s *Session) onStateChange(c conn.StateChange) {
	p := events.ConnectionStatePayload{State: c.To.String(), Attempt: c.Attempt, Delay: c.Delay}
	if c.Err != nil {
		p.Error = c.Err.Error()
	}
	if c.To == conn.StateFailed {
		s.logger.Error("connection failed", "error", p.Error)
	} else {
		s.logger.Debug("connection state", "from", c.From, "to", c.To, "attempt", c.Attempt)
	}
	s.bus.Publish(events.NewTypedEventWithSession(events.SourceSession, p, s.cfg.SessionID))
}

// socketResponder answers approvals with an approval_response envelope.
type socketResponder struct {
	conn *conn.Manager
}

func (r socketResponder) RespondApproval(ctx context.Context, id string, decision protocol.Decision) error {
	if r.conn == nil {
		return ErrNoSocket
	}
	return r.conn.Send(ctx, protocol.NewApprovalResponse(id, decision))
}
