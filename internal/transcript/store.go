package transcript

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dohr-michael/studio/internal/events"
	"github.com/dohr-michael/studio/internal/protocol"
)

var ErrHistoryLoaded = errors.New("history already loaded")

// ChangeOp is the kind of change reported to OnChange.
type ChangeOp int

const (
	OpUpsert ChangeOp = iota
	OpRemove
	OpReset
)

// Change describes one mutation of the transcript.
type Change struct {
	Op      ChangeOp
	Message Message
}

type Config struct {
	Notifier Notifier
	// OnChange is called after every mutation, outside the store lock.
	OnChange func(Change)
	Now      func() time.Time
	Logger   *slog.Logger
}

// Store is the ordered transcript of one session.
type Store struct {
	cfg    Config
	logger *slog.Logger

	mu            sync.RWMutex
	msgs          []Message
	index         map[string]int
	historyLoaded bool
	// terminal records the terminal event type of each finished turn.
	terminal map[string]events.EventType
	chunkSeq map[string]int
	// ready holds the file_ready paths of unfinished turns so that later
	// chunks and the final response keep them.
	ready map[string][]string
}

func NewStore(cfg Config) *Store {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg:      cfg,
		logger:   logger.With("component", "transcript"),
		index:    make(map[string]int),
		terminal: make(map[string]events.EventType),
		chunkSeq: make(map[string]int),
		ready:    make(map[string][]string),
	}
}

// Attach subscribes the store to every transcript-relevant event on bus.
func (s *Store) Attach(bus *events.Bus) func() {
	return bus.Subscribe(s.Apply,
		events.EventUserMessage,
		events.EventThinking,
		events.EventStreamChunk,
		events.EventStep,
		events.EventFileReady,
		events.EventComplete,
		events.EventError,
		events.EventCancelled,
		events.EventApprovalRequired,
		events.EventApprovalResolved,
	)
}

// Apply folds one event into the transcript. Applying the same event twice
// leaves the transcript unchanged.
func (s *Store) Apply(e events.Event) {
	var changes []Change
	var note *Notification

	s.mu.Lock()
	switch p := e.Payload.(type) {
	case events.UserMessagePayload:
		changes = s.upsertLocked(Message{ID: userID(p.TurnID), TurnID: p.TurnID, Kind: KindUser, Content: p.Content}, -1)

	case events.ThinkingPayload:
		if s.finishedLocked(p.TurnID) {
			break
		}
		changes = s.upsertLocked(Message{ID: p.PlaceholderID, TurnID: p.TurnID, Kind: KindThinking, Ephemeral: true}, -1)

	case events.StreamChunkPayload:
		if s.finishedLocked(p.TurnID) || p.Seq <= s.chunkSeq[p.TurnID] {
			break
		}
		s.chunkSeq[p.TurnID] = p.Seq
		msg := Message{ID: assistantID(p.TurnID), TurnID: p.TurnID, Kind: KindAssistant, Ephemeral: true}
		if i, ok := s.index[msg.ID]; ok {
			msg = s.msgs[i]
		}
		msg.Content += p.Delta
		msg.Display = p.Display
		msg.Files = s.applyReadyLocked(p.TurnID, p.Files)
		changes = s.upsertLocked(msg, -1)

	case events.StepPayload:
		if s.finishedLocked(p.TurnID) {
			break
		}
		step := p.Step
		msg := Message{
			ID:      fmt.Sprintf("step:%s:%d", p.TurnID, step.Iteration),
			TurnID:  p.TurnID,
			Kind:    KindStep,
			Content: step.Thought,
			Step:    &step,
		}
		changes = s.upsertLocked(msg, s.stepPositionLocked(p.TurnID, p.PlaceholderID, step.Iteration))

	case events.FileReadyPayload:
		if !s.finishedLocked(p.TurnID) {
			s.ready[p.TurnID] = append(s.ready[p.TurnID], p.Path)
		}
		i, ok := s.index[assistantID(p.TurnID)]
		if !ok {
			break
		}
		msg := s.msgs[i]
		msg.Files = markFileReady(msg.Files, p.Path)
		changes = s.upsertLocked(msg, -1)

	case events.CompletePayload:
		if !s.beginTerminalLocked(p.TurnID, e.Type) {
			break
		}
		msg := Message{
			ID:      assistantID(p.TurnID),
			TurnID:  p.TurnID,
			Kind:    KindAssistant,
			Content: p.FinalText,
			Display: p.Display,
			Files:   s.applyReadyLocked(p.TurnID, p.Files),
		}
		delete(s.ready, p.TurnID)
		changes = s.finishLocked(msg, p.PlaceholderID)

	case events.ErrorPayload:
		first := s.terminal[p.TurnID] == ""
		if !s.beginTerminalLocked(p.TurnID, e.Type) {
			break
		}
		delete(s.ready, p.TurnID)
		msg := Message{ID: errorID(p.TurnID), TurnID: p.TurnID, Kind: KindError, Content: ApologyText}
		changes = s.finishLocked(msg, p.PlaceholderID)
		if first {
			note = &Notification{TurnID: p.TurnID, Title: errorTitle(p.Kind), Detail: p.Reason}
		}

	case events.CancelledPayload:
		if !s.beginTerminalLocked(p.TurnID, e.Type) {
			break
		}
		delete(s.ready, p.TurnID)
		msg := Message{ID: stoppedID(p.TurnID), TurnID: p.TurnID, Kind: KindNotice, Content: StoppedText}
		changes = s.finishLocked(msg, p.PlaceholderID)

	case events.ApprovalRequiredPayload:
		req := p.Request
		changes = s.upsertLocked(Message{
			ID:        approvalID(req.ID),
			TurnID:    p.TurnID,
			Kind:      KindApproval,
			Content:   approvalText(req),
			Approval:  &req,
			Ephemeral: true,
		}, -1)

	case events.ApprovalResolvedPayload:
		changes = s.removeLocked(approvalID(p.ApprovalID))
	}
	s.mu.Unlock()

	if note != nil && s.cfg.Notifier != nil {
		s.cfg.Notifier.Notify(*note)
	}
	s.emit(changes)
}

// LoadHistory places persisted messages ahead of the live ones. It may only be
// called once; entries whose id is already present are skipped.
func (s *Store) LoadHistory(history []Message) error {
	s.mu.Lock()
	if s.historyLoaded {
		s.mu.Unlock()
		return ErrHistoryLoaded
	}
	s.historyLoaded = true

	merged := make([]Message, 0, len(history)+len(s.msgs))
	seen := make(map[string]bool, len(history))
	for _, m := range history {
		if m.ID == "" || seen[m.ID] {
			continue
		}
		if _, live := s.index[m.ID]; live {
			continue
		}
		seen[m.ID] = true
		m.Persisted = true
		merged = append(merged, m)
	}
	merged = append(merged, s.msgs...)
	s.msgs = merged
	s.reindexLocked()
	s.mu.Unlock()

	s.emit([]Change{{Op: OpReset}})
	return nil
}

// Clear empties the transcript.
func (s *Store) Clear() {
	s.mu.Lock()
	s.msgs = nil
	s.index = make(map[string]int)
	s.terminal = make(map[string]events.EventType)
	s.chunkSeq = make(map[string]int)
	s.ready = make(map[string][]string)
	s.mu.Unlock()

	s.emit([]Change{{Op: OpReset}})
}

// Messages returns a copy of the transcript in order.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.msgs...)
}

// Get returns the entry with the given id.
func (s *Store) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return Message{}, false
	}
	return s.msgs[i], true
}

// Turn returns the entries of one turn in order.
func (s *Store) Turn(turnID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for _, m := range s.msgs {
		if m.TurnID == turnID {
			out = append(out, m)
		}
	}
	return out
}

func (s *Store) finishedLocked(turnID string) bool {
	return s.terminal[turnID] != ""
}

// beginTerminalLocked reports whether a terminal event of type t may be applied.
// The first terminal event of a turn wins; replays of it are allowed.
func (s *Store) beginTerminalLocked(turnID string, t events.EventType) bool {
	prev := s.terminal[turnID]
	if prev != "" && prev != t {
		s.logger.Debug("late terminal event ignored", "turn_id", turnID, "event", t, "first", prev)
		return false
	}
	s.terminal[turnID] = t
	return true
}

// finishLocked writes the terminal entry of a turn. It takes the place of the
// thinking placeholder when there is one, and always ends up as the last entry
// of its turn.
func (s *Store) finishLocked(msg Message, placeholderID string) []Change {
	var changes []Change
	if i, ok := s.index[placeholderID]; ok && placeholderID != "" {
		if _, exists := s.index[msg.ID]; exists {
			changes = append(changes, s.removeLocked(placeholderID)...)
		} else {
			removed := s.msgs[i]
			msg.CreatedAt = s.cfg.Now()
			delete(s.index, removed.ID)
			s.msgs[i] = msg
			s.index[msg.ID] = i
			s.moveToTurnEndLocked(msg.ID)
			return []Change{{Op: OpRemove, Message: removed}, {Op: OpUpsert, Message: msg}}
		}
	}
	changes = append(changes, s.upsertLocked(msg, -1)...)
	s.moveToTurnEndLocked(msg.ID)
	return changes
}

// upsertLocked replaces the entry with msg.ID in place, or inserts msg at pos
// (appending when pos < 0).
func (s *Store) upsertLocked(msg Message, pos int) []Change {
	if i, ok := s.index[msg.ID]; ok {
		msg.CreatedAt = s.msgs[i].CreatedAt
		msg.Persisted = s.msgs[i].Persisted
		s.msgs[i] = msg
		return []Change{{Op: OpUpsert, Message: msg}}
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.cfg.Now()
	}
	if pos < 0 || pos >= len(s.msgs) {
		s.msgs = append(s.msgs, msg)
		s.index[msg.ID] = len(s.msgs) - 1
	} else {
		s.msgs = append(s.msgs, Message{})
		copy(s.msgs[pos+1:], s.msgs[pos:])
		s.msgs[pos] = msg
		s.reindexLocked()
	}
	return []Change{{Op: OpUpsert, Message: msg}}
}

func (s *Store) removeLocked(id string) []Change {
	i, ok := s.index[id]
	if !ok {
		return nil
	}
	removed := s.msgs[i]
	s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
	s.reindexLocked()
	return []Change{{Op: OpRemove, Message: removed}}
}

// stepPositionLocked finds where a step with the given iteration goes: after
// the turn's earlier steps and before its placeholder.
func (s *Store) stepPositionLocked(turnID, placeholderID string, iteration int) int {
	for i, m := range s.msgs {
		if m.TurnID == turnID && m.Kind == KindStep && m.Step != nil && m.Step.Iteration > iteration {
			return i
		}
	}
	if i, ok := s.index[placeholderID]; ok {
		return i
	}
	return -1
}

// moveToTurnEndLocked moves the entry id after every other entry of its turn.
func (s *Store) moveToTurnEndLocked(id string) {
	i, ok := s.index[id]
	if !ok {
		return
	}
	msg := s.msgs[i]
	last := i
	for j := i + 1; j < len(s.msgs); j++ {
		if s.msgs[j].TurnID == msg.TurnID {
			last = j
		}
	}
	if last == i {
		return
	}
	copy(s.msgs[i:last], s.msgs[i+1:last+1])
	s.msgs[last] = msg
	s.reindexLocked()
}

func (s *Store) reindexLocked() {
	s.index = make(map[string]int, len(s.msgs))
	for i, m := range s.msgs {
		s.index[m.ID] = i
	}
}

func (s *Store) emit(changes []Change) {
	if s.cfg.OnChange == nil {
		return
	}
	for _, c := range changes {
		s.cfg.OnChange(c)
	}
}

// applyReadyLocked marks the buffered ready paths of turnID on files.
func (s *Store) applyReadyLocked(turnID string, files []events.FileRef) []events.FileRef {
	for _, path := range s.ready[turnID] {
		files = markFileReady(files, path)
	}
	return files
}

func markFileReady(files []events.FileRef, path string) []events.FileRef {
	out := append([]events.FileRef(nil), files...)
	for i := range out {
		if out[i].Path == path {
			out[i].Complete = true
			return out
		}
	}
	return append(out, events.FileRef{Path: path, Complete: true})
}

func errorTitle(kind events.ErrorKind) string {
	switch kind {
	case events.ErrorKindTransport:
		return "Connection problem"
	case events.ErrorKindProtocol:
		return "Unexpected response from the agent"
	}
	return "The agent reported an error"
}

func approvalText(req protocol.ToolApprovalRequest) string {
	if req.Description != "" {
		return req.Description
	}
	return "Approve " + req.ToolName + "?"
}
