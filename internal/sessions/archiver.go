package sessions

import (
	"log/slog"
	"sync"

	"github.com/dohr-michael/studio/internal/transcript"
)

var archivedKinds = map[transcript.Kind]bool{
	transcript.KindUser:      true,
	transcript.KindAssistant: true,
	transcript.KindError:     true,
	transcript.KindNotice:    true,
}

// Archiver copies finalized transcript entries of one session into a Store.
// Each entry is written once; ephemeral entries wait until they settle.
type Archiver struct {
	store     Store
	sessionID string
	logger    *slog.Logger

	mu   sync.Mutex
	seen map[string]bool
}

// NewArchiver ensures the session exists and remembers what is already archived.
func NewArchiver(store Store, init Session, logger *slog.Logger) (*Archiver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := store.Ensure(init.ID, init); err != nil {
		return nil, err
	}
	existing, err := store.LoadMessages(init.ID)
	if err != nil {
		return nil, err
	}
	a := &Archiver{
		store:     store,
		sessionID: init.ID,
		logger:    logger.With("component", "archiver", "session_id", init.ID),
		seen:      make(map[string]bool, len(existing)),
	}
	for _, m := range existing {
		a.seen[m.ID] = true
	}
	return a, nil
}

// Observe is a transcript change callback.
func (a *Archiver) Observe(c transcript.Change) {
	if c.Op != transcript.OpUpsert {
		return
	}
	m := c.Message
	if m.Ephemeral || !archivedKinds[m.Kind] {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.seen[m.ID] {
		return
	}
	content := m.Content
	if content == "" {
		content = m.Display
	}
	err := a.store.AppendMessage(a.sessionID, Message{
		ID:        m.ID,
		TurnID:    m.TurnID,
		Role:      string(m.Kind),
		Content:   content,
		CreatedAt: m.CreatedAt,
	})
	if err != nil {
		a.logger.Warn("archive message failed", "message_id", m.ID, "error", err)
		return
	}
	a.seen[m.ID] = true
}

// Reset forgets the archived entries after the history was cleared.
func (a *Archiver) Reset() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.store.ClearMessages(a.sessionID); err != nil {
		return err
	}
	a.seen = make(map[string]bool)
	return nil
}
