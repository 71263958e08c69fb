package sessions

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileStore persists sessions as directories with meta.json + messages.jsonl.
type FileStore struct {
	mu      sync.RWMutex
	baseDir string
	now     func() time.Time
}

// NewFileStore creates a FileStore rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir, now: time.Now}
}

func (fs *FileStore) sessionDir(id string) string {
	return filepath.Join(fs.baseDir, id)
}

func (fs *FileStore) metaPath(id string) string {
	return filepath.Join(fs.sessionDir(id), "meta.json")
}

func (fs *FileStore) messagesPath(id string) string {
	return filepath.Join(fs.sessionDir(id), "messages.jsonl")
}

// NewID returns a fresh session id.
func NewID() string {
	u := uuid.New().String()
	return "sess_" + strings.ReplaceAll(u[:8], "-", "")
}

func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}

// Create initialises a session directory. An empty id is generated; an
// existing id is an error.
func (fs *FileStore) Create(id string, init Session) (*Session, error) {
	if id == "" {
		id = NewID()
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, err := fs.readMeta(id); err == nil {
		return nil, fmt.Errorf("session %s already exists", id)
	}
	return fs.createLocked(id, init)
}

// Ensure returns the session, creating it from init when missing.
func (fs *FileStore) Ensure(id string, init Session) (*Session, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	s, err := fs.readMeta(id)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return fs.createLocked(id, init)
}

func (fs *FileStore) createLocked(id string, init Session) (*Session, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	now := fs.now()
	s := init
	s.ID = id
	s.Status = StatusActive
	s.MessageCount = 0
	s.CreatedAt = now
	s.UpdatedAt = now

	if err := os.MkdirAll(fs.sessionDir(id), 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	if err := fs.writeMeta(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Get reads session metadata by ID.
func (fs *FileStore) Get(id string) (*Session, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	return fs.readMeta(id)
}

// List returns all sessions sorted by UpdatedAt descending.
func (fs *FileStore) List() ([]*Session, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	entries, err := os.ReadDir(fs.baseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions dir: %w", err)
	}

	var out []*Session
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		s, err := fs.readMeta(entry.Name())
		if err != nil {
			continue // skip corrupted sessions
		}
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// UpdateMeta atomically rewrites a session's meta.json.
func (fs *FileStore) UpdateMeta(s *Session) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.writeMeta(s)
}

// Close marks a session as closed.
func (fs *FileStore) Close(id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	s, err := fs.readMeta(id)
	if err != nil {
		return err
	}
	s.Status = StatusClosed
	s.UpdatedAt = fs.now()
	return fs.writeMeta(s)
}

// AppendMessage appends a message and updates the meta counters. The first
// user message titles the session.
func (fs *FileStore) AppendMessage(sessionID string, msg Message) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	s, err := fs.readMeta(sessionID)
	if err != nil {
		return err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = fs.now()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	f, err := os.OpenFile(fs.messagesPath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open messages file: %w", err)
	}
	_, werr := f.Write(append(data, '\n'))
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("write message: %w", werr)
	}

	s.MessageCount++
	s.UpdatedAt = fs.now()
	if s.Title == "" && msg.Role == "user" {
		s.Title = titleFrom(msg.Content)
	}
	return fs.writeMeta(s)
}

// LoadMessages reads all messages of a session in append order.
func (fs *FileStore) LoadMessages(sessionID string) ([]Message, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	return fs.loadMessages(sessionID)
}

// Page returns the 1-based page of messages and whether more follow.
func (fs *FileStore) Page(sessionID string, page, limit int) ([]Message, bool, error) {
	if page < 1 || limit < 1 {
		return nil, false, fmt.Errorf("invalid page %d/limit %d", page, limit)
	}
	msgs, err := fs.LoadMessages(sessionID)
	if err != nil {
		return nil, false, err
	}
	start := (page - 1) * limit
	if start >= len(msgs) {
		return []Message{}, false, nil
	}
	end := min(start+limit, len(msgs))
	return msgs[start:end], end < len(msgs), nil
}

// ClearMessages drops the message log and resets the counter.
func (fs *FileStore) ClearMessages(sessionID string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	s, err := fs.readMeta(sessionID)
	if err != nil {
		return err
	}
	if err := os.Remove(fs.messagesPath(sessionID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove messages: %w", err)
	}
	s.MessageCount = 0
	s.UpdatedAt = fs.now()
	return fs.writeMeta(s)
}

func (fs *FileStore) loadMessages(sessionID string) ([]Message, error) {
	if err := validID(sessionID); err != nil {
		return nil, err
	}
	f, err := os.Open(fs.messagesPath(sessionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open messages file: %w", err)
	}
	defer f.Close()

	var messages []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue // skip corrupted lines
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan messages: %w", err)
	}
	return messages, nil
}

// writeMeta atomically writes meta.json using a temp file + rename.
func (fs *FileStore) writeMeta(s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}

	path := fs.metaPath(s.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write meta tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename meta: %w", err)
	}
	return nil
}

func (fs *FileStore) readMeta(id string) (*Session, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fs.metaPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read meta: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return &s, nil
}
