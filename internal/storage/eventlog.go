// Package storage keeps the local SQLite journal of bus events.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dohr-michael/studio/internal/events"
)

// tsLayout is fixed width so stored timestamps sort as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL DEFAULT '',
	turn_id TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	source TEXT NOT NULL,
	ts TEXT NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_events_turn ON events(turn_id, seq);
`

// Record is one journaled event.
type Record struct {
	Seq       int64              `json:"seq" yaml:"seq"`
	EventID   string             `json:"event_id" yaml:"event_id"`
	SessionID string             `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	TurnID    string             `json:"turn_id,omitempty" yaml:"turn_id,omitempty"`
	Type      events.EventType   `json:"type" yaml:"type"`
	Source    events.EventSource `json:"source" yaml:"source"`
	Timestamp time.Time          `json:"timestamp" yaml:"timestamp"`
	Payload   json.RawMessage    `json:"payload" yaml:"-"`
}

// Query filters Recent. Zero fields match everything.
type Query struct {
	SessionID string
	TurnID    string
	Type      events.EventType
	Limit     int
}

// EventLog persists bus events to SQLite.
type EventLog struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the journal at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*EventLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close()
		return nil, fmt.Errorf("chmod journal: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &EventLog{db: db, logger: logger.With("component", "journal")}, nil
}

func (l *EventLog) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Attach journals every bus event except stream chunks, which are redundant
// with the completed turn.
func (l *EventLog) Attach(bus *events.Bus) func() {
	return bus.Subscribe(func(e events.Event) {
		if e.Type == events.EventStreamChunk {
			return
		}
		if err := l.Record(context.Background(), e); err != nil {
			l.logger.Warn("journal event failed", "event_type", e.Type, "error", err)
		}
	})
}

// Record stores one event. Recording the same event id twice is a no-op.
func (l *EventLog) Record(ctx context.Context, e events.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err = l.db.ExecContext(ctx, `
INSERT INTO events(event_id, session_id, turn_id, type, source, ts, payload)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(event_id) DO NOTHING
`, e.ID, e.SessionID, events.TurnID(e), string(e.Type), string(e.Source), ts(e.Timestamp), string(payload))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Recent returns the last q.Limit matching records, oldest first.
func (l *EventLog) Recent(ctx context.Context, q Query) ([]Record, error) {
	var where []string
	var args []any
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.TurnID != "" {
		where = append(where, "turn_id = ?")
		args = append(args, q.TurnID)
	}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(q.Type))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT seq, event_id, session_id, turn_id, type, source, ts, payload FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var typ, source, stamp, payload string
		if err := rows.Scan(&r.Seq, &r.EventID, &r.SessionID, &r.TurnID, &typ, &source, &stamp, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		r.Type = events.EventType(typ)
		r.Source = events.EventSource(source)
		r.Payload = json.RawMessage(payload)
		if r.Timestamp, err = time.Parse(tsLayout, stamp); err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", stamp, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Prune deletes records older than cutoff and returns how many went.
func (l *EventLog) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, "DELETE FROM events WHERE ts < ?", ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}
