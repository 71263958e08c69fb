package sessions

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestCreateGetRoundTrip(t *testing.T) {
	store := NewFileStore(t.TempDir())

	s, err := store.Create("", Session{ProjectID: "proj-1", Mode: "streaming"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(s.ID, "sess_") {
		t.Errorf("ID = %q, want sess_ prefix", s.ID)
	}
	if s.Status != StatusActive {
		t.Errorf("Status = %q, want %q", s.Status, StatusActive)
	}

	got, err := store.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != s.ID || got.ProjectID != "proj-1" {
		t.Errorf("Get = %+v", got)
	}

	if _, err := store.Create(s.ID, Session{}); err == nil {
		t.Fatal("Create with an existing id should fail")
	}
}

func TestGetNotFound(t *testing.T) {
	store := NewFileStore(t.TempDir())

	if _, err := store.Get("sess_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := store.Get("../etc"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("path traversal err = %v", err)
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	store := NewFileStore(t.TempDir())

	a, err := store.Ensure("sess_fixed", Session{AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	store.AppendMessage("sess_fixed", Message{ID: "m1", Role: "user", Content: "hi"})

	b, err := store.Ensure("sess_fixed", Session{AgentID: "other"})
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if b.AgentID != a.AgentID || b.MessageCount != 1 {
		t.Fatalf("Ensure overwrote the session: %+v", b)
	}
}

func TestAppendAndLoadMessages(t *testing.T) {
	store := NewFileStore(t.TempDir())
	s, _ := store.Create("", Session{})

	msgs := []Message{
		{ID: "user:t1", TurnID: "t1", Role: "user", Content: "Build a todo app\nwith React"},
		{ID: "assistant:t1", TurnID: "t1", Role: "assistant", Content: "Done."},
	}
	for _, m := range msgs {
		if err := store.AppendMessage(s.ID, m); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	loaded, err := store.LoadMessages(s.ID)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(loaded) != 2 || loaded[1].Content != "Done." || loaded[0].CreatedAt.IsZero() {
		t.Fatalf("loaded = %+v", loaded)
	}

	meta, _ := store.Get(s.ID)
	if meta.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", meta.MessageCount)
	}
	if meta.Title != "Build a todo app" {
		t.Errorf("Title = %q", meta.Title)
	}
}

func TestAppendToMissingSession(t *testing.T) {
	store := NewFileStore(t.TempDir())
	if err := store.AppendMessage("sess_nope", Message{ID: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadMessagesSkipsCorruptedLines(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)
	s, _ := store.Create("", Session{})
	store.AppendMessage(s.ID, Message{ID: "a", Role: "user", Content: "ok"})

	f, _ := os.OpenFile(filepath.Join(dir, s.ID, "messages.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	f.WriteString("{broken\n")
	f.Close()
	store.AppendMessage(s.ID, Message{ID: "b", Role: "assistant", Content: "still ok"})

	loaded, err := store.LoadMessages(s.ID)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(loaded) != 2 || loaded[1].ID != "b" {
		t.Fatalf("loaded = %+v", loaded)
	}
}

func TestPage(t *testing.T) {
	store := NewFileStore(t.TempDir())
	s, _ := store.Create("", Session{})
	for i := range 5 {
		store.AppendMessage(s.ID, Message{ID: fmt.Sprintf("m%d", i), Role: "user"})
	}

	tests := []struct {
		page, limit int
		first       string
		n           int
		more        bool
	}{
		{1, 2, "m0", 2, true},
		{2, 2, "m2", 2, true},
		{3, 2, "m4", 1, false},
		{4, 2, "", 0, false},
		{1, 10, "m0", 5, false},
	}
	for _, tt := range tests {
		got, more, err := store.Page(s.ID, tt.page, tt.limit)
		if err != nil {
			t.Fatalf("Page(%d,%d): %v", tt.page, tt.limit, err)
		}
		if len(got) != tt.n || more != tt.more || (tt.n > 0 && got[0].ID != tt.first) {
			t.Errorf("Page(%d,%d) = %d msgs (more=%v), want %d starting %q (more=%v)",
				tt.page, tt.limit, len(got), more, tt.n, tt.first, tt.more)
		}
	}
	if _, _, err := store.Page(s.ID, 0, 10); err == nil {
		t.Error("page 0 should be rejected")
	}
}

func TestClearMessages(t *testing.T) {
	store := NewFileStore(t.TempDir())
	s, _ := store.Create("", Session{})
	store.AppendMessage(s.ID, Message{ID: "a", Role: "user"})

	if err := store.ClearMessages(s.ID); err != nil {
		t.Fatalf("ClearMessages: %v", err)
	}
	msgs, _ := store.LoadMessages(s.ID)
	meta, _ := store.Get(s.ID)
	if len(msgs) != 0 || meta.MessageCount != 0 {
		t.Fatalf("after clear: %d msgs, count %d", len(msgs), meta.MessageCount)
	}
	if err := store.ClearMessages(s.ID); err != nil {
		t.Fatalf("second clear: %v", err)
	}
}

func TestListSortedByUpdatedAt(t *testing.T) {
	store := NewFileStore(t.TempDir())
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	older, _ := store.Create("", Session{})
	newer, _ := store.Create("", Session{})
	store.AppendMessage(older.ID, Message{ID: "x", Role: "user"})

	list, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != older.ID || list[1].ID != newer.ID {
		t.Fatalf("order = %v, %v", list[0].ID, list[1].ID)
	}
}

func TestListMissingDir(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "absent"))
	list, err := store.List()
	if err != nil || list != nil {
		t.Fatalf("List = %v, %v", list, err)
	}
}

func TestClose(t *testing.T) {
	store := NewFileStore(t.TempDir())
	s, _ := store.Create("", Session{})
	if err := store.Close(s.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got, _ := store.Get(s.ID)
	if got.Status != StatusClosed {
		t.Fatalf("Status = %q", got.Status)
	}
}

func TestTitleFromTruncates(t *testing.T) {
	long := strings.Repeat("é", 100)
	got := titleFrom(long)
	if n := len([]rune(got)); n != titleMax {
		t.Fatalf("title has %d runes, want %d", n, titleMax)
	}
}
