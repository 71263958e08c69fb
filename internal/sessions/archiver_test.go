package sessions

import (
	"testing"

	"github.com/dohr-michael/studio/internal/transcript"
)

func upsert(m transcript.Message) transcript.Change {
	return transcript.Change{Op: transcript.OpUpsert, Message: m}
}

func TestArchiverWritesSettledEntriesOnce(t *testing.T) {
	store := NewFileStore(t.TempDir())
	a, err := NewArchiver(store, Session{ID: "sess_a", Mode: "streaming"}, nil)
	if err != nil {
		t.Fatalf("NewArchiver: %v", err)
	}

	a.Observe(upsert(transcript.Message{ID: "user:t1", TurnID: "t1", Kind: transcript.KindUser, Content: "hi"}))
	a.Observe(upsert(transcript.Message{ID: "ph-t1", TurnID: "t1", Kind: transcript.KindThinking, Ephemeral: true}))
	a.Observe(upsert(transcript.Message{ID: "assistant:t1", TurnID: "t1", Kind: transcript.KindAssistant, Content: "par", Ephemeral: true}))
	a.Observe(upsert(transcript.Message{ID: "assistant:t1", TurnID: "t1", Kind: transcript.KindAssistant, Content: "partial done"}))
	a.Observe(upsert(transcript.Message{ID: "assistant:t1", TurnID: "t1", Kind: transcript.KindAssistant, Content: "partial done"}))
	a.Observe(upsert(transcript.Message{ID: "approval:ap1", TurnID: "t1", Kind: transcript.KindApproval}))
	a.Observe(transcript.Change{Op: transcript.OpReset})

	msgs, _ := store.LoadMessages("sess_a")
	if len(msgs) != 2 {
		t.Fatalf("archived = %+v", msgs)
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" || msgs[1].Content != "partial done" {
		t.Fatalf("archived = %+v", msgs)
	}
}

func TestArchiverResumesWithoutDuplicates(t *testing.T) {
	store := NewFileStore(t.TempDir())
	first, _ := NewArchiver(store, Session{ID: "sess_b"}, nil)
	entry := transcript.Message{ID: "user:t1", TurnID: "t1", Kind: transcript.KindUser, Content: "hi"}
	first.Observe(upsert(entry))

	second, err := NewArchiver(store, Session{ID: "sess_b"}, nil)
	if err != nil {
		t.Fatalf("NewArchiver: %v", err)
	}
	second.Observe(upsert(entry))

	if msgs, _ := store.LoadMessages("sess_b"); len(msgs) != 1 {
		t.Fatalf("archived %d messages, want 1", len(msgs))
	}

	if err := second.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	second.Observe(upsert(entry))
	if msgs, _ := store.LoadMessages("sess_b"); len(msgs) != 1 {
		t.Fatalf("after reset archived %d messages, want 1", len(msgs))
	}
}
