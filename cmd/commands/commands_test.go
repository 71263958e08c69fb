package commands

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dohr-michael/studio/internal/events"
	"github.com/dohr-michael/studio/internal/gateway"
	"github.com/dohr-michael/studio/internal/protocol"
	"github.com/dohr-michael/studio/internal/sessions"
	"github.com/dohr-michael/studio/internal/storage"
)

func TestParseDecision(t *testing.T) {
	tests := []struct {
		in   string
		want protocol.Decision
		ok   bool
	}{
		{"y", protocol.DecisionAllowOnce, true},
		{" Yes ", protocol.DecisionAllowOnce, true},
		{"a", protocol.DecisionAllowAll, true},
		{"ALL", protocol.DecisionAllowAll, true},
		{"n", protocol.DecisionStop, true},
		{"stop", protocol.DecisionStop, true},
		{"maybe", "", false},
	}
	for _, tt := range tests {
		got, ok := parseDecision(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("parseDecision(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

// writeConfig points every studio path at a temp dir and returns the config
// file path.
func writeConfig(t *testing.T, baseURL string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("STUDIO_PATH", dir)
	path := filepath.Join(dir, "config.jsonc")
	data := fmt.Sprintf(`{
  // local test gateway
  "session": {"base_url": %q},
  "storage": {
    "sessions_dir": %q,
    "journal_path": %q,
  },
}`, baseURL, filepath.Join(dir, "sessions"), filepath.Join(dir, "journal.db"))
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	return path, dir
}

func TestAskArchivesAndJournals(t *testing.T) {
	bus := events.NewBus(64)
	t.Cleanup(bus.Close)
	srv := gateway.NewServer(gateway.Config{Store: sessions.NewFileStore(t.TempDir()), Bus: bus, ChunkSize: 16})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		hs.Close()
	})

	configPath, dir := writeConfig(t, hs.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := NewRootCommand().Run(ctx, []string{
		"studio", "--config", configPath,
		"ask", "--session", "sess_cli", "--mode", "iterative", "--yes", "add hello.ts",
	})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	store := sessions.NewFileStore(filepath.Join(dir, "sessions"))
	msgs, err := store.LoadMessages("sess_cli")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("archived = %+v", msgs)
	}

	journal, err := storage.Open(ctx, filepath.Join(dir, "journal.db"), nil)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer journal.Close()
	recs, err := journal.Recent(ctx, storage.Query{SessionID: "sess_cli", Type: events.EventComplete})
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("complete events = %d, want 1", len(recs))
	}
}

func TestAskRequiresMessage(t *testing.T) {
	configPath, _ := writeConfig(t, "http://127.0.0.1:1")
	err := NewRootCommand().Run(context.Background(), []string{"studio", "--config", configPath, "ask"})
	if err == nil {
		t.Fatal("ask without a message should fail")
	}
}

func TestApplySessionFlagsValidates(t *testing.T) {
	configPath, _ := writeConfig(t, "http://127.0.0.1:1")
	err := NewRootCommand().Run(context.Background(), []string{
		"studio", "--config", configPath, "ask", "--mode", "turbo", "hi",
	})
	if err == nil {
		t.Fatal("an unknown mode should be rejected")
	}
}
