package config

import (
	"strings"
	"testing"
	"time"

	"github.com/dohr-michael/studio/internal/protocol"
)

func TestLoad(t *testing.T) {
	path := writeFile(t, "config.jsonc", `{
	// This is a JSONC comment
	"gateway": {
		"host": "0.0.0.0",
		"port": 9999,
	},
	"session": {
		"base_url": "https://studio.example.com",
		"project_id": "proj-1",
		"mode": "iterative",
		"edit_mode": "plan",
	},
	"connection": {"heartbeat_interval": "10s", "max_attempts": 3},
	"approvals": {"write_tools": ["fs.*"]},
	"credentials": {"token": "${{ .Env.STUDIO_TEST_TOKEN }}"},
}`)
	t.Setenv("STUDIO_TEST_TOKEN", "test-token-123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Gateway.Host != "0.0.0.0" || cfg.Gateway.Port != 9999 {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Session.SocketURL != "wss://studio.example.com/api/ws" {
		t.Errorf("socket url = %q", cfg.Session.SocketURL)
	}
	if cfg.Session.Mode != string(protocol.ModeIterative) || cfg.Session.EditMode != string(protocol.EditModePlan) {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Connection.HeartbeatInterval.Duration() != 10*time.Second || cfg.Connection.MaxAttempts != 3 {
		t.Errorf("connection = %+v", cfg.Connection)
	}
	if cfg.Connection.BaseDelay.Duration() != time.Second {
		t.Errorf("base delay default = %v", cfg.Connection.BaseDelay.Duration())
	}
	if len(cfg.Approvals.WriteTools) != 1 || cfg.Approvals.WriteTools[0] != "fs.*" {
		t.Errorf("write tools = %v", cfg.Approvals.WriteTools)
	}
	if cfg.Credentials.Token != "test-token-123" {
		t.Errorf("token = %q", cfg.Credentials.Token)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STUDIO_PATH", "/tmp/studio-defaults")

	cfg, err := Load(writeFile(t, "config.jsonc", `{}`))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Gateway.Host != "127.0.0.1" || cfg.Gateway.Port != 18420 {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Session.BaseURL != "http://127.0.0.1:18420" || cfg.Session.SocketURL != "ws://127.0.0.1:18420/api/ws" {
		t.Errorf("session urls = %q %q", cfg.Session.BaseURL, cfg.Session.SocketURL)
	}
	if cfg.Session.Mode != "streaming" || cfg.Session.EditMode != "ask" {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Cancel.Window.Duration() != 500*time.Millisecond {
		t.Errorf("cancel window = %v", cfg.Cancel.Window.Duration())
	}
	if cfg.Connection.MaxDelay.Duration() != 30*time.Second || cfg.Connection.MaxAttempts != 10 {
		t.Errorf("connection = %+v", cfg.Connection)
	}
	if cfg.Events.BufferSize != 1024 || cfg.Events.LogLevel != "info" {
		t.Errorf("events = %+v", cfg.Events)
	}
	if cfg.Storage.SessionsDir != "/tmp/studio-defaults/sessions" || !cfg.Storage.Journal() {
		t.Errorf("storage = %+v", cfg.Storage)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/config.jsonc")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 18420 {
		t.Errorf("port = %d", cfg.Gateway.Port)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"mode", `{"session": {"mode": "batch"}}`, "session.mode"},
		{"edit mode", `{"session": {"edit_mode": "yolo"}}`, "session.edit_mode"},
		{"socket scheme", `{"session": {"socket_url": "http://x/ws"}}`, "session.socket_url"},
		{"syntax", `{"gateway": `, "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.jsonc", tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestJournalCanBeDisabled(t *testing.T) {
	cfg, err := Parse([]byte(`{"storage": {"journal_enabled": false}}`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Journal() {
		t.Fatal("journal should be disabled")
	}
}

func TestExpandEnvTemplates(t *testing.T) {
	t.Setenv("TEST_KEY", "my-secret")
	result := expandEnvTemplates(`{"key": "${{ .Env.TEST_KEY }}"}`)
	expected := `{"key": "my-secret"}`
	if result != expected {
		t.Errorf("expected %s, got %s", expected, result)
	}
}
