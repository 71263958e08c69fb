package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStudioPath_Default(t *testing.T) {
	t.Setenv("STUDIO_PATH", "")

	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := StudioPath(), filepath.Join(home, ".studio"); got != want {
		t.Errorf("StudioPath() = %q, want %q", got, want)
	}
}

func TestDerivedPaths(t *testing.T) {
	t.Setenv("STUDIO_PATH", "/tmp/test-studio")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"config", ConfigPath(), "/tmp/test-studio/config.jsonc"},
		{"dotenv", DotenvPath(), "/tmp/test-studio/.env"},
		{"sessions", SessionsPath(), "/tmp/test-studio/sessions"},
		{"journal", JournalPath(), "/tmp/test-studio/journal.db"},
		{"credentials", CredentialsPath(), "/tmp/test-studio/credentials.age"},
		{"key", KeyPath(), "/tmp/test-studio/.age/key.txt"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}
