package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// unsetForTest clears key and restores it when the test ends.
func unsetForTest(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	os.Unsetenv(key)
}

func TestLoadDotenv(t *testing.T) {
	path := writeFile(t, ".env", `# Backend
STUDIO_BASE=http://localhost:18420
export STUDIO_PROJECT=proj-1

# Quoted values
STUDIO_TOKEN="tok en"
STUDIO_AGENT='builder'

# Spaces around =
STUDIO_SPACED = spaced_value
`)

	tests := []struct {
		key, want string
	}{
		{"STUDIO_BASE", "http://localhost:18420"},
		{"STUDIO_PROJECT", "proj-1"},
		{"STUDIO_TOKEN", "tok en"},
		{"STUDIO_AGENT", "builder"},
		{"STUDIO_SPACED", "spaced_value"},
	}
	for _, tt := range tests {
		unsetForTest(t, tt.key)
	}

	if err := LoadDotenv(path); err != nil {
		t.Fatal(err)
	}
	for _, tt := range tests {
		if got := os.Getenv(tt.key); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestLoadDotenvNoOverride(t *testing.T) {
	path := writeFile(t, ".env", `EXISTING_VAR=new-value`)
	t.Setenv("EXISTING_VAR", "original")

	if err := LoadDotenv(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("EXISTING_VAR"); got != "original" {
		t.Errorf("expected existing var to be preserved, got %q", got)
	}
}

func TestReloadDotenvOverrides(t *testing.T) {
	path := writeFile(t, ".env", `EXISTING_VAR=new-value`)
	t.Setenv("EXISTING_VAR", "original")

	if err := ReloadDotenv(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("EXISTING_VAR"); got != "new-value" {
		t.Errorf("EXISTING_VAR = %q, want new-value", got)
	}
}

func TestLoadDotenvMissingFile(t *testing.T) {
	if err := LoadDotenv("/nonexistent/.env"); err != nil {
		t.Errorf("missing file should be silently ignored, got: %v", err)
	}
}
