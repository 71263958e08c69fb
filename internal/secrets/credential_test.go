package secrets

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newStore(t *testing.T) CredentialStore {
	dir := t.TempDir()
	return CredentialStore{
		KeyPath: filepath.Join(dir, ".age", "key.txt"),
		File:    filepath.Join(dir, "credentials.age"),
	}
}

func TestCredentialSaveLoad(t *testing.T) {
	s := newStore(t)

	if err := s.Save("  tok-secret\n"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	raw := readFile(t, s.File)
	if strings.Contains(raw, "tok-secret") || !IsSealed(strings.TrimSpace(raw)) {
		t.Fatalf("credential stored in clear: %q", raw)
	}
	info, _ := os.Stat(s.File)
	if info.Mode().Perm() != 0o600 {
		t.Errorf("permissions = %o", info.Mode().Perm())
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != "tok-secret" {
		t.Fatalf("token = %q", got)
	}
}

func TestCredentialMissing(t *testing.T) {
	s := newStore(t)
	if _, err := s.Load(); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("err = %v, want ErrNoCredential", err)
	}
	if _, err := s.Resolve(""); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("Resolve err = %v", err)
	}
	if err := s.Save(" "); err == nil {
		t.Fatal("empty token should be rejected")
	}
}

func TestCredentialResolve(t *testing.T) {
	s := newStore(t)

	if got, _ := s.Resolve("plain"); got != "plain" {
		t.Fatalf("plain = %q", got)
	}

	blob, err := s.Seal("sealed-token")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := s.Resolve(blob)
	if err != nil || got != "sealed-token" {
		t.Fatalf("Resolve(blob) = %q, %v", got, err)
	}
}

func TestCredentialDelete(t *testing.T) {
	s := newStore(t)
	s.Save("x")
	if err := s.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := os.Stat(s.KeyPath); err != nil {
		t.Fatalf("identity should survive: %v", err)
	}
}
