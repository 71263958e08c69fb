package secrets

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestKeyringEnsureIsStable(t *testing.T) {
	k := Keyring{Path: filepath.Join(t.TempDir(), "nested", "key.txt")}

	if _, err := k.Identity(); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Identity before Ensure = %v, want ErrNotExist", err)
	}
	first, err := k.Ensure()
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	info, _ := os.Stat(k.Path)
	if info.Mode().Perm() != 0o600 {
		t.Errorf("permissions = %o, want 0600", info.Mode().Perm())
	}
	content := readFile(t, k.Path)

	again, err := k.Ensure()
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if again.String() != first.String() || readFile(t, k.Path) != content {
		t.Fatal("key replaced on second Ensure")
	}
}

func TestKeyringWithoutIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.txt")
	os.WriteFile(path, []byte("# nothing here\n"), 0o600)
	k := Keyring{Path: path}
	if _, err := k.Identity(); err == nil {
		t.Fatal("expected error for a key file without identities")
	}
	if _, err := k.Seal("tok"); err == nil {
		t.Fatal("Seal should not overwrite an unusable key file")
	}
}

func TestKeyringSealOpen(t *testing.T) {
	k := Keyring{Path: filepath.Join(t.TempDir(), "key.txt")}

	for _, token := range []string{"studio-bearer-token", ""} {
		sealed, err := k.Seal(token)
		if err != nil {
			t.Fatalf("Seal(%q): %v", token, err)
		}
		if !IsSealed(sealed) || (token != "" && strings.Contains(sealed, token)) {
			t.Fatalf("sealed = %q", sealed)
		}
		got, err := k.Open(sealed)
		if err != nil || got != token {
			t.Fatalf("Open = %q, %v; want %q", got, err, token)
		}
	}

	other := Keyring{Path: filepath.Join(t.TempDir(), "other.txt")}
	if _, err := other.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	sealed, _ := k.Seal("x")
	if _, err := other.Open(sealed); err == nil {
		t.Fatal("opening with another key should fail")
	}
	if _, err := k.Open("plain"); !errors.Is(err, ErrNotSealed) {
		t.Fatalf("Open(plain) = %v", err)
	}
}

func TestIsSealed(t *testing.T) {
	cases := map[string]bool{
		"ENC[age:abc]": true,
		"ENC[age:]":    true,
		"ENC[age:abc":  false,
		"age:abc]":     false,
		"plain":        false,
		"":             false,
	}
	for in, want := range cases {
		if got := IsSealed(in); got != want {
			t.Errorf("IsSealed(%q) = %v, want %v", in, got, want)
		}
	}
}
