package secrets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

func TestSetEntryCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")

	if err := SetEntry(path, "STUDIO_TOKEN", "abc"); err != nil {
		t.Fatalf("SetEntry: %v", err)
	}
	if got := readFile(t, path); got != "STUDIO_TOKEN=abc\n" {
		t.Fatalf("content = %q", got)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("permissions = %o, want 0600", info.Mode().Perm())
	}
}

func TestSetEntryReplacesInPlace(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	os.WriteFile(path, []byte("# studio\nexport STUDIO_TOKEN=old\n\nOTHER=1\n"), 0o600)

	if err := SetEntry(path, "STUDIO_TOKEN", "new"); err != nil {
		t.Fatalf("SetEntry: %v", err)
	}
	want := "# studio\nSTUDIO_TOKEN=new\n\nOTHER=1\n"
	if got := readFile(t, path); got != want {
		t.Fatalf("content = %q, want %q", got, want)
	}
}

func TestSetEntryQuotes(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := SetEntry(path, "K", `a "b" c`); err != nil {
		t.Fatalf("SetEntry: %v", err)
	}
	if got := readFile(t, path); !strings.Contains(got, `K="a \"b\" c"`) {
		t.Fatalf("content = %q", got)
	}
}

func TestRemoveEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	os.WriteFile(path, []byte("A=1\nSTUDIO_TOKEN=x\nB=2\n"), 0o600)

	if err := RemoveEntry(path, "STUDIO_TOKEN"); err != nil {
		t.Fatalf("RemoveEntry: %v", err)
	}
	if got := readFile(t, path); got != "A=1\nB=2\n" {
		t.Fatalf("content = %q", got)
	}
	if err := RemoveEntry(filepath.Join(t.TempDir(), "missing"), "A"); err != nil {
		t.Fatalf("missing file: %v", err)
	}
}
