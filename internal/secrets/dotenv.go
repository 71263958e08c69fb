package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// SetEntry writes KEY=VALUE into a .env file, replacing an existing
// assignment in place. Comments and blank lines are preserved.
func SetEntry(path, key, value string) error {
	lines, err := readLines(path)
	if err != nil {
		return err
	}

	entry := key + "=" + quoteValue(value)
	if i := findEntry(lines, key); i >= 0 {
		lines[i] = entry
	} else {
		lines = append(lines, entry)
	}
	return writeLines(path, lines)
}

// RemoveEntry deletes the assignment of key. A missing file or key is a no-op.
func RemoveEntry(path, key string) error {
	lines, err := readLines(path)
	if err != nil {
		return err
	}
	i := findEntry(lines, key)
	if i < 0 {
		return nil
	}
	return writeLines(path, append(lines[:i], lines[i+1:]...))
}

func findEntry(lines []string, key string) int {
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		trimmed = strings.TrimPrefix(trimmed, "export ")
		k, _, ok := strings.Cut(trimmed, "=")
		if ok && strings.TrimSpace(k) == key {
			return i
		}
	}
	return -1
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dotenv: %w", err)
	}
	content := strings.TrimRight(string(data), "\n")
	if content == "" {
		return nil, nil
	}
	return strings.Split(content, "\n"), nil
}

func writeLines(path string, lines []string) error {
	content := strings.Join(lines, "\n")
	if content != "" {
		content += "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write dotenv: %w", err)
	}
	return nil
}

// quoteValue double-quotes values the dotenv reader would otherwise split.
func quoteValue(v string) string {
	if !strings.ContainsAny(v, " \t\"'\\#$") {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(v) + `"`
}
