package gateway

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/dohr-michael/studio/internal/assembler"
)

func TestScriptedPlanner(t *testing.T) {
	tests := []struct {
		msg   string
		paths []string
	}{
		{"build a todo app", []string{"src/App.tsx"}},
		{"fix src/utils.ts and src/utils.ts", []string{"src/utils.ts"}},
		{"add index.html, theme.css and README.md", []string{"index.html", "theme.css", "README.md"}},
	}
	for _, tt := range tests {
		plan := ScriptedPlanner(tt.msg)
		if len(plan.Files) != len(tt.paths) {
			t.Fatalf("%q: files = %+v", tt.msg, plan.Files)
		}
		for i, f := range plan.Files {
			if f.Path != tt.paths[i] {
				t.Errorf("%q: file %d = %q, want %q", tt.msg, i, f.Path, tt.paths[i])
			}
		}
		if plan.Reply == "" || plan.Thought == "" {
			t.Errorf("%q: empty reply or thought", tt.msg)
		}
	}
}

func TestFileBlocksAreRecognised(t *testing.T) {
	plan := ScriptedPlanner("index.html theme.css notes.md App.tsx")
	text := streamText(plan.Reply, plan.Files)

	res := assembler.New().Feed(text)
	if len(res.Segments) != len(plan.Files) {
		t.Fatalf("segments = %d, want %d\n%s", len(res.Segments), len(plan.Files), text)
	}
	for _, f := range plan.Files {
		if assembler.CountMarkers(res.Display, f.Path) != 1 {
			t.Errorf("no marker for %s in %q", f.Path, res.Display)
		}
	}
}

func TestSplitChunks(t *testing.T) {
	s := "héllo wörld, ça va?"
	for _, size := range []int{0, 1, 2, 3, 5, 100} {
		parts := splitChunks(s, size)
		if strings.Join(parts, "") != s {
			t.Fatalf("size %d: parts %q do not rebuild the input", size, parts)
		}
		for _, p := range parts {
			if size > 1 && len(p) > size {
				t.Fatalf("size %d: part %q too long", size, p)
			}
			if !utf8.ValidString(p) {
				t.Fatalf("size %d: part %q splits a rune", size, p)
			}
		}
	}
}

func TestExportName(t *testing.T) {
	cases := map[string]string{
		"App":       "App",
		"todo-list": "TodoList",
		"user_card": "UserCard",
		"":          "Component",
	}
	for in, want := range cases {
		if got := exportName(in); got != want {
			t.Errorf("exportName(%q) = %q, want %q", in, got, want)
		}
	}
}
