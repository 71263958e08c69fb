package gateway

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

var filePattern = regexp.MustCompile(`[\w./-]+\.(?:tsx|ts|jsx|js|css|html|json|md)\b`)

// PlannedFile is one file a turn writes.
type PlannedFile struct {
	Path     string
	Language string
	Content  string
}

// Plan is the work a turn performs: one write_file per file, then a reply.
type Plan struct {
	Thought string
	Files   []PlannedFile
	Reply   string
}

// Planner turns a user message into a Plan.
type Planner func(message string) Plan

// ScriptedPlanner writes every file named in the message, or src/App.tsx when
// none is named.
func ScriptedPlanner(message string) Plan {
	var paths []string
	seen := map[string]bool{}
	for _, p := range filePattern.FindAllString(message, -1) {
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		paths = []string{"src/App.tsx"}
	}

	plan := Plan{Thought: fmt.Sprintf("I will write %s.", strings.Join(paths, ", "))}
	for _, p := range paths {
		plan.Files = append(plan.Files, PlannedFile{
			Path:     p,
			Language: languageOf(p),
			Content:  scaffold(p, message),
		})
	}
	plan.Reply = fmt.Sprintf("Done. I updated %d file(s) for: %s", len(paths), firstLine(message))
	return plan
}

func languageOf(p string) string {
	switch ext := strings.TrimPrefix(path.Ext(p), "."); ext {
	case "md":
		return "markdown"
	case "":
		return "text"
	default:
		return ext
	}
}

func commentFor(lang, text string) string {
	switch lang {
	case "css":
		return "/* " + text + " */"
	case "html", "markdown":
		return "<!-- " + text + " -->"
	default:
		return "// " + text
	}
}

func scaffold(p, message string) string {
	lang := languageOf(p)
	note := commentFor(lang, "Requested: "+firstLine(message))
	switch lang {
	case "tsx", "jsx":
		name := strings.TrimSuffix(path.Base(p), path.Ext(p))
		return fmt.Sprintf("%s\nexport default function %s() {\n  return <div className=\"%s\" />;\n}", note, exportName(name), strings.ToLower(name))
	case "ts":
		return note + "\nexport function helper(value: string): string {\n  return value.trim();\n}"
	case "js":
		return note + "\nexport function helper(value) {\n  return value.trim();\n}"
	case "css":
		return note + "\n.app {\n  display: flex;\n}"
	case "json":
		return "{\n  \"name\": \"studio-app\"\n}"
	default:
		return note
	}
}

func exportName(name string) string {
	var b strings.Builder
	upper := true
	for _, r := range name {
		switch {
		case r == '-' || r == '_' || r == '.':
			upper = true
		case upper:
			b.WriteString(strings.ToUpper(string(r)))
			upper = false
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "Component"
	}
	return b.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

// fileBlock renders f as a fenced segment with its File: header.
func fileBlock(f PlannedFile) string {
	return fmt.Sprintf("```%s\n%s\n%s\n```\n", f.Language, commentFor(f.Language, "File: "+f.Path), f.Content)
}
