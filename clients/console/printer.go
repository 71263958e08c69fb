package console

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/dohr-michael/studio/internal/assembler"
	"github.com/dohr-michael/studio/internal/transcript"
)

// Printer writes transcript changes as they happen. Each settled entry is
// printed once; streaming entries only report per-file progress, the final
// text is printed when the turn completes.
type Printer struct {
	out      io.Writer
	markdown *Markdown

	mu      sync.Mutex
	printed map[string]string
	files   map[string]map[string]bool
}

// NewPrinter returns a Printer writing to out. A nil markdown prints final
// responses as plain text.
func NewPrinter(out io.Writer, markdown *Markdown) *Printer {
	return &Printer{
		out:      out,
		markdown: markdown,
		printed:  make(map[string]string),
		files:    make(map[string]map[string]bool),
	}
}

// Handle is a transcript OnChange callback.
func (p *Printer) Handle(c transcript.Change) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch c.Op {
	case transcript.OpReset:
		clear(p.printed)
		clear(p.files)
		fmt.Fprintln(p.out, Hint("(history cleared)"))
		return
	case transcript.OpRemove:
		return
	}

	m := c.Message
	if m.Kind == transcript.KindAssistant {
		p.fileProgress(m)
	}
	if m.Ephemeral && m.Kind != transcript.KindApproval && m.Kind != transcript.KindThinking {
		return
	}
	text := p.render(m)
	if text == "" || p.printed[m.ID] == text {
		return
	}
	p.printed[m.ID] = text
	fmt.Fprintln(p.out, text)
}

// fileProgress prints a line the first time a file is seen and again once it
// is complete.
func (p *Printer) fileProgress(m transcript.Message) {
	seen := p.files[m.TurnID]
	if seen == nil {
		seen = make(map[string]bool)
		p.files[m.TurnID] = seen
	}
	for _, f := range m.Files {
		done, ok := seen[f.Path]
		switch {
		case !ok && !f.Complete:
			fmt.Fprintln(p.out, FileStreamingStyle.Render("  ✎ writing "+f.Path))
		case f.Complete && !done:
			fmt.Fprintln(p.out, FileReadyStyle.Render("  ✓ "+f.Path))
		}
		seen[f.Path] = done || f.Complete
	}
}

func (p *Printer) render(m transcript.Message) string {
	switch m.Kind {
	case transcript.KindUser:
		return UserStyle.Render("you › ") + m.Content
	case transcript.KindThinking:
		return Hint("… thinking")
	case transcript.KindAssistant:
		body := assembler.ReplaceMarkers(m.Text(), func(path string, _ bool) string {
			return "`" + path + "`"
		})
		if p.markdown != nil {
			body = p.markdown.Render(body)
		}
		return AssistantStyle.Render("agent › ") + body
	case transcript.KindStep:
		return renderStep(m)
	case transcript.KindError:
		return ErrorStyle.Render("✗ " + m.Content)
	case transcript.KindNotice:
		return NoticeStyle.Render(m.Content)
	case transcript.KindApproval:
		line := ApprovalStyle.Render("? " + m.Content)
		if m.Approval != nil && len(m.Approval.Parameters) > 0 {
			line += " " + ToolArgsStyle.Render(formatArgs(m.Approval.Parameters))
		}
		return line + "\n" + Hint("  [y] allow once  [a] allow all  [n] stop")
	}
	return m.Text()
}

func renderStep(m transcript.Message) string {
	var b strings.Builder
	iteration := 0
	if m.Step != nil {
		iteration = m.Step.Iteration
	}
	b.WriteString(StepStyle.Render(fmt.Sprintf("step %d", iteration)))
	if m.Content != "" {
		b.WriteString(" " + m.Content)
	}
	if m.Step == nil {
		return b.String()
	}
	for _, call := range m.Step.ToolCalls {
		b.WriteString("\n  ")
		b.WriteString(ToolNameStyle.Render(call.Name))
		if len(call.Arguments) > 0 {
			b.WriteString(" " + ToolArgsStyle.Render(formatArgs(call.Arguments)))
		}
	}
	for _, res := range m.Step.ToolResults {
		style := ToolArgsStyle
		if res.IsError {
			style = ErrorStyle
		}
		b.WriteString("\n  ⎿ " + style.Render(firstLine(res.Content)))
	}
	return b.String()
}

// formatArgs prints scalar arguments as key=value in key order.
func formatArgs(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := fmt.Sprint(args[k])
		if s, ok := args[k].(string); ok {
			v = firstLine(s)
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, " ")
}

func firstLine(s string) string {
	const maxLen = 80
	line, _, more := strings.Cut(s, "\n")
	if r := []rune(line); len(r) > maxLen {
		return string(r[:maxLen]) + "…"
	}
	if more {
		return line + " …"
	}
	return line
}
