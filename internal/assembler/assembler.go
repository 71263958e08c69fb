// Package assembler reshapes the cumulative text of a streaming turn into
// display text and file segments.
//
// A file segment is a fenced code block with a language tag whose first line is
// a comment naming the file:
//
//	```ts
//	// File: src/App.tsx
//	export default function App() {}
//	```
//
// The segment is replaced in the display text by an opaque marker (see Marker).
// Feed is given the whole buffer every time; the scanner keeps a committed
// cursor and only rescans the unresolved tail.
package assembler

import (
	"strings"
)

const fence = "```"

// FileStatus is the per-file completion state.
type FileStatus int

const (
	StatusUnknown FileStatus = iota
	// StatusStreaming means the segment's fence is still open.
	StatusStreaming
	// StatusWritten means the closing fence arrived.
	StatusWritten
	// StatusReady means the server confirmed the file with file_ready.
	StatusReady
)

func (s FileStatus) String() string {
	switch s {
	case StatusStreaming:
		return "streaming"
	case StatusWritten:
		return "written"
	case StatusReady:
		return "ready"
	}
	return "unknown"
}

// Segment is one file block found in the buffer.
type Segment struct {
	Path     string
	Language string
	Content  string
	Complete bool
}

// Result is the assembler's view of a buffer.
type Result struct {
	Display  string
	Segments []Segment
	// Completed lists files whose closing fence arrived during this Feed.
	Completed []string
}

// Assembler is not safe for concurrent use; each streaming turn owns one.
type Assembler struct {
	buf       string
	cursor    int
	display   strings.Builder
	committed []Segment
	status    map[string]FileStatus
}

// New returns an empty Assembler.
func New() *Assembler {
	return &Assembler{status: make(map[string]FileStatus)}
}

// Feed scans the cumulative buffer. Feeding the same buffer twice yields the
// same Result with no newly completed files. A buffer that does not extend the
// previous one starts a fresh scan.
func (a *Assembler) Feed(buf string) Result {
	if !strings.HasPrefix(buf, a.buf) {
		a.Reset()
	}
	a.buf = buf

	var completed []string
	var tail tailView

	for {
		i := strings.Index(buf[a.cursor:], fence)
		if i < 0 {
			tail = tailView{display: buf[a.cursor:]}
			break
		}
		open := a.cursor + i

		blk, ok := parseBlock(buf, open)
		if !ok {
			// Header not complete yet: keep the text before it, hold the rest.
			tail = tailView{display: buf[a.cursor:open]}
			break
		}
		if !blk.closed {
			tail = tailView{display: buf[a.cursor:open], block: &blk}
			break
		}

		a.display.WriteString(buf[a.cursor:open])
		a.display.WriteString(blk.render())
		if blk.isFile() {
			seg := blk.segment()
			a.committed = append(a.committed, seg)
			completed = append(completed, seg.Path)
			if a.status[seg.Path] != StatusReady {
				a.status[seg.Path] = StatusWritten
			}
		}
		a.cursor = blk.end
	}

	res := Result{
		Display:   a.display.String() + tail.render(),
		Segments:  append([]Segment(nil), a.committed...),
		Completed: completed,
	}
	if tail.block != nil && tail.block.isFile() {
		seg := tail.block.segment()
		res.Segments = append(res.Segments, seg)
		if a.status[seg.Path] != StatusReady {
			a.status[seg.Path] = StatusStreaming
		}
	}
	return res
}

// Status reports the completion state of a file seen in the buffer.
func (a *Assembler) Status(path string) FileStatus {
	return a.status[path]
}

// MarkReady records a server-side file_ready for path.
func (a *Assembler) MarkReady(path string) {
	a.status[path] = StatusReady
}

// Reset drops all scan state.
func (a *Assembler) Reset() {
	a.buf = ""
	a.cursor = 0
	a.display.Reset()
	a.committed = nil
	a.status = make(map[string]FileStatus)
}

type tailView struct {
	display string
	block   *block
}

func (t tailView) render() string {
	if t.block == nil {
		return t.display
	}
	return t.display + t.block.render()
}

// block is a fenced region starting at an opening fence.
type block struct {
	raw      string // full text from the opening fence
	language string
	path     string
	content  string
	closed   bool
	end      int
}

func (b block) isFile() bool { return b.path != "" }

func (b block) segment() Segment {
	return Segment{Path: b.path, Language: b.language, Content: b.content, Complete: b.closed}
}

func (b block) render() string {
	if b.isFile() {
		return Marker(b.path, !b.closed)
	}
	return b.raw
}

// parseBlock reads the fence opening at buf[open:]. It reports false while the
// header (the language line and, for tagged fences, the first content line)
// is still incomplete.
func parseBlock(buf string, open int) (block, bool) {
	rest := buf[open+len(fence):]
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		return block{}, false
	}
	b := block{language: strings.TrimSpace(rest[:nl])}
	bodyStart := open + len(fence) + nl + 1
	contentStart := bodyStart

	if b.language != "" {
		body := buf[bodyStart:]
		lineEnd := strings.IndexByte(body, '\n')
		closeAt := strings.Index(body, fence)
		switch {
		case lineEnd >= 0 && (closeAt < 0 || lineEnd < closeAt):
			if path, ok := parseFileMarker(body[:lineEnd]); ok {
				b.path = path
				contentStart = bodyStart + lineEnd + 1
			}
		case closeAt >= 0:
			if path, ok := parseFileMarker(body[:closeAt]); ok {
				b.path = path
				contentStart = bodyStart + closeAt
			}
		default:
			return block{}, false
		}
	}

	closeAt := strings.Index(buf[contentStart:], fence)
	if closeAt < 0 {
		b.raw = buf[open:]
		b.content = buf[contentStart:]
		return b, true
	}
	b.closed = true
	b.end = contentStart + closeAt + len(fence)
	b.raw = buf[open:b.end]
	b.content = strings.TrimSuffix(buf[contentStart:contentStart+closeAt], "\n")
	return b, true
}

var commentOpeners = []string{"//", "#", "--", "/*", "<!--", ";"}

var commentClosers = []string{"*/", "-->"}

// parseFileMarker extracts the path from a comment line such as
// "// File: src/App.tsx" or "<!-- File: index.html -->".
func parseFileMarker(line string) (string, bool) {
	idx := strings.Index(line, "File:")
	if idx < 0 {
		return "", false
	}
	prefix := strings.TrimSpace(line[:idx])
	commented := false
	for _, o := range commentOpeners {
		if prefix == o {
			commented = true
			break
		}
	}
	if !commented {
		return "", false
	}
	path := strings.TrimSpace(line[idx+len("File:"):])
	for _, c := range commentClosers {
		path = strings.TrimSpace(strings.TrimSuffix(path, c))
	}
	if path == "" || strings.ContainsAny(path, " \t") {
		return "", false
	}
	return path, true
}
