package assembler

import (
	"strings"
)

const (
	markerOpen      = "{{file:"
	markerClose     = "}}"
	streamingSuffix = "|streaming"
)

// Marker is the opaque placeholder that stands for a file segment in display
// text.
func Marker(path string, streaming bool) string {
	if streaming {
		return markerOpen + path + streamingSuffix + markerClose
	}
	return markerOpen + path + markerClose
}

// ReplaceMarkers rewrites every marker in display with the string returned by
// fn. Renderers use it to draw per-file progress.
func ReplaceMarkers(display string, fn func(path string, streaming bool) string) string {
	var b strings.Builder
	for {
		i := strings.Index(display, markerOpen)
		if i < 0 {
			b.WriteString(display)
			return b.String()
		}
		j := strings.Index(display[i:], markerClose)
		if j < 0 {
			b.WriteString(display)
			return b.String()
		}
		b.WriteString(display[:i])
		inner := display[i+len(markerOpen) : i+j]
		path, streaming := strings.CutSuffix(inner, streamingSuffix)
		b.WriteString(fn(path, streaming))
		display = display[i+j+len(markerClose):]
	}
}

// CountMarkers returns how many markers reference path.
func CountMarkers(display, path string) int {
	return strings.Count(display, Marker(path, false)) + strings.Count(display, Marker(path, true))
}
