// Package console renders a session transcript on a line-oriented terminal.
package console

import "github.com/charmbracelet/lipgloss"

const (
	ColorPrimary   = "#7C3AED" // Violet - user messages, headings
	ColorSecondary = "#10B981" // Green - assistant, ready files
	ColorAccent    = "#60A5FA" // Blue - steps, links
	ColorWarning   = "#F59E0B" // Amber - approvals, streaming files
	ColorError     = "#EF4444" // Red - errors

	ColorMuted      = "#6B7280"
	ColorBorder     = "#374151"
	ColorBackground = "#1F2937"
	ColorText       = "#E5E7EB"
	ColorTextBright = "#FFFFFF"
)

var (
	Primary   = lipgloss.Color(ColorPrimary)
	Secondary = lipgloss.Color(ColorSecondary)
	Accent    = lipgloss.Color(ColorAccent)
	Warning   = lipgloss.Color(ColorWarning)
	Error     = lipgloss.Color(ColorError)
	Muted     = lipgloss.Color(ColorMuted)
	Text      = lipgloss.Color(ColorText)
)

var (
	UserStyle = lipgloss.NewStyle().
			Foreground(Primary).
			Bold(true)

	AssistantStyle = lipgloss.NewStyle().
			Foreground(Secondary)

	NoticeStyle = lipgloss.NewStyle().
			Foreground(Muted).
			Italic(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(Error).
			Bold(true)

	StepStyle = lipgloss.NewStyle().
			Foreground(Accent)

	ToolNameStyle = lipgloss.NewStyle().Bold(true).Foreground(Text)
	ToolArgsStyle = lipgloss.NewStyle().Foreground(Muted)

	ApprovalStyle = lipgloss.NewStyle().
			Foreground(Warning).
			Bold(true)

	FileStreamingStyle = lipgloss.NewStyle().Foreground(Warning)
	FileReadyStyle     = lipgloss.NewStyle().Foreground(Secondary)

	HintStyle = lipgloss.NewStyle().Foreground(Muted)
)

// Hint renders a muted one-line hint.
func Hint(s string) string { return HintStyle.Render(s) }
