package console

import (
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/glamour/ansi"
)

// styleConfig is a glamour style in the console palette.
func styleConfig() ansi.StyleConfig {
	return ansi.StyleConfig{
		Document: ansi.StyleBlock{
			StylePrimitive: ansi.StylePrimitive{Color: stringPtr(ColorText)},
			Margin:         uintPtr(0),
		},
		BlockQuote: ansi.StyleBlock{
			StylePrimitive: ansi.StylePrimitive{Color: stringPtr(ColorMuted), Italic: boolPtr(true)},
			Indent:         uintPtr(2),
			IndentToken:    stringPtr("│ "),
		},
		List: ansi.StyleList{
			LevelIndent: 2,
			StyleBlock: ansi.StyleBlock{
				StylePrimitive: ansi.StylePrimitive{Color: stringPtr(ColorText)},
			},
		},
		Heading: ansi.StyleBlock{
			StylePrimitive: ansi.StylePrimitive{Color: stringPtr(ColorPrimary), Bold: boolPtr(true)},
		},
		H1: ansi.StyleBlock{
			StylePrimitive: ansi.StylePrimitive{Color: stringPtr(ColorPrimary), Bold: boolPtr(true), Prefix: "# "},
		},
		H2: ansi.StyleBlock{
			StylePrimitive: ansi.StylePrimitive{Color: stringPtr(ColorPrimary), Bold: boolPtr(true), Prefix: "## "},
		},
		H3: ansi.StyleBlock{
			StylePrimitive: ansi.StylePrimitive{Color: stringPtr(ColorSecondary), Bold: boolPtr(true), Prefix: "### "},
		},
		Strong: ansi.StylePrimitive{Bold: boolPtr(true), Color: stringPtr(ColorTextBright)},
		Emph:   ansi.StylePrimitive{Italic: boolPtr(true)},
		Item:   ansi.StylePrimitive{BlockPrefix: "• "},
		Enumeration: ansi.StylePrimitive{
			BlockPrefix: ". ",
		},
		Link: ansi.StylePrimitive{Color: stringPtr(ColorAccent), Underline: boolPtr(true)},
		Code: ansi.StyleBlock{
			StylePrimitive: ansi.StylePrimitive{
				Color:           stringPtr(ColorWarning),
				BackgroundColor: stringPtr(ColorBackground),
				Prefix:          " ",
				Suffix:          " ",
			},
		},
		CodeBlock: ansi.StyleCodeBlock{
			StyleBlock: ansi.StyleBlock{
				StylePrimitive: ansi.StylePrimitive{Color: stringPtr(ColorText)},
				Margin:         uintPtr(0),
			},
			Chroma: &ansi.Chroma{
				Text:          ansi.StylePrimitive{Color: stringPtr(ColorText)},
				Comment:       ansi.StylePrimitive{Color: stringPtr(ColorMuted), Italic: boolPtr(true)},
				Keyword:       ansi.StylePrimitive{Color: stringPtr(ColorPrimary), Bold: boolPtr(true)},
				KeywordType:   ansi.StylePrimitive{Color: stringPtr(ColorSecondary)},
				NameFunction:  ansi.StylePrimitive{Color: stringPtr(ColorAccent)},
				NameTag:       ansi.StylePrimitive{Color: stringPtr(ColorPrimary)},
				LiteralString: ansi.StylePrimitive{Color: stringPtr(ColorSecondary)},
				LiteralNumber: ansi.StylePrimitive{Color: stringPtr(ColorWarning)},
				Background:    ansi.StylePrimitive{BackgroundColor: stringPtr(ColorBackground)},
			},
		},
		HorizontalRule: ansi.StylePrimitive{
			Color:  stringPtr(ColorBorder),
			Format: "─────────────────────────────────────────",
		},
	}
}

func stringPtr(s string) *string { return &s }
func boolPtr(b bool) *bool       { return &b }
func uintPtr(u uint) *uint       { return &u }

// Markdown renders markdown for a terminal of the given width.
type Markdown struct {
	r *glamour.TermRenderer
}

// NewMarkdown builds a renderer. Width 0 disables wrapping.
func NewMarkdown(width int) (*Markdown, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithStyles(styleConfig()),
		glamour.WithWordWrap(width),
		glamour.WithEmoji(),
	)
	if err != nil {
		return nil, err
	}
	return &Markdown{r: r}, nil
}

// Render returns content unchanged if rendering fails.
func (m *Markdown) Render(content string) string {
	if m == nil || content == "" {
		return content
	}
	out, err := m.r.Render(content)
	if err != nil {
		return content
	}
	return strings.Trim(out, "\n")
}
