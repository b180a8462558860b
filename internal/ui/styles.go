package ui

import (
	"io"

	"github.com/charmbracelet/lipgloss"
)

// Catppuccin Mocha palette.
var (
	colorGreen  = lipgloss.Color("#a6e3a1")
	colorBlue   = lipgloss.Color("#89b4fa")
	colorYellow = lipgloss.Color("#f9e2af")
	colorRed    = lipgloss.Color("#f38ba8")
	colorTeal   = lipgloss.Color("#94e2d5")
	colorMauve  = lipgloss.Color("#cba6f7")
	colorMuted  = lipgloss.Color("#5a6278")
)

// styles are bound to a renderer so color detection follows the writer the
// presenter draws to rather than stdout.
type styles struct {
	ok       lipgloss.Style
	failed   lipgloss.Style
	warn     lipgloss.Style
	task     lipgloss.Style
	muted    lipgloss.Style
	transfer lipgloss.Style
	speed    lipgloss.Style
	state    lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		ok:       r.NewStyle().Foreground(colorGreen),
		failed:   r.NewStyle().Foreground(colorRed).Bold(true),
		warn:     r.NewStyle().Foreground(colorYellow),
		task:     r.NewStyle().Bold(true),
		muted:    r.NewStyle().Foreground(colorMuted),
		transfer: r.NewStyle().Foreground(colorBlue),
		speed:    r.NewStyle().Foreground(colorTeal),
		state:    r.NewStyle().Foreground(colorMauve).Italic(true),
	}
}
