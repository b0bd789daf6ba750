package widgets

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"go-conductor/midi"
	"go-conductor/theme"
)

// RenderDot renders an on/off status glyph.
func RenderDot(th *theme.Theme, on bool) string {
	if on {
		return lipgloss.NewStyle().Foreground(th.Success()).Render(string(th.Symbols.On))
	}
	return lipgloss.NewStyle().Foreground(th.Active()).Render(string(th.Symbols.Off))
}

// RenderOutputs renders one row per output: dot, name, counters.
func RenderOutputs(th *theme.Theme, outs []midi.Health) string {
	if len(outs) == 0 {
		return lipgloss.NewStyle().Foreground(th.Muted()).Render("  no outputs")
	}
	dim := lipgloss.NewStyle().Foreground(th.Muted())
	warn := lipgloss.NewStyle().Foreground(th.Warning())

	lines := make([]string, 0, len(outs))
	for _, o := range outs {
		line := fmt.Sprintf("  %s %-12s %s", RenderDot(th, o.Connected), o.Name,
			dim.Render(fmt.Sprintf("sent %d  dropped %d  errors %d", o.Sent, o.Dropped, o.Errors)))
		if !o.Connected && o.LastError != "" {
			line += "  " + warn.Render(o.LastError)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// RenderAccuracy shows timing accuracy, coloured by how tight it is.
func RenderAccuracy(th *theme.Theme, d time.Duration, peers int) string {
	if peers == 0 {
		return lipgloss.NewStyle().Foreground(th.Muted()).Render("solo")
	}
	c := th.Success()
	switch {
	case d > 5*time.Millisecond:
		c = th.Active()
	case d > time.Millisecond:
		c = th.Warning()
	}
	ms := float64(d) / float64(time.Millisecond)
	return lipgloss.NewStyle().Foreground(c).Render(fmt.Sprintf("±%.2fms", ms))
}

// RenderKeyHelp formats key bindings in a friendly way
func RenderKeyHelp(sections []KeySection) string {
	var lines []string
	for _, sec := range sections {
		if sec.Title != "" {
			lines = append(lines, sec.Title)
		}
		for _, k := range sec.Keys {
			lines = append(lines, fmt.Sprintf("  %-12s %s", k.Key, k.Desc))
		}
	}
	return strings.Join(lines, "\n")
}

// KeySection groups related key bindings
type KeySection struct {
	Title string
	Keys  []KeyBinding
}

// KeyBinding is a single key and its description
type KeyBinding struct {
	Key  string
	Desc string
}
