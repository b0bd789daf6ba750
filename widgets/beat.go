package widgets

import (
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"go-conductor/theme"
)

// RenderBeatBar renders one box per beat of the bar, the current one
// highlighted. phase is the position in the bar, 0 <= phase < quantum.
func RenderBeatBar(th *theme.Theme, phase float64, quantum int, playing bool) string {
	if quantum < 1 {
		quantum = 1
	}
	cur := int(math.Floor(phase))
	if cur >= quantum {
		cur = quantum - 1
	}

	done := lipgloss.NewStyle().Foreground(th.Accent())
	now := lipgloss.NewStyle().Foreground(th.Success()).Bold(true)
	ahead := lipgloss.NewStyle().Foreground(th.Muted())
	if !playing {
		now = now.Foreground(th.Muted()).Bold(false)
		done = ahead
	}

	var out strings.Builder
	for i := 0; i < quantum; i++ {
		if i > 0 {
			out.WriteString(" ")
		}
		switch {
		case i < cur:
			out.WriteString(done.Render(string(th.Symbols.BeatDone)))
		case i == cur:
			out.WriteString(now.Render(string(th.Symbols.BeatNow)))
		default:
			out.WriteString(ahead.Render(string(th.Symbols.BeatAhead)))
		}
	}
	return out.String()
}

// RenderPhase renders a fine progress line across the bar, width cells wide.
func RenderPhase(th *theme.Theme, phase float64, quantum, width int) string {
	if quantum < 1 || width < 1 {
		return ""
	}
	pos := phase / float64(quantum)
	filled := int(math.Round(pos * float64(width)))
	filled = max(0, min(width, filled))

	var out strings.Builder
	for i := 0; i < width; i++ {
		c := th.Muted()
		r := "─"
		if i < filled {
			c = th.Color(float64(i) / float64(width))
			r = "━"
		}
		out.WriteString(lipgloss.NewStyle().Foreground(c).Render(r))
	}
	return out.String()
}

// BeatLabel formats an absolute beat as bar.beat (1-based).
func BeatLabel(beat float64, quantum int) string {
	if quantum < 1 || beat < 0 {
		return "-.-"
	}
	b := int(math.Floor(beat))
	return fmt.Sprintf("%d.%d", b/quantum+1, b%quantum+1)
}
