package widgets

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"go-conductor/midi"
	"go-conductor/theme"
)

func TestBeatLabel(t *testing.T) {
	tests := []struct {
		beat    float64
		quantum int
		want    string
	}{
		{0, 4, "1.1"},
		{3.9, 4, "1.4"},
		{4, 4, "2.1"},
		{10.5, 3, "4.2"},
		{-1, 4, "-.-"},
		{5, 0, "-.-"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BeatLabel(tt.beat, tt.quantum), "beat %v q %d", tt.beat, tt.quantum)
	}
}

func TestRenderBeatBar(t *testing.T) {
	th := theme.New(theme.Plasma())
	bar := RenderBeatBar(th, 2.3, 4, true)
	assert.Equal(t, 2, strings.Count(bar, "■"))
	assert.Equal(t, 1, strings.Count(bar, "▶"))
	assert.Equal(t, 1, strings.Count(bar, "□"))

	// quantum 0 is treated as one beat
	assert.Equal(t, 1, strings.Count(RenderBeatBar(th, 0, 0, false), "▶"))
}

func TestRenderPhase(t *testing.T) {
	th := theme.New(theme.Plasma())
	line := RenderPhase(th, 2, 4, 8)
	assert.Equal(t, 4, strings.Count(line, "━"))
	assert.Equal(t, 4, strings.Count(line, "─"))
	assert.Empty(t, RenderPhase(th, 0, 4, 0))
}

func TestRenderOutputs(t *testing.T) {
	th := theme.New(theme.Plasma())
	assert.Contains(t, RenderOutputs(th, nil), "no outputs")

	out := RenderOutputs(th, []midi.Health{
		{Name: "din", Connected: true, Sent: 42},
		{Name: "usb", LastError: "device unavailable"},
	})
	assert.Contains(t, out, "sent 42")
	assert.Contains(t, out, "device unavailable")
	assert.Equal(t, 1, strings.Count(out, "●"))
	assert.Equal(t, 1, strings.Count(out, "○"))
}

func TestRenderAccuracy(t *testing.T) {
	th := theme.New(theme.Plasma())
	assert.Contains(t, RenderAccuracy(th, 0, 0), "solo")
	assert.Contains(t, RenderAccuracy(th, 1500*time.Microsecond, 1), "±1.50ms")
}
