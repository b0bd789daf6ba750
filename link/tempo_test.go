package link

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func TestSteadyTempo(t *testing.T) {
	s := NewTempoState(t0, 120, 4)
	assert.InDelta(t, 2.0, s.BeatAt(t0.Add(time.Second)), 1e-9)
	assert.InDelta(t, -1.0, s.BeatAt(t0.Add(-500*time.Millisecond)), 1e-9)
	assert.Equal(t, t0.Add(1500*time.Millisecond), s.TimeAtBeat(3))
	assert.InDelta(t, 1.0, s.PhaseAt(t0.Add(2500*time.Millisecond)), 1e-9)
	assert.False(t, s.Gliding(t0))
}

func TestGlideIsBoundedAndContinuous(t *testing.T) {
	s := NewTempoState(t0, 120, 4)
	g := s.Retarget(t0.Add(time.Second), 100, 2)

	// continuity at the retarget instant
	at := t0.Add(time.Second)
	assert.InDelta(t, s.BeatAt(at), g.BeatAt(at), 1e-9)
	assert.InDelta(t, 120.0, g.TempoAt(at), 1e-9)

	// 20 BPM at 2 BPM/s takes 10s
	assert.InDelta(t, 110.0, g.TempoAt(at.Add(5*time.Second)), 1e-9)
	assert.InDelta(t, 100.0, g.TempoAt(at.Add(10*time.Second)), 1e-9)
	assert.InDelta(t, 100.0, g.TempoAt(at.Add(time.Minute)), 1e-9)
	assert.True(t, g.Gliding(at.Add(9*time.Second)))
	assert.False(t, g.Gliding(at.Add(11*time.Second)))

	// tempo never moves faster than the rate
	step := 10 * time.Millisecond
	prev := g.TempoAt(at)
	for d := step; d < 12*time.Second; d += step {
		cur := g.TempoAt(at.Add(d))
		require.LessOrEqual(t, math.Abs(cur-prev), 2*step.Seconds()+1e-9)
		prev = cur
	}

	// closed form matches the integral: ramp covers (120+100)/2 * 10s / 60 beats
	assert.InDelta(t, g.Beat+110.0*10/60, g.BeatAt(at.Add(10*time.Second)), 1e-9)
}

func TestTimeAtBeatInvertsBeatAt(t *testing.T) {
	for _, tc := range []struct{ from, to float64 }{
		{120, 100}, {90, 140}, {20, 300}, {300, 20},
	} {
		s := NewTempoState(t0, tc.from, 4).Retarget(t0, tc.to, 2)
		for _, d := range []time.Duration{0, 10 * time.Millisecond, 3 * time.Second, 40 * time.Second, 5 * time.Minute} {
			at := t0.Add(d)
			back := s.TimeAtBeat(s.BeatAt(at))
			require.InDelta(t, 0, back.Sub(at).Seconds(), 1e-6, "%v->%v at %v", tc.from, tc.to, d)
		}
	}
}

func TestJumpAndRealign(t *testing.T) {
	s := NewTempoState(t0, 120, 4)
	at := t0.Add(time.Second)
	j := s.Jump(at, 60)
	assert.InDelta(t, 2.0, j.BeatAt(at), 1e-9)
	assert.InDelta(t, 3.0, j.BeatAt(at.Add(time.Second)), 1e-9)

	r := j.Realign(at, 4)
	assert.InDelta(t, 0.0, r.PhaseAt(at), 1e-9)
	assert.InDelta(t, 60.0, r.TempoAt(at), 1e-9)
}

func TestPhaseError(t *testing.T) {
	assert.InDelta(t, 0.1, PhaseError(0.1, 0, 4), 1e-9)
	assert.InDelta(t, -0.1, PhaseError(3.9, 0, 4), 1e-9)
	assert.InDelta(t, -2.0, PhaseError(2, 0, 4), 1e-9)
	assert.InDelta(t, 3.5, Phase(-0.5, 4), 1e-9)
}
