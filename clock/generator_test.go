package clock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go-conductor/link"
	"go-conductor/transport"
	"go-conductor/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// fakeClock jumps forward whenever the generator waits.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.t = c.t.Add(d)
	now := c.t
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type timeline struct {
	s atomic.Pointer[link.TempoState]
}

func newTimeline(s link.TempoState) *timeline {
	tl := &timeline{}
	tl.s.Store(&s)
	return tl
}

func (tl *timeline) BeatAt(t time.Time) float64     { return tl.s.Load().BeatAt(t) }
func (tl *timeline) TimeAtBeat(b float64) time.Time { return tl.s.Load().TimeAtBeat(b) }
func (tl *timeline) TempoAt(t time.Time) float64    { return tl.s.Load().TempoAt(t) }

type stamped struct {
	b  byte
	at time.Time
}

// recorder is a Sink that records bytes with the clock reading and can
// run a hook after each byte.
type recorder struct {
	mu   sync.Mutex
	clk  Clock
	got  []stamped
	hook func(r *recorder, b byte)
	up   bool
}

func (r *recorder) SendRealtime(b byte) int {
	r.mu.Lock()
	r.got = append(r.got, stamped{b: b, at: r.clk.Now()})
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(r, b)
	}
	if !r.up {
		return 0
	}
	return 1
}

func (r *recorder) bytes() []stamped {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stamped(nil), r.got...)
}

func (r *recorder) count(b byte) int {
	n := 0
	for _, s := range r.bytes() {
		if s.b == b {
			n++
		}
	}
	return n
}

func clocksOnly(in []stamped) []stamped {
	var out []stamped
	for _, s := range in {
		if s.b == wire.Clock {
			out = append(out, s)
		}
	}
	return out
}

func runUntil(t *testing.T, g *Generator, r *recorder, stop func([]stamped) bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		g.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return stop(r.bytes()) }, 5*time.Second, time.Millisecond)
	cancel()
	<-done
}

func startedCell(beat float64) *transport.Cell {
	c := transport.NewCell()
	c.Store(transport.Snapshot{State: transport.Running, Beat: beat})
	return c
}

func TestPulseIntervalMatchesTempo(t *testing.T) {
	for _, bpm := range []float64{20, 60, 120, 174.5, 300} {
		clk := &fakeClock{t: t0}
		tl := newTimeline(link.NewTempoState(t0, bpm, 4))
		r := &recorder{clk: clk, up: true}
		g := New(tl, startedCell(0), r, WithClock(clk), WithSpinLead(0), WithActiveSensing(0))

		runUntil(t, g, r, func(b []stamped) bool { return len(clocksOnly(b)) >= 100 })

		clocks := clocksOnly(r.bytes())
		want := 60 / (bpm * 24)
		for i := 1; i < 100; i++ {
			got := clocks[i].at.Sub(clocks[i-1].at).Seconds()
			require.InDelta(t, want, got, 0.0005, "bpm %v pulse %d", bpm, i)
		}
		// first pulse lands on beat 0
		assert.Equal(t, t0, clocks[0].at)
	}
}

func TestStartBeforeFirstPulseAndNeverEarly(t *testing.T) {
	clk := &fakeClock{t: t0}
	tl := newTimeline(link.NewTempoState(t0, 120, 4))
	r := &recorder{clk: clk, up: true}
	g := New(tl, startedCell(4), r, WithClock(clk), WithSpinLead(0), WithActiveSensing(0))

	runUntil(t, g, r, func(b []stamped) bool { return len(b) >= 30 })

	got := r.bytes()
	assert.Equal(t, wire.Start, got[0].b)
	assert.Equal(t, wire.Clock, got[1].b)
	assert.Equal(t, 1, r.count(wire.Start))
	assert.Equal(t, 0, r.count(wire.Continue))

	// beat 4 at 120 BPM is 2s after the origin
	assert.Equal(t, t0.Add(2*time.Second), got[1].at)
	for i, s := range clocksOnly(got) {
		due := tl.TimeAtBeat(4 + float64(i)/24)
		assert.False(t, s.at.Before(due), "pulse %d early", i)
	}
}

func TestActiveSensingInterleaved(t *testing.T) {
	clk := &fakeClock{t: t0}
	tl := newTimeline(link.NewTempoState(t0, 120, 4))
	r := &recorder{clk: clk, up: true}
	g := New(tl, startedCell(0), r, WithClock(clk), WithSpinLead(0))

	// 3 seconds of clock at 120 BPM
	runUntil(t, g, r, func(b []stamped) bool { return len(clocksOnly(b)) >= 144 })

	var sense []time.Time
	for _, s := range r.bytes() {
		if s.b == wire.ActiveSensing {
			sense = append(sense, s.at)
		}
	}
	require.GreaterOrEqual(t, len(sense), 9)
	for i := 1; i < len(sense); i++ {
		assert.InDelta(t, 0.3, sense[i].Sub(sense[i-1]).Seconds(), 0.001)
	}
}

func TestStopHaltsAndResumeContinues(t *testing.T) {
	clk := &fakeClock{t: t0}
	tl := newTimeline(link.NewTempoState(t0, 120, 4))
	cell := startedCell(0)
	r := &recorder{clk: clk, up: true}

	var clocks atomic.Int32
	r.hook = func(r *recorder, b byte) {
		if b != wire.Clock {
			return
		}
		switch clocks.Add(1) {
		case 10:
			cell.Store(transport.Snapshot{State: transport.Stopped})
			go func() {
				// resume a while later, at the next bar
				clk.Advance(time.Second)
				cell.Store(transport.Snapshot{State: transport.Running, Resume: true, Beat: 8})
			}()
		}
	}
	g := New(tl, cell, r, WithClock(clk), WithSpinLead(0), WithActiveSensing(0))
	runUntil(t, g, r, func(b []stamped) bool { return len(clocksOnly(b)) >= 20 })

	got := r.bytes()
	var seq []byte
	for _, s := range got {
		if s.b != wire.Clock {
			seq = append(seq, s.b)
		}
	}
	assert.Equal(t, []byte{wire.Start, wire.Stop, wire.Continue}, seq)

	// exactly 10 clocks before Stop, none between Stop and Continue
	idx := func(b byte) int {
		for i, s := range got {
			if s.b == b {
				return i
			}
		}
		return -1
	}
	stop, cont := idx(wire.Stop), idx(wire.Continue)
	assert.Len(t, clocksOnly(got[:stop]), 10)
	assert.Empty(t, clocksOnly(got[stop:cont]))
	assert.Equal(t, tl.TimeAtBeat(8), got[cont+1].at)
}

func TestBacklogEmittedInOrder(t *testing.T) {
	clk := &fakeClock{t: t0}
	tl := newTimeline(link.NewTempoState(t0, 120, 4))
	r := &recorder{clk: clk, up: true}
	var n atomic.Int32
	r.hook = func(_ *recorder, b byte) {
		if b == wire.Clock && n.Add(1) == 5 {
			// scheduler stall of ~5 pulse intervals
			clk.Advance(100 * time.Millisecond)
		}
	}
	g := New(tl, startedCell(0), r, WithClock(clk), WithSpinLead(0), WithActiveSensing(0))
	runUntil(t, g, r, func(b []stamped) bool { return len(clocksOnly(b)) >= 24 })

	clocks := clocksOnly(r.bytes())
	// pulse count is preserved: by the time pulse k goes out, no due pulse is skipped
	for i, s := range clocks {
		assert.False(t, s.at.Before(tl.TimeAtBeat(float64(i)/24)))
	}
	// the stalled ones went out back to back
	assert.Equal(t, clocks[5].at, clocks[6].at)
	assert.Greater(t, g.Late(), uint64(0))
	// and timing catches up afterwards
	assert.Equal(t, tl.TimeAtBeat(23.0/24), clocks[23].at)
}

func TestTempoGlideReflectedInPulses(t *testing.T) {
	clk := &fakeClock{t: t0}
	tl := newTimeline(link.NewTempoState(t0, 120, 4).Retarget(t0, 60, 20))
	r := &recorder{clk: clk, up: true}
	g := New(tl, startedCell(0), r, WithClock(clk), WithSpinLead(0), WithActiveSensing(0))
	runUntil(t, g, r, func(b []stamped) bool { return len(clocksOnly(b)) >= 200 })

	clocks := clocksOnly(r.bytes())
	prev := 0.0
	for i := 1; i < len(clocks); i++ {
		iv := clocks[i].at.Sub(clocks[i-1].at).Seconds()
		// slowing down: intervals never shrink, and never jump by more
		// than the glide allows over one pulse
		assert.GreaterOrEqual(t, iv, prev-1e-6)
		prev = iv
	}
	assert.InDelta(t, 60.0/(60*24), prev, 1e-6)
}

func TestGeneratesWithoutDevice(t *testing.T) {
	clk := &fakeClock{t: t0}
	tl := newTimeline(link.NewTempoState(t0, 120, 4))
	r := &recorder{clk: clk, up: false}
	g := New(tl, startedCell(0), r, WithClock(clk), WithSpinLead(0), WithActiveSensing(0))
	runUntil(t, g, r, func(b []stamped) bool { return len(b) >= 48 })
	assert.GreaterOrEqual(t, g.Pulses(), uint64(47))
}

func TestPulsePosition(t *testing.T) {
	assert.Equal(t, 0, Pulse{Index: 48}.Position())
	assert.Equal(t, 23, Pulse{Index: 47}.Position())
	assert.Equal(t, 23, Pulse{Index: -1}.Position())
	assert.Equal(t, 2.0, Pulse{Index: 48}.Beat())
}

func TestRealTimePulseInterval(t *testing.T) {
	if testing.Short() {
		t.Skip("real-time timing test")
	}
	start := time.Now().Add(50 * time.Millisecond)
	tl := newTimeline(link.NewTempoState(start, 120, 4))
	r := &recorder{clk: Real, up: true}
	g := New(tl, startedCell(0), r, WithActiveSensing(0))
	runUntil(t, g, r, func(b []stamped) bool { return len(clocksOnly(b)) >= 49 })

	clocks := clocksOnly(r.bytes())
	want := 60.0 / (120 * 24)
	mean := clocks[48].at.Sub(clocks[0].at).Seconds() / 48
	assert.InDelta(t, want, mean, 0.0005)
	for i, s := range clocks[:49] {
		early := tl.TimeAtBeat(float64(i)/24).Sub(s.at)
		assert.LessOrEqual(t, early, time.Duration(0), "pulse %d early by %v", i, early)
	}
}
