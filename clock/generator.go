package clock

import (
	"context"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"go-conductor/metrics"
	"go-conductor/transport"
	"go-conductor/wire"

	"go.uber.org/zap"
)

// Defaults
const (
	DefaultLookahead     = 8
	DefaultSpinLead      = 2 * time.Millisecond
	DefaultActiveSensing = 300 * time.Millisecond
)

// Timeline maps beats to wall-clock time. Implementations must be
// lock-free for readers.
type Timeline interface {
	BeatAt(t time.Time) float64
	TimeAtBeat(b float64) time.Time
	TempoAt(t time.Time) float64
}

// Sink receives realtime bytes and reports how many destinations took them.
type Sink interface {
	SendRealtime(b byte) int
}

// Pulse is one scheduled clock tick.
type Pulse struct {
	Index int64 // absolute pulse number, beat = Index/24
	Due   time.Time
}

// Position is the pulse's place within its quarter note, 0-23.
func (p Pulse) Position() int {
	return int(((p.Index % wire.PPQN) + wire.PPQN) % wire.PPQN)
}

// Beat is the timeline beat of the pulse.
func (p Pulse) Beat() float64 { return float64(p.Index) / wire.PPQN }

// Generator turns the timeline into MIDI clock. It is the only writer to
// its own state and reads the timeline and transport without locking.
type Generator struct {
	tl  Timeline
	tr  transport.Reader
	out Sink
	clk Clock
	log *zap.Logger

	lookahead int
	spinLead  time.Duration
	sensing   time.Duration

	queue     []Pulse
	next      int64
	seq       uint64
	running   bool
	pending   byte
	lastSense time.Time
	deviceUp  bool

	pulses   atomic.Uint64
	late     atomic.Uint64
	position atomic.Int64
}

// Option configures a Generator.
type Option func(*Generator)

func WithClock(c Clock) Option { return func(g *Generator) { g.clk = c } }

func WithLogger(l *zap.Logger) Option { return func(g *Generator) { g.log = l } }

// WithLookahead sets how many pulses are kept scheduled ahead.
func WithLookahead(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.lookahead = n
		}
	}
}

// WithSpinLead sets how long before a pulse the generator stops sleeping
// and busy-waits. Zero disables spinning.
func WithSpinLead(d time.Duration) Option {
	return func(g *Generator) {
		if d >= 0 {
			g.spinLead = d
		}
	}
}

// WithActiveSensing sets the active sensing period. Zero disables it.
func WithActiveSensing(d time.Duration) Option {
	return func(g *Generator) {
		if d >= 0 {
			g.sensing = d
		}
	}
}

func New(tl Timeline, tr transport.Reader, out Sink, opts ...Option) *Generator {
	g := &Generator{
		tl:        tl,
		tr:        tr,
		out:       out,
		clk:       Real,
		log:       zap.NewNop(),
		lookahead: DefaultLookahead,
		spinLead:  DefaultSpinLead,
		sensing:   DefaultActiveSensing,
		deviceUp:  true,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.With(zap.String("component", "clock"))
	g.queue = make([]Pulse, 0, g.lookahead)
	return g
}

// Pulses returns the number of pulses generated, whether or not any
// device received them.
func (g *Generator) Pulses() uint64 { return g.pulses.Load() }

// Late returns how many pulses went out more than one interval late.
func (g *Generator) Late() uint64 { return g.late.Load() }

// Position returns the 0-23 position of the last pulse.
func (g *Generator) Position() int { return int(g.position.Load()) }

// Run emits clock until ctx is done. A pulse already being emitted is
// completed before returning.
func (g *Generator) Run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for ctx.Err() == nil {
		if snap := g.tr.Load(); snap.Seq != g.seq {
			g.transition(snap)
		}

		if !g.running {
			select {
			case <-ctx.Done():
			case <-g.tr.Wake():
			}
			continue
		}

		g.fill()
		head := &g.queue[0]
		head.Due = g.tl.TimeAtBeat(head.Beat())

		if g.sensing > 0 {
			if at := g.lastSense.Add(g.sensing); at.Before(head.Due) {
				if g.sleepUntil(ctx, at) {
					g.emit(wire.ActiveSensing)
					g.lastSense = g.clk.Now()
				}
				continue
			}
		}

		if !g.sleepUntil(ctx, head.Due) {
			continue
		}
		g.fire(*head)
		copy(g.queue, g.queue[1:])
		g.queue = g.queue[:len(g.queue)-1]
	}
}

func (g *Generator) transition(snap transport.Snapshot) {
	g.seq = snap.Seq
	now := g.clk.Now()

	// Any transition out of a running state implies a stop, even when a
	// new start followed it before this worker noticed.
	if g.running {
		g.emit(wire.Stop)
		g.running = false
		g.queue = g.queue[:0]
		g.pending = 0
		g.log.Debug("transport stopped")
	}
	if !snap.Running() {
		return
	}

	g.running = true
	g.queue = g.queue[:0]
	g.next = int64(math.Ceil(snap.Beat*wire.PPQN - 1e-9))
	g.pending = wire.Start
	if snap.Resume {
		g.pending = wire.Continue
	}
	g.lastSense = now
	g.log.Debug("transport running", zap.Float64("beat", snap.Beat), zap.Bool("resume", snap.Resume))
}

func (g *Generator) fill() {
	for len(g.queue) < g.lookahead {
		g.queue = append(g.queue, Pulse{Index: g.next})
		g.next++
	}
}

// sleepUntil waits until t. It returns false if interrupted by shutdown
// or a transport change before t.
func (g *Generator) sleepUntil(ctx context.Context, t time.Time) bool {
	if d := t.Sub(g.clk.Now()) - g.spinLead; d > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-g.tr.Wake():
			return false
		case <-g.clk.After(d):
		}
	}
	for g.clk.Now().Before(t) {
		runtime.Gosched()
	}
	return true
}

func (g *Generator) fire(p Pulse) {
	now := g.clk.Now()
	if g.pending != 0 {
		g.emit(g.pending)
		g.pending = 0
	}
	g.emit(wire.Clock)

	g.pulses.Add(1)
	g.position.Store(int64(p.Position()))
	metrics.PulsesTotal.Inc()

	lateness := now.Sub(p.Due)
	metrics.PulseLateness.Observe(float64(lateness) / float64(time.Millisecond))
	interval := 60 / (g.tl.TempoAt(p.Due) * wire.PPQN)
	if lateness.Seconds() > interval {
		g.late.Add(1)
		metrics.LatePulsesTotal.Inc()
	}
}

// emit sends b to the sink and logs only when device availability changes.
func (g *Generator) emit(b byte) {
	up := g.out.SendRealtime(b) > 0
	if up == g.deviceUp {
		return
	}
	g.deviceUp = up
	if up {
		g.log.Info("clock output restored")
	} else {
		g.log.Warn("no clock output available, pulses continue unsent")
	}
}
