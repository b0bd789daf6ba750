package link

import (
	"math"
	"time"

	"github.com/google/uuid"
)

const bpmEpsilon = 1e-9

// TempoState is the shared timeline. Beat position is never stored as a
// running counter: it is derived from the anchor and the wall clock.
//
// Between Origin and the end of a glide the tempo ramps linearly from BPM
// to Target at Rate BPM per second, after which it holds at Target. All
// methods are pure; updates return a new value anchored at the update time
// so beat and tempo stay continuous across them.
type TempoState struct {
	Origin time.Time
	Beat   float64 // beat at Origin
	BPM    float64 // tempo at Origin
	Target float64
	Rate   float64 // glide rate in BPM/s, 0 means no glide

	Quantum int

	Session      uuid.UUID
	SessionStart time.Time // zero until established
}

// NewTempoState anchors a steady tempo at t with beat 0.
func NewTempoState(t time.Time, bpm float64, quantum int) TempoState {
	if quantum < 1 {
		quantum = 4
	}
	return TempoState{
		Origin:  t,
		BPM:     bpm,
		Target:  bpm,
		Quantum: quantum,
		Session: uuid.New(),
	}
}

// Established reports whether the session was set deliberately.
func (s TempoState) Established() bool { return !s.SessionStart.IsZero() }

// ramp returns the signed ramp slope in BPM/s and the ramp duration in seconds.
func (s TempoState) ramp() (accel, dur float64) {
	diff := s.Target - s.BPM
	if s.Rate <= 0 || math.Abs(diff) < bpmEpsilon {
		return 0, 0
	}
	dur = math.Abs(diff) / s.Rate
	if diff < 0 {
		return -s.Rate, dur
	}
	return s.Rate, dur
}

// TempoAt returns the instantaneous tempo at t.
func (s TempoState) TempoAt(t time.Time) float64 {
	a, dur := s.ramp()
	dt := t.Sub(s.Origin).Seconds()
	if dur == 0 || dt <= 0 {
		return s.BPM
	}
	if dt >= dur {
		return s.Target
	}
	return s.BPM + a*dt
}

// BeatAt returns the beat position at t.
func (s TempoState) BeatAt(t time.Time) float64 {
	a, dur := s.ramp()
	dt := t.Sub(s.Origin).Seconds()
	if dur == 0 || dt <= 0 {
		return s.Beat + dt*s.BPM/60
	}
	if dt <= dur {
		return s.Beat + (s.BPM*dt+0.5*a*dt*dt)/60
	}
	rampBeats := (s.BPM + s.Target) / 2 * dur / 60
	return s.Beat + rampBeats + (dt-dur)*s.Target/60
}

// TimeAtBeat is the inverse of BeatAt.
func (s TempoState) TimeAtBeat(b float64) time.Time {
	a, dur := s.ramp()
	db := b - s.Beat
	if dur == 0 || db <= 0 {
		return s.Origin.Add(seconds(db * 60 / s.BPM))
	}
	rampBeats := (s.BPM + s.Target) / 2 * dur / 60
	if db <= rampBeats {
		// root of BPM*dt + a*dt²/2 = 60*db, in the form that stays
		// stable when a is small
		disc := math.Max(s.BPM*s.BPM+2*a*60*db, 0)
		dt := 2 * 60 * db / (s.BPM + math.Sqrt(disc))
		return s.Origin.Add(seconds(dt))
	}
	return s.Origin.Add(seconds(dur + (db-rampBeats)*60/s.Target))
}

// PhaseAt returns the position within the quantum at t, in [0, Quantum).
func (s TempoState) PhaseAt(t time.Time) float64 {
	return Phase(s.BeatAt(t), float64(s.Quantum))
}

// Gliding reports whether a tempo ramp is still in progress at t.
func (s TempoState) Gliding(t time.Time) bool {
	return math.Abs(s.TempoAt(t)-s.Target) > bpmEpsilon
}

// Retarget starts a glide from the tempo at t toward target. A rate of
// zero jumps.
func (s TempoState) Retarget(t time.Time, target, rate float64) TempoState {
	if rate <= 0 {
		return s.Jump(t, target)
	}
	n := s.rebase(t)
	n.Target = target
	n.Rate = rate
	return n
}

// Jump changes tempo instantly at t. The beat position is continuous.
func (s TempoState) Jump(t time.Time, bpm float64) TempoState {
	n := s.rebase(t)
	n.BPM = bpm
	n.Target = bpm
	return n
}

// Realign moves the beat at t to beat, keeping tempo and any glide.
func (s TempoState) Realign(t time.Time, beat float64) TempoState {
	n := s.rebase(t)
	n.Beat = beat
	return n
}

func (s TempoState) rebase(t time.Time) TempoState {
	n := s
	n.Beat = s.BeatAt(t)
	n.BPM = s.TempoAt(t)
	n.Origin = t
	return n
}

// Phase wraps beat into [0, q).
func Phase(beat, q float64) float64 {
	p := math.Mod(beat, q)
	if p < 0 {
		p += q
	}
	if p >= q {
		p = 0
	}
	return p
}

// PhaseError returns the signed distance from phase b to phase a,
// wrapped into [-q/2, q/2).
func PhaseError(a, b, q float64) float64 {
	return Phase(a-b+q/2, q) - q/2
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
