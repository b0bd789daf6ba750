package router

import (
	"errors"
	"fmt"
	"math"

	"go-conductor/wire"
)

// ErrInvalidRoute is returned for route descriptors that cannot compile.
var ErrInvalidRoute = errors.New("invalid route")

type stageKind uint8

const (
	stageTranspose stageKind = iota
	stageVelocity
	stageChannel
	numStages
)

// stage is a compiled transform. Note and velocity stages use table, the
// channel stage uses channels.
type stage struct {
	kind     stageKind
	table    [128]uint8
	channels [16]uint8
}

// stageFuncs is indexed by stageKind.
var stageFuncs = [numStages]func(s *stage, ev wire.Event) wire.Event{
	stageTranspose: func(s *stage, ev wire.Event) wire.Event {
		if ev.IsNote() {
			ev.Data1 = s.table[ev.Data1&0x7F]
		}
		return ev
	},
	stageVelocity: func(s *stage, ev wire.Event) wire.Event {
		// note-on velocity 0 means note-off and stays that way
		if ev.Kind() == wire.KindNoteOn && ev.Data2 > 0 {
			ev.Data2 = s.table[ev.Data2&0x7F]
		}
		return ev
	},
	stageChannel: func(s *stage, ev wire.Event) wire.Event {
		return ev.WithChannel(s.channels[ev.Status&0x0F])
	},
}

// Route is a compiled Config. It is immutable once built.
type Route struct {
	cfg Config

	kinds    uint16
	channels uint16
	velLo    uint8
	velHi    uint8
	noteLo   uint8
	noteHi   uint8

	stages  []stage
	outputs []string
}

const allChannels = 0xFFFF

// Compile validates cfg and folds it into lookup tables.
func Compile(cfg Config) (*Route, error) {
	r := &Route{
		cfg:      cfg.Clone(),
		kinds:    (1 << wire.KindSystem) - 1,
		channels: allChannels,
		velHi:    127,
		noteHi:   127,
		outputs:  cloneSlice(cfg.Outputs),
	}

	for i, f := range cfg.Filters {
		if err := r.addFilter(f); err != nil {
			return nil, fmt.Errorf("filter %d: %w", i, err)
		}
	}
	for i, t := range cfg.Transforms {
		s, err := compileTransform(t)
		if err != nil {
			return nil, fmt.Errorf("transform %d: %w", i, err)
		}
		r.stages = append(r.stages, s)
	}
	seen := make(map[string]bool, len(cfg.Outputs))
	for _, name := range cfg.Outputs {
		if name == "" {
			return nil, fmt.Errorf("empty output name: %w", ErrInvalidRoute)
		}
		if seen[name] {
			return nil, fmt.Errorf("output %q listed twice: %w", name, ErrInvalidRoute)
		}
		seen[name] = true
	}
	return r, nil
}

// MustCompile is Compile for routes known to be valid.
func MustCompile(cfg Config) *Route {
	r, err := Compile(cfg)
	if err != nil {
		panic(err)
	}
	return r
}

// Config returns a copy of the descriptor the route was built from.
func (r *Route) Config() Config { return r.cfg.Clone() }

// Outputs returns the destination names.
func (r *Route) Outputs() []string { return r.outputs }

// Process runs ev through the filters and transforms.
func (r *Route) Process(ev wire.Event) (wire.Event, bool) {
	k := ev.Kind()
	if k == wire.KindSystem || r.kinds&(1<<k) == 0 {
		return ev, false
	}
	if r.channels&(1<<(ev.Status&0x0F)) == 0 {
		return ev, false
	}
	if ev.IsNote() {
		if ev.Data1 < r.noteLo || ev.Data1 > r.noteHi {
			return ev, false
		}
		// note-offs always pass so a filtered range cannot leave notes hanging
		sounding := k == wire.KindNoteOn && ev.Data2 > 0
		if sounding && (ev.Data2 < r.velLo || ev.Data2 > r.velHi) {
			return ev, false
		}
	}
	for i := range r.stages {
		s := &r.stages[i]
		ev = stageFuncs[s.kind](s, ev)
	}
	return ev, true
}

func (r *Route) addFilter(f FilterSpec) error {
	switch f.Type {
	case FilterType:
		if len(f.Kinds) == 0 {
			return fmt.Errorf("type filter without kinds: %w", ErrInvalidRoute)
		}
		var mask uint16
		for _, name := range f.Kinds {
			k, err := wire.ParseKind(name)
			if err != nil || k == wire.KindSystem {
				return fmt.Errorf("kind %q: %w", name, ErrInvalidRoute)
			}
			mask |= 1 << k
		}
		r.kinds &= mask
	case FilterChannel:
		if len(f.Channels) == 0 {
			return fmt.Errorf("channel filter without channels: %w", ErrInvalidRoute)
		}
		var mask uint16
		for _, ch := range f.Channels {
			if ch < 1 || ch > 16 {
				return fmt.Errorf("channel %d: %w", ch, ErrInvalidRoute)
			}
			mask |= 1 << (ch - 1)
		}
		r.channels &= mask
	case FilterVelocity:
		lo, hi, err := dataRange(f)
		if err != nil {
			return err
		}
		r.velLo, r.velHi = max(r.velLo, lo), min(r.velHi, hi)
	case FilterNote:
		lo, hi, err := dataRange(f)
		if err != nil {
			return err
		}
		r.noteLo, r.noteHi = max(r.noteLo, lo), min(r.noteHi, hi)
	default:
		return fmt.Errorf("unknown filter type %q: %w", f.Type, ErrInvalidRoute)
	}
	return nil
}

// dataRange reads Min/Max. An unset Max means 127.
func dataRange(f FilterSpec) (uint8, uint8, error) {
	hi := f.Max
	if hi == 0 {
		hi = 127
	}
	if f.Min < 0 || hi > 127 || f.Min > hi {
		return 0, 0, fmt.Errorf("%s range %d-%d: %w", f.Type, f.Min, f.Max, ErrInvalidRoute)
	}
	return uint8(f.Min), uint8(hi), nil
}

func compileTransform(t TransformSpec) (stage, error) {
	var s stage
	switch t.Type {
	case TransformTranspose:
		if t.Semitones < -127 || t.Semitones > 127 {
			return s, fmt.Errorf("transpose %d: %w", t.Semitones, ErrInvalidRoute)
		}
		s.kind = stageTranspose
		for n := range s.table {
			s.table[n] = clamp7(n + t.Semitones)
		}
	case TransformVelocityCurve:
		s.kind = stageVelocity
		table, err := velocityTable(t)
		if err != nil {
			return s, err
		}
		s.table = table
	case TransformChannelMap:
		s.kind = stageChannel
		for ch := range s.channels {
			s.channels[ch] = uint8(ch)
		}
		if t.Channel != 0 {
			if t.Channel < 1 || t.Channel > 16 {
				return s, fmt.Errorf("channel %d: %w", t.Channel, ErrInvalidRoute)
			}
			for ch := range s.channels {
				s.channels[ch] = uint8(t.Channel - 1)
			}
		}
		for from, to := range t.Map {
			if from < 1 || from > 16 || to < 1 || to > 16 {
				return s, fmt.Errorf("channel map %d->%d: %w", from, to, ErrInvalidRoute)
			}
			s.channels[from-1] = uint8(to - 1)
		}
		if t.Channel == 0 && len(t.Map) == 0 {
			return s, fmt.Errorf("empty channel map: %w", ErrInvalidRoute)
		}
	default:
		return s, fmt.Errorf("unknown transform type %q: %w", t.Type, ErrInvalidRoute)
	}
	return s, nil
}

func velocityTable(t TransformSpec) ([128]uint8, error) {
	var table [128]uint8
	if len(t.Table) > 0 {
		if len(t.Table) != 128 {
			return table, fmt.Errorf("velocity table has %d entries, want 128: %w", len(t.Table), ErrInvalidRoute)
		}
		for i, v := range t.Table {
			if v < 0 || v > 127 {
				return table, fmt.Errorf("velocity table[%d]=%d: %w", i, v, ErrInvalidRoute)
			}
			table[i] = uint8(v)
		}
		return table, nil
	}

	gamma := t.Gamma
	switch t.Curve {
	case CurveLinear, "":
		gamma = 1
	case CurveSoft:
		if gamma == 0 {
			gamma = 0.5
		}
	case CurveHard:
		if gamma == 0 {
			gamma = 2
		}
	case CurveFixed:
		if t.Value < 1 || t.Value > 127 {
			return table, fmt.Errorf("fixed velocity %d: %w", t.Value, ErrInvalidRoute)
		}
		for i := 1; i < 128; i++ {
			table[i] = uint8(t.Value)
		}
		return table, nil
	default:
		return table, fmt.Errorf("unknown velocity curve %q: %w", t.Curve, ErrInvalidRoute)
	}
	if gamma <= 0 || math.IsNaN(gamma) || math.IsInf(gamma, 0) {
		return table, fmt.Errorf("gamma %v: %w", gamma, ErrInvalidRoute)
	}
	for i := 1; i < 128; i++ {
		v := math.Round(127 * math.Pow(float64(i)/127, gamma))
		// a sounding note never becomes a note-off
		table[i] = uint8(max(1, min(127, v)))
	}
	return table, nil
}

func clamp7(n int) uint8 {
	return uint8(max(0, min(127, n)))
}
