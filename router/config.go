package router

import "maps"

// Filter types
const (
	FilterType     = "type"
	FilterChannel  = "channel"
	FilterVelocity = "velocity"
	FilterNote     = "note"
)

// Transform types
const (
	TransformTranspose     = "transpose"
	TransformVelocityCurve = "velocity_curve"
	TransformChannelMap    = "channel_map"
)

// Named velocity curves
const (
	CurveLinear = "linear"
	CurveSoft   = "soft"
	CurveHard   = "hard"
	CurveFixed  = "fixed"
)

// Config describes a route: every filter must pass, then transforms run
// in order, then the message goes to each named output.
type Config struct {
	Filters    []FilterSpec    `json:"filters,omitempty" yaml:"filters,omitempty"`
	Transforms []TransformSpec `json:"transforms,omitempty" yaml:"transforms,omitempty"`
	Outputs    []string        `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// FilterSpec is one predicate. Channels are 1-16 as printed on gear.
// Min and Max bound velocity or note filters, inclusive.
type FilterSpec struct {
	Type     string   `json:"type" yaml:"type"`
	Kinds    []string `json:"kinds,omitempty" yaml:"kinds,omitempty"`
	Channels []int    `json:"channels,omitempty" yaml:"channels,omitempty"`
	Min      int      `json:"min,omitempty" yaml:"min,omitempty"`
	Max      int      `json:"max,omitempty" yaml:"max,omitempty"`
}

// TransformSpec is one transform stage.
//
// velocity_curve takes either a named Curve or a 128 entry Table. Gamma
// shapes the soft and hard curves, Value is the fixed velocity.
// channel_map maps input channels to output channels (1-16); Channel sends
// every channel message to a single channel instead.
type TransformSpec struct {
	Type      string      `json:"type" yaml:"type"`
	Semitones int         `json:"semitones,omitempty" yaml:"semitones,omitempty"`
	Curve     string      `json:"curve,omitempty" yaml:"curve,omitempty"`
	Gamma     float64     `json:"gamma,omitempty" yaml:"gamma,omitempty"`
	Value     int         `json:"value,omitempty" yaml:"value,omitempty"`
	Table     []int       `json:"table,omitempty" yaml:"table,omitempty"`
	Map       map[int]int `json:"map,omitempty" yaml:"map,omitempty"`
	Channel   int         `json:"channel,omitempty" yaml:"channel,omitempty"`
}

// Passthrough routes everything to the given outputs unchanged.
func Passthrough(outputs ...string) Config {
	return Config{Outputs: outputs}
}

// Clone returns a deep copy so snapshots never share slices or maps.
func (c Config) Clone() Config {
	out := Config{
		Outputs: cloneSlice(c.Outputs),
	}
	if c.Filters != nil {
		out.Filters = make([]FilterSpec, len(c.Filters))
		for i, f := range c.Filters {
			f.Kinds = cloneSlice(f.Kinds)
			f.Channels = cloneSlice(f.Channels)
			out.Filters[i] = f
		}
	}
	if c.Transforms != nil {
		out.Transforms = make([]TransformSpec, len(c.Transforms))
		for i, t := range c.Transforms {
			t.Table = cloneSlice(t.Table)
			t.Map = maps.Clone(t.Map)
			out.Transforms[i] = t
		}
	}
	return out
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	return append(make([]T, 0, len(s)), s...)
}
