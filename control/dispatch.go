// Package control turns button presses from pads, keyboards and HTTP into
// controller commands.
package control

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Button names
const (
	StartStop = "start_stop"
	Scene1    = "scene_1"
	Scene2    = "scene_2"
	Scene3    = "scene_3"
	BPMUp     = "bpm_up"
	BPMDown   = "bpm_down"
)

// Buttons lists every button name in panel order.
var Buttons = []string{StartStop, Scene1, Scene2, Scene3, BPMUp, BPMDown}

var ErrUnknownButton = errors.New("unknown button")

const (
	DefaultBPMStep  = 1.0
	DefaultDebounce = 50 * time.Millisecond
)

// Commands is what buttons drive. *conductor.Controller implements it.
type Commands interface {
	Toggle()
	NudgeBPM(delta float64) error
	LoadScene(name string) error
}

// Dispatcher maps button names to commands. Repeated presses of the same
// button inside the debounce window are ignored.
type Dispatcher struct {
	cmds     Commands
	log      *zap.Logger
	now      func() time.Time
	step     float64
	debounce time.Duration

	mu     sync.Mutex
	scenes [3]string
	last   map[string]time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(l *zap.Logger) Option { return func(d *Dispatcher) { d.log = l } }

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// WithBPMStep sets how far bpm_up and bpm_down move the tempo.
func WithBPMStep(step float64) Option {
	return func(d *Dispatcher) {
		if step > 0 {
			d.step = step
		}
	}
}

// WithDebounce sets the per-button debounce window. Zero disables it.
func WithDebounce(w time.Duration) Option {
	return func(d *Dispatcher) {
		if w >= 0 {
			d.debounce = w
		}
	}
}

// WithScenes assigns scene names to scene_1..scene_3.
func WithScenes(names ...string) Option {
	return func(d *Dispatcher) { copy(d.scenes[:], names) }
}

func NewDispatcher(cmds Commands, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cmds:     cmds,
		log:      zap.NewNop(),
		now:      time.Now,
		step:     DefaultBPMStep,
		debounce: DefaultDebounce,
		last:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With(zap.String("component", "control"))
	return d
}

// SetScene assigns a scene to slot 1-3.
func (d *Dispatcher) SetScene(slot int, name string) error {
	if slot < 1 || slot > len(d.scenes) {
		return fmt.Errorf("scene slot %d: %w", slot, ErrUnknownButton)
	}
	d.mu.Lock()
	d.scenes[slot-1] = name
	d.mu.Unlock()
	return nil
}

// Scenes returns the slot assignments.
func (d *Dispatcher) Scenes() [3]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scenes
}

// Press runs the command for button. A debounced press returns nil and
// does nothing.
func (d *Dispatcher) Press(button string) error {
	if !slices.Contains(Buttons, button) {
		return fmt.Errorf("%q: %w", button, ErrUnknownButton)
	}
	if !d.accept(button) {
		return nil
	}
	d.log.Debug("button pressed", zap.String("button", button))

	switch button {
	case StartStop:
		d.cmds.Toggle()
		return nil
	case BPMUp:
		return d.cmds.NudgeBPM(d.step)
	case BPMDown:
		return d.cmds.NudgeBPM(-d.step)
	default:
		slot := int(button[len(button)-1] - '1')
		d.mu.Lock()
		name := d.scenes[slot]
		d.mu.Unlock()
		if name == "" {
			d.log.Info("no scene assigned", zap.String("button", button))
			return nil
		}
		return d.cmds.LoadScene(name)
	}
}

func (d *Dispatcher) accept(button string) bool {
	if d.debounce == 0 {
		return true
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.last[button]; ok && now.Sub(last) < d.debounce {
		return false
	}
	d.last[button] = now
	return true
}
