package control

import (
	"context"
	"time"

	"go-conductor/midi"

	"go.uber.org/zap"
)

// Indicators are the states shown on the panel's status LEDs.
type Indicators struct {
	Playing bool // status
	Synced  bool // sync: at least one peer
	Fault   bool // error: an output is disconnected
}

type pad struct{ row, col int }

// Bottom row holds the buttons, top row the status LEDs.
var (
	buttonPads = map[pad]string{
		{0, 0}: StartStop,
		{0, 1}: Scene1,
		{0, 2}: Scene2,
		{0, 3}: Scene3,
		{0, 6}: BPMDown,
		{0, 7}: BPMUp,
	}

	statusLED   = pad{7, 0}
	syncLED     = pad{7, 1}
	errorLED    = pad{7, 2}
	activityLED = pad{7, 3}
)

const (
	panelRefresh  = 100 * time.Millisecond
	activityFlash = 100 * time.Millisecond
)

// Panel runs a grid controller as a button panel: pad presses go to the
// dispatcher, LEDs follow Indicators.
type Panel struct {
	ctrl  midi.Controller
	d     *Dispatcher
	state func() Indicators
	log   *zap.Logger
	now   func() time.Time

	leds     map[pad]uint8
	activity time.Time
}

func NewPanel(ctrl midi.Controller, d *Dispatcher, state func() Indicators, log *zap.Logger) *Panel {
	if log == nil {
		log = zap.NewNop()
	}
	return &Panel{
		ctrl:  ctrl,
		d:     d,
		state: state,
		log:   log.With(zap.String("component", "panel"), zap.String("controller", ctrl.ID())),
		now:   time.Now,
		leds:  make(map[pad]uint8),
	}
}

// Run handles pads until ctx is done or the controller goes away.
func (p *Panel) Run(ctx context.Context) {
	if err := p.ctrl.ClearLEDs(); err != nil {
		p.log.Warn("clear leds", zap.Error(err))
	}
	p.paint()

	tick := time.NewTicker(panelRefresh)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.ctrl.PadEvents():
			if !ok {
				return
			}
			p.handle(ev)
		case <-tick.C:
			p.paint()
		}
	}
}

func (p *Panel) handle(ev midi.PadEvent) {
	name, ok := buttonPads[pad{ev.Row, ev.Col}]
	if !ok {
		return
	}
	p.activity = p.now()
	if err := p.d.Press(name); err != nil {
		p.log.Warn("button failed", zap.String("button", name), zap.Error(err))
	}
	p.paint()
}

// paint sends only LEDs whose colour changed.
func (p *Panel) paint() {
	ind := p.state()
	want := map[pad]uint8{
		statusLED:   pick(ind.Playing, midi.ColorGreen, midi.ColorDimGreen),
		syncLED:     pick(ind.Synced, midi.ColorBlue, midi.ColorOff),
		errorLED:    pick(ind.Fault, midi.ColorRed, midi.ColorOff),
		activityLED: pick(p.now().Sub(p.activity) < activityFlash, midi.ColorWhite, midi.ColorOff),
	}
	scenes := p.d.Scenes()
	for at, name := range buttonPads {
		switch name {
		case StartStop:
			want[at] = pick(ind.Playing, midi.ColorGreen, midi.ColorDimRed)
		case BPMUp, BPMDown:
			want[at] = midi.ColorCyan
		default:
			want[at] = pick(scenes[name[len(name)-1]-'1'] != "", midi.ColorYellow, midi.ColorOff)
		}
	}

	for at, color := range want {
		if cur, ok := p.leds[at]; ok && cur == color {
			continue
		}
		if err := p.ctrl.SetLED(at.row, at.col, color, midi.ChannelStatic); err != nil {
			p.log.Debug("set led", zap.Error(err))
			continue
		}
		p.leds[at] = color
	}
}

func pick(on bool, yes, no uint8) uint8 {
	if on {
		return yes
	}
	return no
}
