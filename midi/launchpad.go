package midi

import (
	"fmt"
	"strings"

	"go-conductor/debug"

	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
)

// LaunchpadController handles a Novation Launchpad X used as a button panel.
type LaunchpadController struct {
	id       string
	outPort  drivers.Out
	inPort   drivers.In
	send     func(msg gomidi.Message) error
	stopFunc func()

	padChan chan PadEvent
}

// NewLaunchpadController opens the ports and switches to programmer mode.
func NewLaunchpadController(id string, inPort drivers.In, outPort drivers.Out) (*LaunchpadController, error) {
	lp := &LaunchpadController{
		id:      id,
		inPort:  inPort,
		outPort: outPort,
		padChan: make(chan PadEvent, 32),
	}

	if outPort != nil {
		send, err := gomidi.SendTo(outPort)
		if err != nil {
			return nil, fmt.Errorf("open output: %w", err)
		}
		lp.send = send

		// Programmer mode: F0 00 20 29 02 0C 00 7F F7
		lp.send(gomidi.SysEx([]byte{0x00, 0x20, 0x29, 0x02, 0x0C, 0x00, 0x7F}))
		// Brightness max: F0 00 20 29 02 0C 08 7F F7
		lp.send(gomidi.SysEx([]byte{0x00, 0x20, 0x29, 0x02, 0x0C, 0x08, 0x7F}))
	}

	if inPort != nil {
		stop, err := gomidi.ListenTo(inPort, func(msg gomidi.Message, timestampms int32) {
			var channel, note, velocity uint8
			var cc, value uint8

			if msg.GetNoteOn(&channel, &note, &velocity) && velocity > 0 {
				if row, col := noteToRowCol(note); row >= 0 {
					lp.emit(PadEvent{Row: row, Col: col, Velocity: velocity})
				}
			}
			if msg.GetControlChange(&channel, &cc, &value) && value > 0 {
				if row, col := ccToRowCol(cc); row >= 0 {
					lp.emit(PadEvent{Row: row, Col: col, Velocity: value})
				}
			}
		})
		if err != nil {
			return nil, fmt.Errorf("open input: %w", err)
		}
		lp.stopFunc = stop
	}

	return lp, nil
}

func (lp *LaunchpadController) emit(ev PadEvent) {
	select {
	case lp.padChan <- ev:
	default:
		debug.LogEvery(50, "launchpad", "pad event dropped on %s", lp.id)
	}
}

func (lp *LaunchpadController) ID() string {
	return lp.id
}

func (lp *LaunchpadController) Type() ControllerType {
	return ControllerLaunchpad
}

func (lp *LaunchpadController) PadEvents() <-chan PadEvent {
	return lp.padChan
}

func (lp *LaunchpadController) SetLED(row, col int, color uint8, channel uint8) error {
	if lp.send == nil {
		return nil
	}
	return lp.send(gomidi.NoteOn(channel, rowColToNote(row, col), color))
}

func (lp *LaunchpadController) ClearLEDs() error {
	if lp.send == nil {
		return nil
	}
	for row := 0; row < 9; row++ {
		for col := 0; col < 9; col++ {
			if row == 8 && col == 8 {
				continue // no LED at 8,8
			}
			if err := lp.send(gomidi.NoteOn(ChannelStatic, rowColToNote(row, col), ColorOff)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (lp *LaunchpadController) Close() error {
	lp.ClearLEDs()
	if lp.stopFunc != nil {
		lp.stopFunc()
	}
	close(lp.padChan)
	return nil
}

// Launchpad X note mapping
// 8x8 Grid:  Row 0 (bottom) = notes 11-18, Row 7 = notes 81-88
// Side col:  Col 8 (right side scene buttons) = notes 19, 29, 39, 49, 59, 69, 79, 89
// Top row:   Row 8 (top control row) = CC 91-98

func rowColToNote(row, col int) uint8 {
	if row == 8 {
		return uint8(91 + col)
	}
	return uint8((row+1)*10 + col + 1)
}

func noteToRowCol(note uint8) (row, col int) {
	if note >= 91 && note <= 98 {
		return 8, int(note - 91)
	}
	row = int(note/10) - 1
	col = int(note%10) - 1
	if row < 0 || row > 7 || col < 0 || col > 8 {
		return -1, -1
	}
	return row, col
}

func ccToRowCol(cc uint8) (row, col int) {
	if cc >= 91 && cc <= 98 {
		return 8, int(cc - 91)
	}
	return -1, -1
}

func isLaunchpad(name string) bool {
	name = strings.ToLower(name)
	return strings.Contains(name, "launchpad") && strings.Contains(name, "midi")
}
