package wire

import (
	"errors"
	"fmt"
	"strings"

	gomidi "gitlab.com/gomidi/midi/v2"
)

// MIDI realtime bytes.
const (
	Clock         byte = 0xF8
	Start         byte = 0xFA
	Continue      byte = 0xFB
	Stop          byte = 0xFC
	ActiveSensing byte = 0xFE
)

// PPQN is the number of clock pulses per quarter note.
const PPQN = 24

// ErrInvalidEvent is returned by ParseEvent for truncated or malformed bytes.
var ErrInvalidEvent = errors.New("invalid midi event")

// Kind classifies a MIDI message. Values index fixed tables in the router.
type Kind uint8

const (
	KindNoteOff Kind = iota
	KindNoteOn
	KindPolyPressure
	KindControlChange
	KindProgramChange
	KindChannelPressure
	KindPitchBend
	KindSystem

	NumKinds
)

var kindNames = [NumKinds]string{
	KindNoteOff:         "note_off",
	KindNoteOn:          "note_on",
	KindPolyPressure:    "poly_aftertouch",
	KindControlChange:   "control_change",
	KindProgramChange:   "program_change",
	KindChannelPressure: "aftertouch",
	KindPitchBend:       "pitchwheel",
	KindSystem:          "system",
}

func (k Kind) String() string {
	if k < NumKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// ParseKind maps a message type name to its Kind.
func ParseKind(name string) (Kind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for k, n := range kindNames {
		if n == name {
			return Kind(k), nil
		}
	}
	switch name {
	case "pitch_bend", "pitchbend":
		return KindPitchBend, nil
	case "cc":
		return KindControlChange, nil
	}
	return 0, fmt.Errorf("unknown message type %q", name)
}

// Event is a single channel or system message of at most three bytes.
// SysEx payloads are not carried.
type Event struct {
	Status byte
	Data1  byte
	Data2  byte
}

// ParseEvent validates raw bytes as a complete MIDI message.
func ParseEvent(b []byte) (Event, error) {
	if len(b) == 0 || b[0] < 0x80 {
		return Event{}, ErrInvalidEvent
	}
	ev := Event{Status: b[0]}
	n := ev.dataLen()
	if n < 0 {
		// variable length system message, keep the status only
		return ev, nil
	}
	if len(b) < 1+n {
		return Event{}, fmt.Errorf("%w: status %#x wants %d data bytes, got %d", ErrInvalidEvent, b[0], n, len(b)-1)
	}
	for _, d := range b[1 : 1+n] {
		if d > 0x7F {
			return Event{}, fmt.Errorf("%w: data byte %#x", ErrInvalidEvent, d)
		}
	}
	if n > 0 {
		ev.Data1 = b[1]
	}
	if n > 1 {
		ev.Data2 = b[2]
	}
	return ev, nil
}

// FromMessage converts a gomidi message.
func FromMessage(msg gomidi.Message) (Event, error) {
	return ParseEvent([]byte(msg))
}

// NoteOn builds a note-on. Channel is 0-based.
func NoteOn(ch, note, vel uint8) Event {
	return Event{Status: 0x90 | ch&0x0F, Data1: note & 0x7F, Data2: vel & 0x7F}
}

// NoteOff builds a note-off. Channel is 0-based.
func NoteOff(ch, note, vel uint8) Event {
	return Event{Status: 0x80 | ch&0x0F, Data1: note & 0x7F, Data2: vel & 0x7F}
}

// ControlChange builds a CC message. Channel is 0-based.
func ControlChange(ch, cc, val uint8) Event {
	return Event{Status: 0xB0 | ch&0x0F, Data1: cc & 0x7F, Data2: val & 0x7F}
}

func ProgramChange(ch, program uint8) Event {
	return Event{Status: 0xC0 | ch&0x0F, Data1: program & 0x7F}
}

func (e Event) Kind() Kind {
	if e.Status >= 0xF0 {
		return KindSystem
	}
	return Kind(e.Status>>4 - 0x8)
}

// Channel returns the 0-based channel, or -1 for system messages.
func (e Event) Channel() int {
	if e.Status >= 0xF0 {
		return -1
	}
	return int(e.Status & 0x0F)
}

// IsNote reports whether e is a note-on or note-off.
func (e Event) IsNote() bool {
	k := e.Kind()
	return k == KindNoteOn || k == KindNoteOff
}

func (e Event) IsRealtime() bool { return e.Status >= 0xF8 }

func (e Event) Note() uint8     { return e.Data1 }
func (e Event) Velocity() uint8 { return e.Data2 }

// WithChannel returns e moved to channel ch (0-based). System messages are unchanged.
func (e Event) WithChannel(ch uint8) Event {
	if e.Status >= 0xF0 {
		return e
	}
	e.Status = e.Status&0xF0 | ch&0x0F
	return e
}

// Bytes returns the wire form.
func (e Event) Bytes() []byte {
	switch e.dataLen() {
	case 2:
		return []byte{e.Status, e.Data1, e.Data2}
	case 1:
		return []byte{e.Status, e.Data1}
	default:
		return []byte{e.Status}
	}
}

// Message returns e as a gomidi message.
func (e Event) Message() gomidi.Message {
	return gomidi.Message(e.Bytes())
}

func (e Event) String() string {
	if ch := e.Channel(); ch >= 0 {
		return fmt.Sprintf("%s ch=%d %d %d", e.Kind(), ch+1, e.Data1, e.Data2)
	}
	return fmt.Sprintf("system %#x", e.Status)
}

func (e Event) dataLen() int {
	switch e.Status & 0xF0 {
	case 0x80, 0x90, 0xA0, 0xB0, 0xE0:
		return 2
	case 0xC0, 0xD0:
		return 1
	}
	switch e.Status {
	case 0xF1, 0xF3:
		return 1
	case 0xF2:
		return 2
	case 0xF0:
		return -1
	}
	return 0
}
