package midi

import (
	"fmt"

	"go-conductor/wire"

	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
)

// Handler receives messages from an input. src is the input port name.
// It is called on the driver's callback goroutine and must not block.
type Handler func(src string, ev wire.Event)

// Input forwards everything from one MIDI input port to a Handler.
type Input struct {
	id       string
	stopFunc func()
}

// NewInput starts listening on inPort.
func NewInput(id string, inPort drivers.In, h Handler) (*Input, error) {
	stop, err := gomidi.ListenTo(inPort, func(msg gomidi.Message, timestampms int32) {
		ev, err := wire.FromMessage(msg)
		if err != nil {
			return
		}
		h(id, ev)
	})
	if err != nil {
		return nil, fmt.Errorf("open input %s: %w", id, err)
	}
	return &Input{id: id, stopFunc: stop}, nil
}

func (in *Input) ID() string { return in.id }

func (in *Input) Close() error {
	if in.stopFunc != nil {
		in.stopFunc()
	}
	return nil
}
