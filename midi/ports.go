package midi

import (
	"errors"
	"fmt"
	"strings"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"go.bug.st/serial"
)

// DINBaud is the MIDI 1.0 serial rate.
const DINBaud = 31250

// ErrScanTimeout is returned when the MIDI backend does not answer.
var ErrScanTimeout = errors.New("port scan timed out")

// Ports is one scan of the system's MIDI and serial ports.
type Ports struct {
	Ins    []drivers.In
	Outs   []drivers.Out
	Serial []string
}

// InNames returns the input port names.
func (p Ports) InNames() []string {
	names := make([]string, len(p.Ins))
	for i, in := range p.Ins {
		names[i] = in.String()
	}
	return names
}

// OutNames returns the output port names.
func (p Ports) OutNames() []string {
	names := make([]string, len(p.Outs))
	for i, out := range p.Outs {
		names[i] = out.String()
	}
	return names
}

// Scan lists ports. The backend can hang (CoreMIDI, stale ALSA clients),
// so it runs with a timeout.
func Scan(timeout time.Duration) (Ports, error) {
	ch := make(chan Ports, 1)
	go func() {
		var p Ports
		p.Ins = gomidi.GetInPorts()
		p.Outs = gomidi.GetOutPorts()
		p.Serial, _ = serial.GetPortsList()
		ch <- p
	}()

	select {
	case p := <-ch:
		return p, nil
	case <-time.After(timeout):
		return Ports{}, ErrScanTimeout
	}
}

// matchName reports whether a port name contains want, ignoring case.
func matchName(name, want string) bool {
	return want != "" && strings.Contains(strings.ToLower(name), strings.ToLower(want))
}

// PortOpener opens the first MIDI output whose name contains Match, or
// the first output at all when Match is empty.
type PortOpener struct {
	Match string
}

func (p PortOpener) String() string { return "midi:" + p.Match }

func (p PortOpener) Open() (Writer, error) {
	for _, out := range gomidi.GetOutPorts() {
		if p.Match != "" && !matchName(out.String(), p.Match) {
			continue
		}
		send, err := gomidi.SendTo(out)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", out.String(), err)
		}
		return &portWriter{port: out, send: send}, nil
	}
	return nil, fmt.Errorf("no output port matching %q: %w", p.Match, ErrDeviceUnavailable)
}

type portWriter struct {
	port drivers.Out
	send func(msg gomidi.Message) error
}

func (w *portWriter) Write(b []byte) error { return w.send(gomidi.Message(b)) }
func (w *portWriter) Close() error         { return w.port.Close() }

// SerialOpener opens a UART wired to a DIN MIDI socket.
type SerialOpener struct {
	Port string
	Baud int
}

func (s SerialOpener) String() string { return "serial:" + s.Port }

func (s SerialOpener) Open() (Writer, error) {
	baud := s.Baud
	if baud == 0 {
		baud = DINBaud
	}
	port, err := serial.Open(s.Port, &serial.Mode{BaudRate: baud})
	if err != nil {
		var perr *serial.PortError
		if errors.As(err, &perr) && perr.Code() == serial.PortNotFound {
			return nil, fmt.Errorf("%s: %w", s.Port, ErrDeviceUnavailable)
		}
		return nil, fmt.Errorf("open %s: %w", s.Port, err)
	}
	return &serialWriter{port: port}, nil
}

type serialWriter struct {
	port serial.Port
}

func (w *serialWriter) Write(b []byte) error {
	_, err := w.port.Write(b)
	return err
}

func (w *serialWriter) Close() error { return w.port.Close() }

// OpenerFor builds an opener from a configured device string:
// "serial:/dev/ttyAMA0" or a MIDI port name substring.
func OpenerFor(device string, baud int) Opener {
	if path, ok := strings.CutPrefix(device, "serial:"); ok {
		return SerialOpener{Port: path, Baud: baud}
	}
	return PortOpener{Match: strings.TrimPrefix(device, "midi:")}
}
