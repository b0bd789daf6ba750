package midi

// ControllerType identifies the kind of controller
type ControllerType int

const (
	ControllerUnknown ControllerType = iota
	ControllerLaunchpad
)

// PadEvent is sent when a pad/button is pressed on a grid controller
type PadEvent struct {
	Row, Col int
	Velocity uint8
}

// Controller is a button surface with LED feedback.
type Controller interface {
	ID() string
	Type() ControllerType

	PadEvents() <-chan PadEvent

	SetLED(row, col int, color uint8, channel uint8) error
	ClearLEDs() error

	Close() error
}

// Launchpad X color palette (velocity values 0-127)
const (
	ColorOff         uint8 = 0
	ColorDimRed      uint8 = 7
	ColorRed         uint8 = 5
	ColorDimGreen    uint8 = 19
	ColorGreen       uint8 = 21
	ColorYellow      uint8 = 13
	ColorOrange      uint8 = 9
	ColorDimBlue     uint8 = 43
	ColorBlue        uint8 = 45
	ColorCyan        uint8 = 37
	ColorPurple      uint8 = 49
	ColorWhite       uint8 = 3
	ColorBrightWhite uint8 = 119

	// Channel modes for SetLED (use as 'channel' parameter)
	ChannelStatic uint8 = 0 // solid color
	ChannelFlash  uint8 = 1 // flashing A/B alternating
	ChannelPulse  uint8 = 2 // pulsing (fades)
)
