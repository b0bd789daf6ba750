package midi

import (
	"context"
	"strings"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2/drivers"
	"go.uber.org/zap"
)

// DeviceEvent is emitted when ports and controllers come and go
type DeviceEvent struct {
	Type       DeviceEventType
	Kind       DeviceKind
	Controller Controller
	ID         string
}

type DeviceEventType int

const (
	DeviceConnected DeviceEventType = iota
	DeviceDisconnected
)

func (t DeviceEventType) String() string {
	if t == DeviceConnected {
		return "connected"
	}
	return "disconnected"
}

// DeviceKind says what a DeviceEvent refers to.
type DeviceKind int

const (
	KindInput DeviceKind = iota
	KindOutputPort
	KindController
)

// ManagerConfig selects which inputs are routed.
type ManagerConfig struct {
	// Inputs are name substrings of input ports to route. "*" routes every
	// input that is not a controller.
	Inputs   []string
	PollRate time.Duration
	// ScanTimeout bounds a single port listing.
	ScanTimeout time.Duration
}

// DeviceManager handles hot-plug detection of inputs, controllers and
// outputs. Outputs reconnect themselves; the manager pokes them when new
// ports show up so recovery does not wait for their retry tick.
type DeviceManager struct {
	cfg     ManagerConfig
	outputs Fanout
	handler Handler
	log     *zap.Logger

	controllers map[string]Controller
	inputs      map[string]*Input
	outPorts    map[string]bool
	mu          sync.RWMutex
	events      chan DeviceEvent
}

// NewDeviceManager creates a device manager. handler receives routed input.
func NewDeviceManager(cfg ManagerConfig, outputs Fanout, handler Handler, log *zap.Logger) *DeviceManager {
	if cfg.PollRate <= 0 {
		cfg.PollRate = time.Second
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = 3 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DeviceManager{
		cfg:         cfg,
		outputs:     outputs,
		handler:     handler,
		log:         log.With(zap.String("component", "devices")),
		controllers: make(map[string]Controller),
		inputs:      make(map[string]*Input),
		outPorts:    make(map[string]bool),
		events:      make(chan DeviceEvent, 16),
	}
}

// Events returns a channel of device connect/disconnect events
func (dm *DeviceManager) Events() <-chan DeviceEvent {
	return dm.events
}

// Controllers returns a snapshot of connected controllers
func (dm *DeviceManager) Controllers() []Controller {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	out := make([]Controller, 0, len(dm.controllers))
	for _, c := range dm.controllers {
		out = append(out, c)
	}
	return out
}

// Inputs returns the names of routed inputs.
func (dm *DeviceManager) Inputs() []string {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	out := make([]string, 0, len(dm.inputs))
	for id := range dm.inputs {
		out = append(out, id)
	}
	return out
}

// Run starts the polling loop (blocking - run in goroutine)
func (dm *DeviceManager) Run(ctx context.Context) {
	ticker := time.NewTicker(dm.cfg.PollRate)
	defer ticker.Stop()

	dm.scan()

	for {
		select {
		case <-ctx.Done():
			dm.closeAll()
			close(dm.events)
			return
		case <-ticker.C:
			dm.scan()
		}
	}
}

func (dm *DeviceManager) scan() {
	ports, err := Scan(dm.cfg.ScanTimeout)
	if err != nil {
		dm.log.Warn("skipping scan", zap.Error(err))
		return
	}

	seen := make(map[string]bool)
	for i, inPort := range ports.Ins {
		id := inPort.String()
		seen[id] = true

		dm.mu.RLock()
		_, isCtrl := dm.controllers[id]
		_, isInput := dm.inputs[id]
		dm.mu.RUnlock()
		if isCtrl || isInput {
			continue
		}

		if isLaunchpad(id) {
			lp, err := NewLaunchpadController(id, ports.Ins[i], findOut(ports.Outs, id))
			if err != nil {
				dm.log.Warn("controller open failed", zap.String("port", id), zap.Error(err))
				continue
			}
			dm.mu.Lock()
			dm.controllers[id] = lp
			dm.mu.Unlock()
			dm.emit(DeviceEvent{Type: DeviceConnected, Kind: KindController, Controller: lp, ID: id})
			continue
		}

		if !wantInput(id, dm.cfg.Inputs) || dm.handler == nil {
			continue
		}
		in, err := NewInput(id, ports.Ins[i], dm.handler)
		if err != nil {
			dm.log.Warn("input open failed", zap.String("port", id), zap.Error(err))
			continue
		}
		dm.mu.Lock()
		dm.inputs[id] = in
		dm.mu.Unlock()
		dm.log.Info("input connected", zap.String("port", id))
		dm.emit(DeviceEvent{Type: DeviceConnected, Kind: KindInput, ID: id})
	}

	// Check for disconnects
	dm.mu.Lock()
	for id, c := range dm.controllers {
		if !seen[id] {
			c.Close()
			delete(dm.controllers, id)
			dm.emit(DeviceEvent{Type: DeviceDisconnected, Kind: KindController, ID: id})
		}
	}
	for id, in := range dm.inputs {
		if !seen[id] {
			in.Close()
			delete(dm.inputs, id)
			dm.log.Info("input disconnected", zap.String("port", id))
			dm.emit(DeviceEvent{Type: DeviceDisconnected, Kind: KindInput, ID: id})
		}
	}

	current := make(map[string]bool)
	appeared := false
	for _, name := range append(ports.OutNames(), ports.Serial...) {
		current[name] = true
		if !dm.outPorts[name] {
			appeared = true
			dm.emit(DeviceEvent{Type: DeviceConnected, Kind: KindOutputPort, ID: name})
		}
	}
	for name := range dm.outPorts {
		if !current[name] {
			dm.emit(DeviceEvent{Type: DeviceDisconnected, Kind: KindOutputPort, ID: name})
		}
	}
	dm.outPorts = current
	dm.mu.Unlock()

	if appeared {
		for _, o := range dm.outputs {
			if !o.Connected() {
				o.Poke()
			}
		}
	}
}

// emit never blocks the scan; a slow consumer loses events.
func (dm *DeviceManager) emit(ev DeviceEvent) {
	select {
	case dm.events <- ev:
	default:
	}
}

func (dm *DeviceManager) closeAll() {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	for _, c := range dm.controllers {
		c.Close()
	}
	for _, in := range dm.inputs {
		in.Close()
	}
	dm.controllers = make(map[string]Controller)
	dm.inputs = make(map[string]*Input)
}

func wantInput(name string, patterns []string) bool {
	for _, p := range patterns {
		if p == "*" || matchName(name, p) {
			return true
		}
	}
	return false
}

// findOut returns the output port with the same name as an input, if any.
func findOut(outs []drivers.Out, name string) drivers.Out {
	for _, o := range outs {
		if strings.EqualFold(o.String(), name) {
			return o
		}
	}
	return nil
}
