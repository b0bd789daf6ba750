// Package conductor is the command surface over the sync engine, the
// clock transport and the router. Commands are serialized; status reads
// never block the timing worker.
package conductor

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go-conductor/midi"
	"go-conductor/router"
	"go-conductor/transport"
	"go-conductor/wire"

	"go.uber.org/zap"
)

// Tempo is the part of the sync engine the controller drives.
// *link.Engine implements it.
type Tempo interface {
	SetTempo(bpm float64) error
	Nudge(delta float64) error
	Tempo() float64
	Target() float64
	Quantum() int
	CurrentBeatTime() float64
	Phase() float64
	PeerCount() int
	TimingAccuracy() time.Duration
	Establish()
}

// Routes is the part of the router the controller drives.
// *router.Router implements it.
type Routes interface {
	Validate(cfg router.Config) error
	Apply(cfg router.Config) error
	Config() router.Config
	HasOutput(name string) bool
	SendTo(name string, ev wire.Event) error
}

// Overwrite decides what SaveScene does with an existing name.
type Overwrite int

const (
	OverwriteReject Overwrite = iota
	OverwriteReplace
)

func (o Overwrite) String() string {
	if o == OverwriteReplace {
		return "replace"
	}
	return "reject"
}

// ParseOverwrite reads "reject" or "replace".
func ParseOverwrite(s string) (Overwrite, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return OverwriteReject, nil
	case "replace":
		return OverwriteReplace, nil
	}
	return OverwriteReject, fmt.Errorf("unknown overwrite policy %q", s)
}

// Status is a point-in-time view for status queries.
type Status struct {
	BPM            float64       `json:"bpm"`
	Target         float64       `json:"target"`
	Beat           float64       `json:"beat"`
	Phase          float64       `json:"phase"`
	Quantum        int           `json:"quantum"`
	Transport      string        `json:"transport"`
	Playing        bool          `json:"playing"`
	Peers          int           `json:"peers"`
	TimingAccuracy float64       `json:"timing_accuracy"` // seconds
	Outputs        []midi.Health `json:"outputs"`
	Scene          string        `json:"scene,omitempty"`
	Uptime         float64       `json:"uptime"` // seconds
	Pulses         uint64        `json:"pulses"`
}

// Controller owns the transport cell and the current scene.
type Controller struct {
	tempo  Tempo
	routes Routes
	store  SceneStore
	cell   *transport.Cell
	log    *zap.Logger
	now    func() time.Time

	overwrite Overwrite
	quantized bool
	health    func() []midi.Health
	pulses    func() uint64

	mu      sync.Mutex
	started time.Time
	paused  bool
	scene   atomic.Pointer[string]

	subMu sync.Mutex
	subs  map[chan Event]struct{}
}

// Option configures a Controller.
type Option func(*Controller)

func WithLogger(l *zap.Logger) Option { return func(c *Controller) { c.log = l } }

func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// WithOverwrite sets the SaveScene policy for existing names.
func WithOverwrite(o Overwrite) Option { return func(c *Controller) { c.overwrite = o } }

// WithQuantizedStart makes Start wait for the next bar boundary instead
// of the next pulse. On by default.
func WithQuantizedStart(on bool) Option { return func(c *Controller) { c.quantized = on } }

// WithOutputs reports output health in Status.
func WithOutputs(health func() []midi.Health) Option {
	return func(c *Controller) { c.health = health }
}

// WithPulses reports the generator's pulse count in Status.
func WithPulses(count func() uint64) Option {
	return func(c *Controller) { c.pulses = count }
}

func New(tempo Tempo, routes Routes, store SceneStore, cell *transport.Cell, opts ...Option) *Controller {
	c := &Controller{
		tempo:     tempo,
		routes:    routes,
		store:     store,
		cell:      cell,
		log:       zap.NewNop(),
		now:       time.Now,
		quantized: true,
		subs:      make(map[chan Event]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(zap.String("component", "conductor"))
	c.started = c.now()
	return c
}

// Transport returns the transport cell for readers.
func (c *Controller) Transport() transport.Reader { return c.cell }

// Playing reports whether the transport is running.
func (c *Controller) Playing() bool { return c.cell.Load().Running() }

// Start begins playback at the next bar (or pulse) boundary. Starting a
// running transport does nothing. After a Stop the clock sends Continue.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cell.Load().Running() {
		return
	}

	now := c.now()
	beat := c.tempo.CurrentBeatTime()
	var at float64
	if c.quantized {
		q := float64(c.tempo.Quantum())
		at = math.Ceil(beat/q) * q
	} else {
		at = math.Ceil(beat*wire.PPQN) / wire.PPQN
	}

	c.tempo.Establish()
	c.cell.Store(transport.Snapshot{State: transport.Running, Resume: c.paused, At: now, Beat: at})
	c.log.Info("playback started", zap.Float64("beat", at), zap.Bool("resume", c.paused))
	c.publish(Event{Kind: EventPlayStart, Beat: at, At: now})
}

// Stop halts playback. Stopping a stopped transport does nothing.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cell.Load().Running() {
		return
	}

	now := c.now()
	beat := c.tempo.CurrentBeatTime()
	c.cell.Store(transport.Snapshot{State: transport.Stopped, At: now, Beat: beat})
	c.paused = true
	c.log.Info("playback stopped", zap.Float64("beat", beat))
	c.publish(Event{Kind: EventPlayStop, Beat: beat, At: now})
}

// Toggle starts a stopped transport and stops a running one.
func (c *Controller) Toggle() {
	if c.Playing() {
		c.Stop()
		return
	}
	c.Start()
}

// Rewind forgets the paused position so the next Start sends Start
// rather than Continue.
func (c *Controller) Rewind() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

// SetBPM changes the tempo. Out of range values return ErrInvalidTempo
// and change nothing.
func (c *Controller) SetBPM(bpm float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.tempo.Target()
	if err := c.tempo.SetTempo(bpm); err != nil {
		return err
	}
	c.publish(Event{Kind: EventBPMChange, OldBPM: old, BPM: bpm, At: c.now()})
	return nil
}

// NudgeBPM moves the target tempo by delta, clamped to the valid range.
func (c *Controller) NudgeBPM(delta float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.tempo.Target()
	if err := c.tempo.Nudge(delta); err != nil {
		return err
	}
	c.publish(Event{Kind: EventBPMChange, OldBPM: old, BPM: c.tempo.Target(), At: c.now()})
	return nil
}

// LoadScene applies a stored scene's tempo, route and program changes.
// Everything is checked before anything changes: a missing scene returns
// ErrSceneNotFound, a bad one ErrInvalidScene, and in both cases the
// transport, tempo and route are left as they were.
func (c *Controller) LoadScene(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.store.Get(name)
	if err != nil {
		return err
	}
	if err := c.check(s); err != nil {
		return err
	}

	prev := c.routes.Config()
	if err := c.routes.Apply(s.Route); err != nil {
		return fmt.Errorf("scene %q: %w: %w", name, ErrInvalidScene, err)
	}
	if err := c.tempo.SetTempo(s.BPM); err != nil {
		// validated above; put the route back anyway
		if rerr := c.routes.Apply(prev); rerr != nil {
			c.log.Error("route restore failed", zap.Error(rerr))
		}
		return fmt.Errorf("scene %q: %w: %w", name, ErrInvalidScene, err)
	}
	for _, p := range s.Programs {
		ev := wire.ProgramChange(uint8(p.Channel-1), uint8(p.Program))
		if err := c.routes.SendTo(p.Output, ev); err != nil {
			c.log.Warn("program change not sent", zap.String("output", p.Output), zap.Error(err))
		}
	}

	c.scene.Store(&name)
	c.log.Info("scene loaded", zap.String("scene", name), zap.Float64("bpm", s.BPM))
	c.publish(Event{Kind: EventSceneChange, Scene: name, BPM: s.BPM, At: c.now()})
	return nil
}

// check validates s against this system's outputs.
func (c *Controller) check(s Scene) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := c.routes.Validate(s.Route); err != nil {
		return fmt.Errorf("scene %q: %w: %w", s.Name, ErrInvalidScene, err)
	}
	for _, p := range s.Programs {
		if !c.routes.HasOutput(p.Output) {
			return fmt.Errorf("scene %q: unknown output %q: %w", s.Name, p.Output, ErrInvalidScene)
		}
	}
	return nil
}

// SaveScene stores the current route under name with the given tempo and
// notes. An existing name returns ErrDuplicateScene unless the controller
// was built with OverwriteReplace.
func (c *Controller) SaveScene(name string, bpm float64, notes string) error {
	return c.PutScene(Scene{Name: name, BPM: bpm, Notes: notes, Route: c.routes.Config()}, false)
}

// ReplaceScene is SaveScene with explicit confirmation to overwrite.
func (c *Controller) ReplaceScene(name string, bpm float64, notes string) error {
	return c.PutScene(Scene{Name: name, BPM: bpm, Notes: notes, Route: c.routes.Config()}, true)
}

// PutScene stores a complete scene. replace overrides the overwrite policy.
func (c *Controller) PutScene(s Scene, replace bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(s); err != nil {
		return err
	}
	now := c.now()
	s.Created, s.Updated = now, now

	old, err := c.store.Get(s.Name)
	switch {
	case err == nil:
		if !replace && c.overwrite == OverwriteReject {
			return fmt.Errorf("%q: %w", s.Name, ErrDuplicateScene)
		}
		s.Created = old.Created
	case errors.Is(err, ErrInvalidScene) && (replace || c.overwrite == OverwriteReplace):
		// unreadable file under this name; overwrite it
	case !errors.Is(err, ErrSceneNotFound):
		return err
	}

	if err := c.store.Put(s); err != nil {
		return err
	}
	c.log.Info("scene saved", zap.String("scene", s.Name), zap.Float64("bpm", s.BPM))
	return nil
}

// DeleteScene removes a stored scene. Deleting the current scene clears it.
func (c *Controller) DeleteScene(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Delete(name); err != nil {
		return err
	}
	if c.CurrentScene() == name {
		c.scene.Store(nil)
	}
	c.log.Info("scene deleted", zap.String("scene", name))
	return nil
}

// Scenes lists stored scenes sorted by name.
func (c *Controller) Scenes() ([]Scene, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.List()
}

// CurrentScene is the last loaded scene, or "".
func (c *Controller) CurrentScene() string {
	if s := c.scene.Load(); s != nil {
		return *s
	}
	return ""
}

// Status reads engine and output state without taking the command lock.
func (c *Controller) Status() Status {
	snap := c.cell.Load()
	st := Status{
		BPM:            c.tempo.Tempo(),
		Target:         c.tempo.Target(),
		Beat:           c.tempo.CurrentBeatTime(),
		Phase:          c.tempo.Phase(),
		Quantum:        c.tempo.Quantum(),
		Transport:      snap.State.String(),
		Playing:        snap.Running(),
		Peers:          c.tempo.PeerCount(),
		TimingAccuracy: c.tempo.TimingAccuracy().Seconds(),
		Outputs:        []midi.Health{},
		Uptime:         c.now().Sub(c.started).Seconds(),
	}
	if c.health != nil {
		st.Outputs = c.health()
	}
	if c.pulses != nil {
		st.Pulses = c.pulses()
	}
	st.Scene = c.CurrentScene()
	return st
}
