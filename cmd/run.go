package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go-conductor/api"
	"go-conductor/clock"
	"go-conductor/conductor"
	"go-conductor/config"
	"go-conductor/control"
	"go-conductor/debug"
	"go-conductor/link"
	"go-conductor/metrics"
	"go-conductor/midi"
	"go-conductor/router"
	"go-conductor/theme"
	"go-conductor/transport"
	"go-conductor/tui"
	"go-conductor/wire"
)

// stopFlush is how long shutdown waits for the clock to send Stop
// before the outputs close.
const stopFlush = 100 * time.Millisecond

type runOptions struct {
	tui     bool
	palette string
	noSync  bool
	listen  string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the clock, sync engine, router and command surfaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			if opts.noSync {
				cfg.Sync.Enabled = false
			}
			if opts.listen != "" {
				cfg.API.Listen = opts.listen
			}
			if err := root.setupLogging(opts.tui); err != nil {
				return err
			}
			defer debug.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cfg, debug.L())
			if err != nil {
				return err
			}
			return a.run(ctx, opts)
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&opts.tui, "tui", false, "show the status console")
	flags.StringVar(&opts.palette, "palette", "", "GIMP palette file for the console colours")
	flags.BoolVar(&opts.noSync, "no-sync", false, "run without network tempo sync")
	flags.StringVar(&opts.listen, "listen", "", "API listen address (overrides config)")
	return cmd
}

// app is every long-running component of one conductor process.
type app struct {
	cfg *config.Config
	log *zap.Logger

	cell    *transport.Cell
	engine  *link.Engine
	outputs midi.Fanout
	router  *router.Router
	gen     *clock.Generator
	ctrl    *conductor.Controller
	buttons *control.Dispatcher
	devices *midi.DeviceManager
	api     *api.Handler
}

func newApp(cfg *config.Config, log *zap.Logger) (*app, error) {
	if err := metrics.Register(nil); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, cell: transport.NewCell()}

	var err error
	a.engine, err = link.New(cfg.Tempo, cfg.Sync.Quantum,
		link.WithLogger(log),
		link.WithTransport(a.cell),
		link.WithInterval(cfg.Sync.Interval),
		link.WithTimeoutMultiple(cfg.Sync.TimeoutMultiple),
		link.WithGlideRate(cfg.Sync.GlideRate),
		link.WithSnapTolerance(cfg.Sync.SnapTolerance),
	)
	if err != nil {
		return nil, err
	}

	senders := make([]router.Sender, 0, len(cfg.MIDI.Outputs))
	for _, oc := range cfg.MIDI.Outputs {
		o := midi.NewOutput(oc.Name, oc.Opener(), log)
		a.outputs = append(a.outputs, o)
		senders = append(senders, o)
	}

	a.router = router.New(senders, router.WithLogger(log))
	if err := a.router.Apply(cfg.Router); err != nil {
		return nil, err
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	overwrite, err := conductor.ParseOverwrite(cfg.Scenes.Overwrite)
	if err != nil {
		return nil, err
	}

	a.gen = clock.New(a.engine, a.cell, a.outputs,
		clock.WithLogger(log),
		clock.WithLookahead(cfg.Clock.Lookahead),
		clock.WithSpinLead(cfg.Clock.SpinLead),
		clock.WithActiveSensing(cfg.Clock.ActiveSensing),
	)

	a.ctrl = conductor.New(a.engine, a.router, store, a.cell,
		conductor.WithLogger(log),
		conductor.WithOverwrite(overwrite),
		conductor.WithQuantizedStart(cfg.Clock.QuantizedStart),
		conductor.WithOutputs(a.outputs.Health),
		conductor.WithPulses(a.gen.Pulses),
	)

	a.buttons = control.NewDispatcher(a.ctrl,
		control.WithLogger(log),
		control.WithBPMStep(cfg.Control.BPMStep),
		control.WithDebounce(cfg.Control.Debounce),
		control.WithScenes(cfg.Control.Slots...),
	)

	a.devices = midi.NewDeviceManager(midi.ManagerConfig{
		Inputs:      cfg.MIDI.Inputs,
		PollRate:    cfg.MIDI.ScanInterval,
		ScanTimeout: cfg.MIDI.ScanTimeout,
	}, a.outputs, func(src string, ev wire.Event) { a.router.Submit(src, ev) }, log)

	a.api = api.New(a.ctrl,
		api.WithLogger(log),
		api.WithRoutes(a.router),
		api.WithButtons(a.buttons),
		api.WithDevices(a.deviceView),
	)
	return a, nil
}

func openStore(cfg *config.Config) (*conductor.FileStore, error) {
	dir := cfg.Scenes.Dir
	if dir == "" {
		d, err := conductor.ScenesDir()
		if err != nil {
			return nil, err
		}
		dir = d
	}
	return conductor.NewFileStore(dir)
}

// indicators feeds the pad panel LEDs.
func (a *app) indicators() control.Indicators {
	ind := control.Indicators{Playing: a.ctrl.Playing(), Synced: a.engine.PeerCount() > 0}
	for _, h := range a.outputs.Health() {
		if !h.Connected {
			ind.Fault = true
		}
	}
	return ind
}

func (a *app) deviceView() api.Devices {
	d := api.Devices{
		Outputs:     a.outputs.Health(),
		Inputs:      a.devices.Inputs(),
		Controllers: []string{},
	}
	for _, c := range a.devices.Controllers() {
		d.Controllers = append(d.Controllers, c.ID())
	}
	if ports, err := midi.Scan(a.cfg.MIDI.ScanTimeout); err == nil {
		d.Ports = &api.PortList{In: ports.InNames(), Out: ports.OutNames(), Serial: ports.Serial}
	}
	return d
}

func (a *app) run(ctx context.Context, opts *runOptions) error {
	// workers outlive ctx by stopFlush so the clock can send Stop
	wctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, wctx := errgroup.WithContext(wctx)

	for _, o := range a.outputs {
		o := o
		g.Go(func() error { o.Run(wctx); return nil })
	}
	g.Go(func() error { a.router.Run(wctx); return nil })
	g.Go(func() error { a.gen.Run(wctx); return nil })
	g.Go(func() error { a.devices.Run(wctx); return nil })

	var tuiDevices chan midi.DeviceEvent
	if opts.tui {
		tuiDevices = make(chan midi.DeviceEvent, 16)
	}
	g.Go(func() error {
		a.watchDevices(wctx, g, tuiDevices)
		return nil
	})

	if a.cfg.Sync.Enabled {
		conn, err := link.ListenMulticast(a.cfg.Sync.Group, a.cfg.Sync.Interface)
		if err != nil {
			a.log.Warn("tempo sync unavailable, running solo", zap.Error(err))
		} else {
			g.Go(func() error { return a.engine.Run(wctx, conn) })
		}
	}

	if a.cfg.API.Enabled {
		g.Go(func() error { return api.Serve(wctx, a.cfg.API.Listen, a.api, a.log) })
	}

	quit := make(chan struct{})
	if opts.tui {
		pal, err := theme.Load(opts.palette)
		if err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		m := tui.NewModel(a.ctrl, a.buttons, tuiDevices, theme.New(pal))
		g.Go(func() error {
			defer close(quit)
			p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(wctx))
			if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return err
			}
			return nil
		})
	}

	a.log.Info("conductor running",
		zap.Float64("bpm", a.cfg.Tempo),
		zap.Bool("sync", a.cfg.Sync.Enabled),
		zap.Strings("outputs", a.cfg.OutputNames()))

	select {
	case <-ctx.Done():
	case <-quit:
	case <-wctx.Done():
	}

	a.ctrl.Stop()
	time.Sleep(stopFlush)
	cancel()

	err := g.Wait()
	a.log.Info("conductor stopped")
	return err
}

// watchDevices starts a pad panel for each controller that appears and
// passes every event on to the console.
func (a *app) watchDevices(ctx context.Context, g *errgroup.Group, console chan<- midi.DeviceEvent) {
	for ev := range a.devices.Events() {
		a.log.Info("device "+ev.Type.String(), zap.String("id", ev.ID))
		if ev.Type == midi.DeviceConnected && ev.Kind == midi.KindController && ev.Controller != nil {
			panel := control.NewPanel(ev.Controller, a.buttons, a.indicators, a.log)
			g.Go(func() error { panel.Run(ctx); return nil })
		}
		if console != nil {
			select {
			case console <- ev:
			default:
			}
		}
	}
}
