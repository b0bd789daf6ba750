package midi

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go-conductor/metrics"
	"go-conductor/wire"

	"go.uber.org/zap"
)

// ErrDeviceUnavailable is returned by sends to an output that is
// disconnected or not keeping up. Nothing is buffered for later.
var ErrDeviceUnavailable = errors.New("device unavailable")

// Writer is an open MIDI destination.
type Writer interface {
	Write(b []byte) error
	Close() error
}

// Opener opens a Writer. It is called again after every failure.
type Opener interface {
	Open() (Writer, error)
	String() string
}

// Health is an output's connection status for status queries.
type Health struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	Sent      uint64 `json:"sent"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
	LastError string `json:"last_error,omitempty"`
}

const (
	realtimeQueue = 64
	normalQueue   = 256
	retryInterval = time.Second
)

// Output owns one destination and a writer goroutine. Sends never block:
// realtime bytes go through a priority queue that the writer drains first.
type Output struct {
	name   string
	opener Opener
	log    *zap.Logger

	rt     chan byte
	normal chan []byte
	poke   chan struct{}

	connected atomic.Bool
	sent      atomic.Uint64
	dropped   atomic.Uint64
	errs      atomic.Uint64
	lastErr   atomic.Pointer[string]
}

// NewOutput creates a disconnected output. Run connects it.
func NewOutput(name string, opener Opener, log *zap.Logger) *Output {
	if log == nil {
		log = zap.NewNop()
	}
	return &Output{
		name:   name,
		opener: opener,
		log:    log.With(zap.String("component", "output"), zap.String("output", name)),
		rt:     make(chan byte, realtimeQueue),
		normal: make(chan []byte, normalQueue),
		poke:   make(chan struct{}, 1),
	}
}

func (o *Output) Name() string { return o.name }

func (o *Output) Connected() bool { return o.connected.Load() }

// SendRealtime queues a single realtime byte (clock, start, stop...).
func (o *Output) SendRealtime(b byte) error {
	if !o.connected.Load() {
		return o.drop()
	}
	select {
	case o.rt <- b:
		return nil
	default:
		return o.drop()
	}
}

// Send queues a channel message.
func (o *Output) Send(ev wire.Event) error {
	if !o.connected.Load() {
		return o.drop()
	}
	select {
	case o.normal <- ev.Bytes():
		return nil
	default:
		return o.drop()
	}
}

func (o *Output) drop() error {
	o.dropped.Add(1)
	metrics.OutputDrops.WithLabelValues(o.name).Inc()
	return fmt.Errorf("%s: %w", o.name, ErrDeviceUnavailable)
}

// Poke asks a disconnected output to retry now instead of at the next retry tick.
func (o *Output) Poke() {
	select {
	case o.poke <- struct{}{}:
	default:
	}
}

func (o *Output) Health() Health {
	h := Health{
		Name:      o.name,
		Connected: o.connected.Load(),
		Sent:      o.sent.Load(),
		Dropped:   o.dropped.Load(),
		Errors:    o.errs.Load(),
	}
	if e := o.lastErr.Load(); e != nil {
		h.LastError = *e
	}
	return h
}

// Run owns the writer until ctx is done.
func (o *Output) Run(ctx context.Context) {
	retry := time.NewTicker(retryInterval)
	defer retry.Stop()

	var w Writer
	defer func() {
		if w != nil {
			w.Close()
		}
		o.connected.Store(false)
	}()

	connect := func() {
		if w != nil {
			return
		}
		nw, err := o.opener.Open()
		if err != nil {
			o.setErr(err)
			return
		}
		w = nw
		o.drain()
		o.connected.Store(true)
		o.log.Info("output connected", zap.Stringer("device", o.opener))
	}
	write := func(b []byte) {
		if w == nil {
			return
		}
		if err := w.Write(b); err != nil {
			o.errs.Add(1)
			o.setErr(err)
			metrics.OutputErrors.WithLabelValues(o.name).Inc()
			o.connected.Store(false)
			w.Close()
			w = nil
			o.log.Warn("output lost", zap.Error(err))
			return
		}
		o.sent.Add(1)
	}

	connect()
	for {
		// realtime first
		select {
		case b := <-o.rt:
			write([]byte{b})
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case b := <-o.rt:
			write([]byte{b})
		case msg := <-o.normal:
			write(msg)
		case <-o.poke:
			connect()
		case <-retry.C:
			connect()
		}
	}
}

// drain discards anything queued while disconnected.
func (o *Output) drain() {
	for {
		select {
		case <-o.rt:
		case <-o.normal:
		default:
			return
		}
	}
}

func (o *Output) setErr(err error) {
	s := err.Error()
	o.lastErr.Store(&s)
}

// Fanout sends to a fixed set of outputs.
type Fanout []*Output

// SendRealtime sends b to every connected output. It returns the number
// of outputs that accepted it.
func (f Fanout) SendRealtime(b byte) int {
	n := 0
	for _, o := range f {
		if o.SendRealtime(b) == nil {
			n++
		}
	}
	return n
}

func (f Fanout) Health() []Health {
	out := make([]Health, len(f))
	for i, o := range f {
		out[i] = o.Health()
	}
	return out
}

// Lookup finds an output by name.
func (f Fanout) Lookup(name string) (*Output, bool) {
	for _, o := range f {
		if o.name == name {
			return o, true
		}
	}
	return nil, false
}
