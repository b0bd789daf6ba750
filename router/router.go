package router

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go-conductor/debug"
	"go-conductor/metrics"
	"go-conductor/wire"

	"go.uber.org/zap"
)

const defaultQueue = 256

// Sender is a routable destination. *midi.Output implements it.
type Sender interface {
	Name() string
	Connected() bool
	Send(ev wire.Event) error
}

// active is what the hot path loads: the compiled route plus its
// destinations resolved to senders.
type active struct {
	route *Route
	dests []Sender
}

// Stats are router counters since start.
type Stats struct {
	Received uint64  `json:"received"`
	Routed   uint64  `json:"routed"`
	Dropped  uint64  `json:"dropped"`
	Rate     float64 `json:"rate"` // routed messages per second since the previous Stats call
}

type queued struct {
	src string
	ev  wire.Event
}

// Router filters, transforms and fans out input messages. The active
// route is swapped atomically; processing never takes a lock.
type Router struct {
	outputs map[string]Sender
	cur     atomic.Pointer[active]
	queue   chan queued
	log     *zap.Logger
	limit   *debug.Limiter

	received atomic.Uint64
	routed   atomic.Uint64
	dropped  atomic.Uint64

	rateMu   sync.Mutex
	rateAt   time.Time
	rateBase uint64
}

// Option configures a Router.
type Option func(*Router)

func WithLogger(l *zap.Logger) Option { return func(r *Router) { r.log = l } }

// WithQueue sets the input queue length.
func WithQueue(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.queue = make(chan queued, n)
		}
	}
}

// New creates a router over the given outputs with an empty route that
// drops everything until Apply is called.
func New(outputs []Sender, opts ...Option) *Router {
	r := &Router{
		outputs: make(map[string]Sender, len(outputs)),
		queue:   make(chan queued, defaultQueue),
		log:     zap.NewNop(),
		limit:   debug.NewLimiter(5 * time.Second),
		rateAt:  time.Now(),
	}
	for _, o := range outputs {
		r.outputs[o.Name()] = o
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(zap.String("component", "router"))
	r.cur.Store(&active{route: MustCompile(Config{})})
	return r
}

// Validate reports whether cfg would be accepted by Apply.
func (r *Router) Validate(cfg Config) error {
	_, err := r.build(cfg)
	return err
}

// Apply compiles cfg and publishes it. The previous route stays active
// when cfg is invalid. A config without outputs goes to every output.
func (r *Router) Apply(cfg Config) error {
	a, err := r.build(cfg)
	if err != nil {
		return err
	}
	r.cur.Store(a)
	r.log.Info("route applied",
		zap.Int("filters", len(cfg.Filters)),
		zap.Int("transforms", len(cfg.Transforms)),
		zap.Strings("outputs", a.route.outputs))
	return nil
}

func (r *Router) build(cfg Config) (*active, error) {
	if len(cfg.Outputs) == 0 {
		cfg = cfg.Clone()
		cfg.Outputs = r.Outputs()
	}
	route, err := Compile(cfg)
	if err != nil {
		return nil, err
	}
	a := &active{route: route, dests: make([]Sender, 0, len(route.outputs))}
	for _, name := range route.outputs {
		o, ok := r.outputs[name]
		if !ok {
			return nil, fmt.Errorf("unknown output %q: %w", name, ErrInvalidRoute)
		}
		a.dests = append(a.dests, o)
	}
	return a, nil
}

// Config returns a copy of the active route descriptor.
func (r *Router) Config() Config { return r.cur.Load().route.Config() }

// Outputs lists the names of outputs a route may reference, sorted.
func (r *Router) Outputs() []string {
	names := make([]string, 0, len(r.outputs))
	for name := range r.outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SendTo sends ev straight to one output, bypassing the route. Used for
// scene program changes.
func (r *Router) SendTo(name string, ev wire.Event) error {
	o, ok := r.outputs[name]
	if !ok {
		return fmt.Errorf("unknown output %q: %w", name, ErrInvalidRoute)
	}
	return o.Send(ev)
}

// HasOutput reports whether name is a known output.
func (r *Router) HasOutput(name string) bool {
	_, ok := r.outputs[name]
	return ok
}

// Process applies the active route without sending.
func (r *Router) Process(ev wire.Event) (wire.Event, bool) {
	return r.cur.Load().route.Process(ev)
}

// Route processes ev and sends it to every connected destination. It
// returns the number of destinations that took it.
func (r *Router) Route(ev wire.Event) int {
	r.received.Add(1)
	a := r.cur.Load()

	out, ok := a.route.Process(ev)
	if !ok {
		r.drop("filtered")
		return 0
	}
	n := 0
	for _, d := range a.dests {
		if !d.Connected() {
			continue
		}
		if d.Send(out) == nil {
			n++
		}
	}
	if n == 0 {
		r.drop("no_output")
		return 0
	}
	r.routed.Add(1)
	metrics.RoutedMessages.Inc()
	return n
}

func (r *Router) drop(reason string) {
	r.dropped.Add(1)
	metrics.RouteDrops.WithLabelValues(reason).Inc()
}

// Submit queues an input message for the worker. It never blocks; a full
// queue drops the message. System messages are refused here so clock from
// an input cannot loop back out.
func (r *Router) Submit(src string, ev wire.Event) bool {
	if ev.Kind() == wire.KindSystem {
		return false
	}
	select {
	case r.queue <- queued{src: src, ev: ev}:
		return true
	default:
		r.received.Add(1)
		r.drop("queue_full")
		if ok, n := r.limit.Allow(time.Now()); ok {
			r.log.Warn("input queue full, dropping", zap.String("input", src), zap.Int64("suppressed", n))
		}
		return false
	}
}

// Run drains the queue in arrival order until ctx is done.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-r.queue:
			r.Route(q.ev)
		}
	}
}

// Stats returns the counters and the routed rate since the last call.
func (r *Router) Stats() Stats {
	s := Stats{
		Received: r.received.Load(),
		Routed:   r.routed.Load(),
		Dropped:  r.dropped.Load(),
	}
	r.rateMu.Lock()
	now := time.Now()
	if dt := now.Sub(r.rateAt).Seconds(); dt > 0 {
		s.Rate = float64(s.Routed-r.rateBase) / dt
	}
	r.rateAt, r.rateBase = now, s.Routed
	r.rateMu.Unlock()
	return s
}
