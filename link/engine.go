package link

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go-conductor/debug"
	"go-conductor/metrics"
	"go-conductor/transport"
	"go-conductor/wire"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInvalidTempo is returned for tempos outside [20, 300] BPM.
	ErrInvalidTempo = errors.New("invalid tempo")
	// ErrPeerTimeout marks an eviction in logs. It is never returned.
	ErrPeerTimeout = errors.New("peer timeout")
)

// Defaults
const (
	DefaultInterval        = 20 * time.Millisecond
	DefaultTimeoutMultiple = 3
	DefaultGlideRate       = 2.0  // BPM per second
	DefaultSnapTolerance   = 0.05 // beats
	DefaultQuantum         = 4

	inboxSize     = 64
	shutdownGrace = 100 * time.Millisecond
)

type inbound struct {
	msg  wire.ClockMessage
	addr net.Addr
	recv time.Time
}

// Engine negotiates tempo and phase with peers. Readers never block:
// TempoState, the peer set and the reference are swapped atomically.
// Writers (the engine loop and tempo commands) serialize on mu.
type Engine struct {
	id      uuid.UUID
	now     func() time.Time
	epoch   time.Time
	started time.Time
	log     *zap.Logger
	tr      transport.Reader

	interval      time.Duration
	timeoutMult   int
	glideRate     float64
	snapTolerance float64

	state atomic.Pointer[TempoState]
	peers atomic.Pointer[PeerSet]
	ref   atomic.Pointer[uuid.UUID]

	mu sync.Mutex

	inbox chan inbound
	kick  chan struct{}
	buf   []byte

	malformed *debug.Limiter
	sendFail  *debug.Limiter
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithID fixes the peer identifier.
func WithID(id uuid.UUID) Option {
	return func(e *Engine) { e.id = id }
}

// WithTransport lets the engine see whether the local transport is running.
func WithTransport(r transport.Reader) Option {
	return func(e *Engine) { e.tr = r }
}

// WithInterval sets the heartbeat interval.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithTimeoutMultiple sets how many missed heartbeats evict a peer.
func WithTimeoutMultiple(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.timeoutMult = n
		}
	}
}

// WithGlideRate sets the maximum tempo change in BPM per second.
func WithGlideRate(r float64) Option {
	return func(e *Engine) {
		if r > 0 {
			e.glideRate = r
		}
	}
}

// WithSnapTolerance sets the phase error, in beats, that triggers a re-snap.
func WithSnapTolerance(beats float64) Option {
	return func(e *Engine) {
		if beats > 0 {
			e.snapTolerance = beats
		}
	}
}

// New creates an engine running at bpm with the given quantum.
func New(bpm float64, quantum int, opts ...Option) (*Engine, error) {
	if err := ValidateTempo(bpm); err != nil {
		return nil, err
	}
	e := &Engine{
		id:            uuid.New(),
		now:           time.Now,
		log:           zap.NewNop(),
		interval:      DefaultInterval,
		timeoutMult:   DefaultTimeoutMultiple,
		glideRate:     DefaultGlideRate,
		snapTolerance: DefaultSnapTolerance,
		inbox:         make(chan inbound, inboxSize),
		kick:          make(chan struct{}, 1),
		buf:           make([]byte, 0, wire.PacketSize),
		malformed:     debug.NewLimiter(5 * time.Second),
		sendFail:      debug.NewLimiter(5 * time.Second),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(zap.String("component", "link"), zap.Stringer("peer", e.id))

	now := e.now()
	e.epoch = now
	e.started = now
	st := NewTempoState(now, bpm, quantum)
	st.Rate = e.glideRate
	e.state.Store(&st)
	e.peers.Store(emptyPeers)
	metrics.Tempo.Set(bpm)
	return e, nil
}

// ValidateTempo checks bpm against [20, 300].
func ValidateTempo(bpm float64) error {
	if !wire.ValidTempo(bpm) {
		return fmt.Errorf("%w: %.2f outside [%g, %g]", ErrInvalidTempo, bpm, wire.MinTempo, wire.MaxTempo)
	}
	return nil
}

func (e *Engine) ID() uuid.UUID { return e.id }

// State returns the current TempoState snapshot.
func (e *Engine) State() TempoState { return *e.state.Load() }

// CurrentBeatTime returns the beat position now. Never blocks.
func (e *Engine) CurrentBeatTime() float64 { return e.state.Load().BeatAt(e.now()) }

func (e *Engine) BeatAt(t time.Time) float64 { return e.state.Load().BeatAt(t) }

func (e *Engine) TimeAtBeat(b float64) time.Time { return e.state.Load().TimeAtBeat(b) }

func (e *Engine) TempoAt(t time.Time) float64 { return e.state.Load().TempoAt(t) }

// Tempo returns the instantaneous tempo, which lags Target during a glide.
func (e *Engine) Tempo() float64 { return e.TempoAt(e.now()) }

// Target returns the tempo the engine is gliding toward.
func (e *Engine) Target() float64 { return e.state.Load().Target }

func (e *Engine) Quantum() int { return e.state.Load().Quantum }

// Phase returns the position within the current bar.
func (e *Engine) Phase() float64 { return e.state.Load().PhaseAt(e.now()) }

// Peers returns a snapshot of live peers.
func (e *Engine) Peers() []Peer { return e.peers.Load().All() }

func (e *Engine) PeerCount() int { return e.peers.Load().Len() }

// Reference returns the peer being followed, if any.
func (e *Engine) Reference() (uuid.UUID, bool) {
	if id := e.ref.Load(); id != nil {
		return *id, true
	}
	return uuid.Nil, false
}

// TimingAccuracy is the smoothed peer offset jitter. Zero with no peers.
func (e *Engine) TimingAccuracy() time.Duration {
	return e.peers.Load().AverageJitter()
}

// SetTempo changes the tempo. While running it glides at the configured
// rate; while stopped it jumps. Either way it starts a new session so
// idle peers pick the change up.
func (e *Engine) SetTempo(bpm float64) error {
	if err := ValidateTempo(bpm); err != nil {
		return err
	}
	e.mu.Lock()
	now := e.now()
	st := *e.state.Load()
	if e.running() {
		st = st.Retarget(now, bpm, e.glideRate)
	} else {
		st = st.Jump(now, bpm)
	}
	st.Session = uuid.New()
	st.SessionStart = now
	e.store(st)
	e.mu.Unlock()

	e.log.Info("tempo set", zap.Float64("bpm", bpm), zap.Bool("glide", st.Gliding(now)))
	e.poke()
	return nil
}

// Nudge moves the target tempo by delta, clamped to the valid range.
func (e *Engine) Nudge(delta float64) error {
	bpm := math.Max(wire.MinTempo, math.Min(wire.MaxTempo, e.Target()+delta))
	return e.SetTempo(bpm)
}

// Establish marks the local session as deliberate. Called when the
// transport starts so idle peers adopt this timeline.
func (e *Engine) Establish() {
	e.mu.Lock()
	st := *e.state.Load()
	if !st.Established() {
		st.SessionStart = e.now()
		e.store(st)
	}
	e.mu.Unlock()
}

// Run exchanges heartbeats on conn until ctx is done. conn is closed on return.
func (e *Engine) Run(ctx context.Context, conn Conn) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.readLoop(ctx, conn) })
	g.Go(func() error { return e.loop(ctx, conn) })
	return g.Wait()
}

func (e *Engine) readLoop(ctx context.Context, conn Conn) error {
	buf := make([]byte, 2048)
	for {
		n, addr, err := conn.ReadFrom(buf)
		recv := e.now()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			e.log.Warn("receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(e.interval):
			}
			continue
		}

		m, err := wire.Decode(buf[:n])
		if err != nil {
			metrics.PacketsDropped.WithLabelValues("malformed").Inc()
			if ok, suppressed := e.malformed.Allow(recv); ok {
				e.log.Debug("dropping packet", zap.Stringer("from", addr), zap.Error(err), zap.Int64("suppressed", suppressed))
			}
			continue
		}
		if m.PeerID == e.id {
			continue
		}

		select {
		case e.inbox <- inbound{msg: m, addr: addr, recv: recv}:
		default:
			metrics.PacketsDropped.WithLabelValues("backlog").Inc()
		}
	}
}

func (e *Engine) loop(ctx context.Context, conn Conn) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.broadcast(conn, e.now())
	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(shutdownGrace))
			err := conn.Close()
			e.log.Debug("sync stopped")
			if err != nil && !errors.Is(err, net.ErrClosed) {
				return err
			}
			return nil
		case in := <-e.inbox:
			e.observe(in.msg, in.addr, in.recv)
		case <-ticker.C:
			now := e.now()
			e.expire(now)
			e.broadcast(conn, now)
		case <-e.kick:
			e.broadcast(conn, e.now())
		}
	}
}

func (e *Engine) poke() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// timeout is how long a silent peer survives.
func (e *Engine) timeout() time.Duration {
	return time.Duration(e.timeoutMult) * e.interval
}

func (e *Engine) running() bool {
	return e.tr != nil && e.tr.Load().Running()
}

func (e *Engine) store(st TempoState) {
	e.state.Store(&st)
	metrics.Tempo.Set(st.Target)
}

func (e *Engine) setRef(id uuid.UUID, ok bool) {
	if !ok {
		e.ref.Store(nil)
		return
	}
	e.ref.Store(&id)
}

func (e *Engine) broadcast(conn Conn, now time.Time) {
	st := e.state.Load()
	set := e.peers.Load()
	m := wire.ClockMessage{
		PeerID:      e.id,
		Session:     st.Session,
		SenderTime:  nonNegative(now.Sub(e.epoch)),
		Uptime:      nonNegative(now.Sub(e.started)),
		Tempo:       st.TempoAt(now),
		Target:      st.Target,
		Phase:       st.PhaseAt(now),
		Quantum:     st.Quantum,
		Playing:     e.running(),
		Established: st.Established(),
		PeerCount:   set.Len(),
		Digest:      wire.PeerDigest(set.IDs()),
	}
	if m.Established {
		m.SessionAge = nonNegative(now.Sub(st.SessionStart))
	}

	e.buf = wire.AppendEncode(e.buf[:0], m)
	if err := conn.Broadcast(e.buf); err != nil {
		if ok, suppressed := e.sendFail.Allow(now); ok {
			e.log.Warn("heartbeat send failed", zap.Error(err), zap.Int64("suppressed", suppressed))
		}
		return
	}
	metrics.PacketsSent.Inc()
}

func (e *Engine) observe(m wire.ClockMessage, addr net.Addr, recv time.Time) {
	if m.PeerID == e.id {
		return
	}
	set := e.peers.Load()
	prev, known := set.Get(m.PeerID)
	p := prev.observe(m, addr, recv, e.epoch)
	e.peers.Store(set.With(p))
	metrics.PacketsReceived.Inc()

	if !known {
		e.log.Info("peer joined", zap.Stringer("id", p.ID), zap.String("addr", p.Addr), zap.Float64("bpm", p.Tempo))
		metrics.Peers.Set(float64(set.Len() + 1))
	}
	e.negotiate(e.now())
}

func (e *Engine) expire(now time.Time) {
	set := e.peers.Load()
	next, gone := set.Expire(now, e.timeout())
	if len(gone) == 0 {
		return
	}
	e.peers.Store(next)
	metrics.Peers.Set(float64(next.Len()))
	metrics.TimingAccuracy.Set(next.AverageJitter().Seconds())

	ref, following := e.Reference()
	lost := false
	for _, p := range gone {
		metrics.PeerEvictions.Inc()
		e.log.Info("peer evicted", zap.Stringer("id", p.ID), zap.Error(ErrPeerTimeout))
		if following && p.ID == ref {
			lost = true
		}
	}
	if lost {
		e.log.Info("reference peer lost, re-electing", zap.Int("remaining", next.Len()))
	}
	e.negotiate(now)
}

// negotiate re-evaluates the reference and adjusts the local timeline.
// The elected reference owns phase. Tempo follows the newest established
// session, so a tempo set on any node carries to the others, reference
// included. With no peers the timeline is left as is.
func (e *Engine) negotiate(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := *e.state.Load()
	peers := e.peers.Load().All()
	metrics.TimingAccuracy.Set(e.peers.Load().AverageJitter().Seconds())

	if !e.running() {
		if p, ok := adoptable(st, peers); ok {
			st = st.Jump(now, p.Target)
			st.Session = p.Session
			st.SessionStart = p.SessionStart
			st = snapTo(st, p, now)
			e.store(st)
			e.setRef(p.ID, true)
			e.log.Info("joined session", zap.Stringer("from", p.ID), zap.Float64("bpm", p.Target))
		} else if id, ok := e.Reference(); ok {
			if _, live := e.peers.Load().Get(id); !live {
				e.setRef(uuid.Nil, false)
			}
		}
		return
	}

	next := st
	if p, ok := adoptable(st, peers); ok {
		next = retarget(next, now, p.Target, e.glideRate)
		next.Session = p.Session
		next.SessionStart = p.SessionStart
		e.log.Info("tempo from newer session", zap.Stringer("from", p.ID), zap.Float64("bpm", p.Target))
	}
	defer func() {
		if next != st {
			e.store(next)
		}
	}()

	prev, hadRef := e.Reference()
	refID, ok := Elect(Candidate{ID: e.id, Started: e.started}, peers)
	e.setRef(refID, ok)
	if !ok {
		if hadRef {
			e.log.Info("leading session", zap.Float64("bpm", next.Target))
		}
		return
	}
	ref, found := e.peers.Load().Get(refID)
	if !found {
		return
	}

	changed := !hadRef || prev != refID
	if !newerSession(next, ref) {
		next = retarget(next, now, ref.Target, e.glideRate)
	}

	q := float64(ref.Quantum)
	drift := PhaseError(Phase(next.BeatAt(now), q), ref.PhaseAt(now), q)
	// Phase is only re-snapped at steady tempo; mid-glide the error grows.
	if changed || (!next.Gliding(now) && math.Abs(drift) > e.snapTolerance) {
		next = snapTo(next, ref, now)
		if changed {
			e.log.Info("following peer", zap.Stringer("ref", refID), zap.Float64("bpm", ref.Target), zap.Float64("phase_error", drift))
		}
	}
}

// retarget glides st toward bpm unless it is already headed there.
func retarget(st TempoState, now time.Time, bpm, rate float64) TempoState {
	if math.Abs(st.Target-bpm) <= bpmEpsilon {
		return st
	}
	return st.Retarget(now, bpm, rate)
}

// newerSession reports whether st's session was established after p's.
// The newer session's tempo wins.
func newerSession(st TempoState, p Peer) bool {
	if !st.Established() || st.Session == p.Session {
		return false
	}
	return p.SessionStart.IsZero() || st.SessionStart.After(p.SessionStart)
}

// adoptable finds the peer whose established session is newer than ours.
func adoptable(st TempoState, peers []Peer) (Peer, bool) {
	var best Peer
	found := false
	for _, p := range peers {
		if p.SessionStart.IsZero() || p.Session == st.Session || !wire.ValidTempo(p.Target) {
			continue
		}
		if st.Established() && !p.SessionStart.After(st.SessionStart) {
			continue
		}
		if !found || p.SessionStart.After(best.SessionStart) {
			best, found = p, true
		}
	}
	return best, found
}

// snapTo moves the local beat to the nearest position whose phase matches
// the reference's phase within the reference's quantum.
func snapTo(st TempoState, ref Peer, now time.Time) TempoState {
	q := float64(ref.Quantum)
	local := st.BeatAt(now)
	target := ref.PhaseAt(now)
	beat := math.Round((local-target)/q)*q + target
	return st.Realign(now, beat)
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
