package conductor

import (
	"sync"
	"testing"
	"time"

	"go-conductor/link"
	"go-conductor/midi"
	"go-conductor/router"
	"go-conductor/transport"
	"go-conductor/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeOut struct {
	name string
	mu   sync.Mutex
	got  []wire.Event
}

func (f *fakeOut) Name() string    { return f.name }
func (f *fakeOut) Connected() bool { return true }
func (f *fakeOut) Send(ev wire.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, ev)
	return nil
}

func (f *fakeOut) events() []wire.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Event(nil), f.got...)
}

type rig struct {
	clk    *fakeClock
	cell   *transport.Cell
	engine *link.Engine
	router *router.Router
	store  *MemoryStore
	synth  *fakeOut
	c      *Controller
}

func newRig(t *testing.T, opts ...Option) *rig {
	t.Helper()
	r := &rig{
		clk:   &fakeClock{t: t0},
		cell:  transport.NewCell(),
		store: NewMemoryStore(),
		synth: &fakeOut{name: "synth"},
	}
	var err error
	r.engine, err = link.New(120, 4, link.WithClock(r.clk.Now), link.WithTransport(r.cell))
	require.NoError(t, err)
	r.router = router.New([]router.Sender{r.synth})
	require.NoError(t, r.router.Apply(router.Passthrough("synth")))

	opts = append([]Option{WithClock(r.clk.Now)}, opts...)
	r.c = New(r.engine, r.router, r.store, r.cell, opts...)
	return r
}

func TestStartStopIdempotent(t *testing.T) {
	r := newRig(t)
	events, cancel := r.c.Subscribe()
	defer cancel()

	r.c.Start()
	r.c.Start()
	assert.True(t, r.c.Playing())
	assert.Equal(t, uint64(1), r.cell.Load().Seq)
	assert.False(t, r.cell.Load().Resume)

	r.c.Stop()
	r.c.Stop()
	assert.False(t, r.c.Playing())
	assert.Equal(t, uint64(2), r.cell.Load().Seq)

	r.c.Start()
	assert.True(t, r.cell.Load().Resume, "start after stop continues")

	r.c.Stop()
	r.c.Rewind()
	r.c.Start()
	assert.False(t, r.cell.Load().Resume)

	var kinds []EventKind
	for len(events) > 0 {
		kinds = append(kinds, (<-events).Kind)
	}
	assert.Equal(t, []EventKind{
		EventPlayStart, EventPlayStop, EventPlayStart, EventPlayStop, EventPlayStart,
	}, kinds)
}

func TestStartWaitsForBar(t *testing.T) {
	r := newRig(t)
	// 2.5 beats in at 120 BPM
	r.clk.Advance(1250 * time.Millisecond)
	r.c.Start()
	assert.Equal(t, 4.0, r.cell.Load().Beat)

	unq := newRig(t, WithQuantizedStart(false))
	unq.clk.Advance(1010 * time.Millisecond)
	unq.c.Start()
	// 2.02 beats rounds up to the next pulse
	assert.InDelta(t, 49.0/24, unq.cell.Load().Beat, 1e-9)
}

func TestToggle(t *testing.T) {
	r := newRig(t)
	r.c.Toggle()
	assert.True(t, r.c.Playing())
	r.c.Toggle()
	assert.False(t, r.c.Playing())
}

func TestSetBPMValidation(t *testing.T) {
	r := newRig(t)
	err := r.c.SetBPM(500)
	require.ErrorIs(t, err, ErrInvalidTempo)
	assert.Equal(t, 120.0, r.c.Status().BPM)

	require.NoError(t, r.c.SetBPM(96))
	assert.Equal(t, 96.0, r.c.Status().BPM)
}

func TestNudgeBPMClamps(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.c.SetBPM(299))
	require.NoError(t, r.c.NudgeBPM(5))
	assert.Equal(t, 300.0, r.c.Status().Target)
	require.NoError(t, r.c.NudgeBPM(-1))
	assert.Equal(t, 299.0, r.c.Status().Target)
}

func TestSceneRoundTrip(t *testing.T) {
	r := newRig(t)
	route := router.Config{
		Filters:    []router.FilterSpec{{Type: router.FilterChannel, Channels: []int{1}}},
		Transforms: []router.TransformSpec{{Type: router.TransformTranspose, Semitones: 12}},
		Outputs:    []string{"synth"},
	}
	require.NoError(t, r.router.Apply(route))
	require.NoError(t, r.c.SaveScene("A", 128, "note"))

	require.NoError(t, r.router.Apply(router.Passthrough("synth")))
	require.NoError(t, r.c.SetBPM(90))

	require.NoError(t, r.c.LoadScene("A"))
	st := r.c.Status()
	assert.Equal(t, 128.0, st.BPM)
	assert.Equal(t, "A", st.Scene)
	assert.Equal(t, route, r.router.Config())

	scenes, err := r.c.Scenes()
	require.NoError(t, err)
	require.Len(t, scenes, 1)
	assert.Equal(t, "note", scenes[0].Notes)
}

func TestLoadMissingSceneChangesNothing(t *testing.T) {
	r := newRig(t)
	r.c.Start()
	before := r.cell.Load()
	route := r.router.Config()

	err := r.c.LoadScene("missing")
	require.ErrorIs(t, err, ErrSceneNotFound)
	assert.Equal(t, before, r.cell.Load())
	assert.Equal(t, route, r.router.Config())
	assert.Equal(t, "", r.c.CurrentScene())
}

func TestLoadInvalidSceneChangesNothing(t *testing.T) {
	r := newRig(t)
	// hand edited data bypasses SaveScene validation
	require.NoError(t, r.store.Put(Scene{Name: "bad", BPM: 500, Route: router.Passthrough()}))
	require.NoError(t, r.store.Put(Scene{Name: "nowhere", BPM: 100, Route: router.Passthrough("mixer")}))

	for _, name := range []string{"bad", "nowhere"} {
		err := r.c.LoadScene(name)
		require.ErrorIs(t, err, ErrInvalidScene, name)
		assert.Equal(t, 120.0, r.c.Status().BPM)
		assert.Equal(t, router.Passthrough("synth"), r.router.Config())
	}
}

func TestDuplicateScenePolicy(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.c.SaveScene("A", 120, "first"))
	r.clk.Advance(time.Minute)

	err := r.c.SaveScene("A", 140, "second")
	require.ErrorIs(t, err, ErrDuplicateScene)
	s, _ := r.store.Get("A")
	assert.Equal(t, 120.0, s.BPM)

	require.NoError(t, r.c.ReplaceScene("A", 140, "second"))
	s, _ = r.store.Get("A")
	assert.Equal(t, 140.0, s.BPM)
	assert.Equal(t, t0, s.Created)
	assert.Equal(t, t0.Add(time.Minute), s.Updated)

	lax := newRig(t, WithOverwrite(OverwriteReplace))
	require.NoError(t, lax.c.SaveScene("A", 120, ""))
	require.NoError(t, lax.c.SaveScene("A", 130, ""))
}

func TestSaveSceneValidation(t *testing.T) {
	r := newRig(t)
	err := r.c.SaveScene("fast", 500, "")
	assert.ErrorIs(t, err, ErrInvalidScene)
	assert.ErrorIs(t, err, ErrInvalidTempo)

	assert.ErrorIs(t, r.c.SaveScene("", 120, ""), ErrInvalidScene)
	assert.ErrorIs(t, r.c.SaveScene(" padded ", 120, ""), ErrInvalidScene)

	scenes, err := r.c.Scenes()
	require.NoError(t, err)
	assert.Empty(t, scenes)
}

func TestDeleteScene(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.c.SaveScene("A", 100, ""))
	require.NoError(t, r.c.LoadScene("A"))
	require.NoError(t, r.c.DeleteScene("A"))
	assert.Equal(t, "", r.c.CurrentScene())
	assert.ErrorIs(t, r.c.DeleteScene("A"), ErrSceneNotFound)
}

func TestLoadSceneSendsPrograms(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.c.PutScene(Scene{
		Name:     "set",
		BPM:      100,
		Route:    router.Passthrough("synth"),
		Programs: []Program{{Output: "synth", Channel: 2, Program: 17}},
	}, false))

	require.NoError(t, r.c.LoadScene("set"))
	assert.Equal(t, []wire.Event{wire.ProgramChange(1, 17)}, r.synth.events())

	err := r.c.PutScene(Scene{Name: "x", BPM: 100, Programs: []Program{{Output: "mixer", Channel: 1}}}, false)
	assert.ErrorIs(t, err, ErrInvalidScene)
}

func TestSceneEvents(t *testing.T) {
	r := newRig(t)
	events, cancel := r.c.Subscribe()
	require.NoError(t, r.c.SaveScene("A", 100, ""))
	require.NoError(t, r.c.SetBPM(110))
	require.NoError(t, r.c.LoadScene("A"))

	bpm := <-events
	assert.Equal(t, EventBPMChange, bpm.Kind)
	assert.Equal(t, 120.0, bpm.OldBPM)
	assert.Equal(t, 110.0, bpm.BPM)

	scene := <-events
	assert.Equal(t, EventSceneChange, scene.Kind)
	assert.Equal(t, "A", scene.Scene)

	cancel()
	cancel()
	_, open := <-events
	assert.False(t, open)
}

func TestStatus(t *testing.T) {
	r := newRig(t,
		WithOutputs(func() []midi.Health { return []midi.Health{{Name: "synth", Connected: true}} }),
		WithPulses(func() uint64 { return 42 }),
	)
	r.clk.Advance(3 * time.Second)
	st := r.c.Status()
	assert.Equal(t, "stopped", st.Transport)
	assert.Equal(t, 4, st.Quantum)
	assert.Equal(t, 6.0, st.Beat)
	assert.Equal(t, 2.0, st.Phase)
	assert.Equal(t, 3.0, st.Uptime)
	assert.Equal(t, uint64(42), st.Pulses)
	assert.Len(t, st.Outputs, 1)
	assert.Zero(t, st.Peers)
}

func TestParseOverwrite(t *testing.T) {
	o, err := ParseOverwrite("Replace")
	require.NoError(t, err)
	assert.Equal(t, OverwriteReplace, o)
	o, err = ParseOverwrite("")
	require.NoError(t, err)
	assert.Equal(t, OverwriteReject, o)
	_, err = ParseOverwrite("merge")
	assert.Error(t, err)
}
