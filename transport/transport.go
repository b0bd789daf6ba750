// Package transport holds the authoritative play/stop state. Only the
// controller writes it; every other worker reads snapshots without locking.
package transport

import (
	"sync/atomic"
	"time"
)

// State is the transport state.
type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// Snapshot is an immutable view of the transport.
type Snapshot struct {
	State State
	// Resume is set when Running was entered from a paused position,
	// so the clock sends Continue instead of Start.
	Resume bool
	// Seq increments on every transition.
	Seq uint64
	At  time.Time
	// Beat is the timeline beat at which the transition takes effect.
	Beat float64
}

// Running reports whether the snapshot is in the Running state.
func (s Snapshot) Running() bool { return s.State == Running }

// Reader is the read side handed to workers.
type Reader interface {
	Load() Snapshot
	// Wake is signalled after every transition.
	Wake() <-chan struct{}
}

// Cell stores the current snapshot.
type Cell struct {
	cur  atomic.Pointer[Snapshot]
	wake chan struct{}
}

func NewCell() *Cell {
	c := &Cell{wake: make(chan struct{}, 1)}
	c.cur.Store(&Snapshot{State: Stopped})
	return c
}

func (c *Cell) Load() Snapshot { return *c.cur.Load() }

func (c *Cell) Wake() <-chan struct{} { return c.wake }

// Store publishes a transition. Callers must serialize Store themselves.
func (c *Cell) Store(s Snapshot) Snapshot {
	s.Seq = c.cur.Load().Seq + 1
	c.cur.Store(&s)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return s
}
