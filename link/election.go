package link

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// Start times closer than this are treated as equal, so receive latency
// cannot flip the outcome between two nodes that came up together.
const uptimeTieWindow = 50 * time.Millisecond

// Candidate is one contender in an election.
type Candidate struct {
	ID      uuid.UUID
	Started time.Time
}

// Elect picks the reference among self and peers: longest uptime wins,
// ties go to the lowest ID. It returns ok=false when self wins.
func Elect(self Candidate, peers []Peer) (ref uuid.UUID, ok bool) {
	best := self
	for _, p := range peers {
		c := Candidate{ID: p.ID, Started: p.Started}
		if outranks(c, best) {
			best = c
		}
	}
	if best.ID == self.ID {
		return uuid.Nil, false
	}
	return best.ID, true
}

func outranks(a, b Candidate) bool {
	d := a.Started.Sub(b.Started)
	if d < -uptimeTieWindow {
		return true
	}
	if d > uptimeTieWindow {
		return false
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}
