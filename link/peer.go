package link

import (
	"bytes"
	"net"
	"sort"
	"time"

	"go-conductor/wire"

	"github.com/google/uuid"
)

// EWMA weight for offset and jitter smoothing.
const smoothing = 0.125

// Peer is what this node knows about another node. Values are copies;
// the engine replaces the whole PeerSet on every update.
type Peer struct {
	ID   uuid.UUID
	Addr string

	Session      uuid.UUID
	SessionStart time.Time // local clock, zero if the peer's session is not established

	// Started is the local-clock estimate of when the peer came up.
	Started time.Time

	Tempo   float64
	Target  float64
	Phase   float64
	Quantum int
	Playing bool

	LastSeen time.Time
	// Sent is the local-clock estimate of when the last heartbeat left the peer.
	Sent time.Time

	// Offset is the smoothed difference between local receive time and the
	// peer's sender timestamp. Jitter is the smoothed deviation from it.
	Offset time.Duration
	Jitter time.Duration

	Heartbeats int
}

// Uptime returns how long the peer has been up as of t.
func (p Peer) Uptime(t time.Time) time.Duration {
	return t.Sub(p.Started)
}

// PhaseAt projects the peer's quantum phase forward to t.
func (p Peer) PhaseAt(t time.Time) float64 {
	beats := p.Phase + t.Sub(p.Sent).Seconds()*p.Tempo/60
	return Phase(beats, float64(p.Quantum))
}

// observe folds a heartbeat into p. epoch is the local time at which the
// local monotonic clock read zero.
func (p Peer) observe(m wire.ClockMessage, addr net.Addr, recv, epoch time.Time) Peer {
	sample := recv.Sub(epoch) - m.SenderTime
	if p.Heartbeats == 0 {
		p.Offset = sample
		p.Jitter = 0
	} else {
		dev := sample - p.Offset
		if dev < 0 {
			dev = -dev
		}
		p.Jitter += time.Duration(smoothing * float64(dev-p.Jitter))
		p.Offset += time.Duration(smoothing * float64(sample-p.Offset))
	}

	p.ID = m.PeerID
	if addr != nil {
		p.Addr = addr.String()
	}
	p.Session = m.Session
	if m.Established {
		p.SessionStart = recv.Add(-m.SessionAge)
	} else {
		p.SessionStart = time.Time{}
	}

	// Latency only ever makes the estimate later, so keep the earliest.
	started := recv.Add(-m.Uptime)
	if p.Started.IsZero() || started.Before(p.Started) {
		p.Started = started
	}

	p.Tempo = m.Tempo
	p.Target = m.Target
	if p.Target == 0 {
		p.Target = m.Tempo
	}
	p.Phase = m.Phase
	p.Quantum = m.Quantum
	p.Playing = m.Playing
	p.LastSeen = recv
	p.Sent = epoch.Add(m.SenderTime + p.Offset)
	p.Heartbeats++
	return p
}

// PeerSet is an immutable snapshot of peers ordered by ID.
type PeerSet struct {
	peers []Peer
}

var emptyPeers = &PeerSet{}

func (s *PeerSet) Len() int { return len(s.peers) }

// All returns a copy of the peers.
func (s *PeerSet) All() []Peer {
	out := make([]Peer, len(s.peers))
	copy(out, s.peers)
	return out
}

func (s *PeerSet) IDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(s.peers))
	for i, p := range s.peers {
		ids[i] = p.ID
	}
	return ids
}

func (s *PeerSet) Get(id uuid.UUID) (Peer, bool) {
	i, ok := s.find(id)
	if !ok {
		return Peer{}, false
	}
	return s.peers[i], true
}

// With returns a new set with p inserted or replaced.
func (s *PeerSet) With(p Peer) *PeerSet {
	i, ok := s.find(p.ID)
	out := make([]Peer, 0, len(s.peers)+1)
	out = append(out, s.peers[:i]...)
	out = append(out, p)
	if ok {
		out = append(out, s.peers[i+1:]...)
	} else {
		out = append(out, s.peers[i:]...)
	}
	return &PeerSet{peers: out}
}

// Without returns a new set without id.
func (s *PeerSet) Without(id uuid.UUID) *PeerSet {
	i, ok := s.find(id)
	if !ok {
		return s
	}
	out := make([]Peer, 0, len(s.peers)-1)
	out = append(out, s.peers[:i]...)
	out = append(out, s.peers[i+1:]...)
	return &PeerSet{peers: out}
}

// Expire drops peers not seen within timeout of now.
func (s *PeerSet) Expire(now time.Time, timeout time.Duration) (*PeerSet, []Peer) {
	var kept, gone []Peer
	for _, p := range s.peers {
		if now.Sub(p.LastSeen) > timeout {
			gone = append(gone, p)
		} else {
			kept = append(kept, p)
		}
	}
	if len(gone) == 0 {
		return s, nil
	}
	return &PeerSet{peers: kept}, gone
}

// AverageJitter is the timing accuracy estimate across peers.
func (s *PeerSet) AverageJitter() time.Duration {
	if len(s.peers) == 0 {
		return 0
	}
	var sum time.Duration
	for _, p := range s.peers {
		sum += p.Jitter
	}
	return sum / time.Duration(len(s.peers))
}

func (s *PeerSet) find(id uuid.UUID) (int, bool) {
	i := sort.Search(len(s.peers), func(i int) bool {
		return bytes.Compare(s.peers[i].ID[:], id[:]) >= 0
	})
	return i, i < len(s.peers) && s.peers[i].ID == id
}
