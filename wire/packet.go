package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Sync packet layout (big-endian):
//
//	magic "CNDR"     4
//	version          1
//	flags            1  bit0 = playing, bit1 = session established
//	quantum          2
//	peer id         16
//	session id      16
//	sender time µs   8
//	session age µs   8
//	uptime µs        8
//	tempo            8  float64 bits
//	target tempo     8  float64 bits
//	beat phase       8  float64 bits
//	peer count       2
//	digest           4
const (
	PacketSize = 94
	Version    = 2

	MinTempo = 20.0
	MaxTempo = 300.0
)

const (
	flagPlaying     = 1 << 0
	flagEstablished = 1 << 1
)

var magic = [4]byte{'C', 'N', 'D', 'R'}

// ErrMalformedPacket is returned for any sync packet that fails validation.
var ErrMalformedPacket = errors.New("malformed packet")

// ClockMessage is one heartbeat from a peer. Values are copied on decode,
// so a message never aliases the receive buffer.
type ClockMessage struct {
	PeerID  uuid.UUID
	Session uuid.UUID

	// SenderTime is the sender's monotonic clock reading.
	SenderTime time.Duration
	// SessionAge is how long the sender's session has existed at send time.
	SessionAge time.Duration
	// Uptime is how long the sender has been continuously running.
	Uptime time.Duration

	Tempo   float64
	Target  float64 // glide destination, equal to Tempo when steady
	Phase   float64 // beats since the start of the current quantum
	Quantum int
	Playing bool

	// Established is false until the sender's session was set by a user
	// command or a start. SessionAge is meaningless otherwise.
	Established bool

	PeerCount int
	Digest    uint32
}

// Encode returns the wire form of m.
func Encode(m ClockMessage) []byte {
	return AppendEncode(make([]byte, 0, PacketSize), m)
}

// AppendEncode appends the wire form of m to dst.
func AppendEncode(dst []byte, m ClockMessage) []byte {
	var flags byte
	if m.Playing {
		flags |= flagPlaying
	}
	if m.Established {
		flags |= flagEstablished
	}
	dst = append(dst, magic[:]...)
	dst = append(dst, Version, flags)
	dst = binary.BigEndian.AppendUint16(dst, clampUint16(m.Quantum))
	dst = append(dst, m.PeerID[:]...)
	dst = append(dst, m.Session[:]...)
	dst = binary.BigEndian.AppendUint64(dst, uint64(m.SenderTime.Microseconds()))
	dst = binary.BigEndian.AppendUint64(dst, uint64(m.SessionAge.Microseconds()))
	dst = binary.BigEndian.AppendUint64(dst, uint64(m.Uptime.Microseconds()))
	dst = binary.BigEndian.AppendUint64(dst, math.Float64bits(m.Tempo))
	dst = binary.BigEndian.AppendUint64(dst, math.Float64bits(m.Target))
	dst = binary.BigEndian.AppendUint64(dst, math.Float64bits(m.Phase))
	dst = binary.BigEndian.AppendUint16(dst, clampUint16(m.PeerCount))
	dst = binary.BigEndian.AppendUint32(dst, m.Digest)
	return dst
}

// Decode parses and validates a sync packet.
func Decode(b []byte) (ClockMessage, error) {
	var m ClockMessage
	if len(b) != PacketSize {
		return m, fmt.Errorf("%w: size %d", ErrMalformedPacket, len(b))
	}
	if [4]byte(b[0:4]) != magic {
		return m, fmt.Errorf("%w: bad magic", ErrMalformedPacket)
	}
	if b[4] != Version {
		return m, fmt.Errorf("%w: version %d", ErrMalformedPacket, b[4])
	}
	m.Playing = b[5]&flagPlaying != 0
	m.Established = b[5]&flagEstablished != 0
	m.Quantum = int(binary.BigEndian.Uint16(b[6:8]))
	copy(m.PeerID[:], b[8:24])
	copy(m.Session[:], b[24:40])
	sent := int64(binary.BigEndian.Uint64(b[40:48]))
	age := int64(binary.BigEndian.Uint64(b[48:56]))
	up := int64(binary.BigEndian.Uint64(b[56:64]))
	m.Tempo = math.Float64frombits(binary.BigEndian.Uint64(b[64:72]))
	m.Target = math.Float64frombits(binary.BigEndian.Uint64(b[72:80]))
	m.Phase = math.Float64frombits(binary.BigEndian.Uint64(b[80:88]))
	m.PeerCount = int(binary.BigEndian.Uint16(b[88:90]))
	m.Digest = binary.BigEndian.Uint32(b[90:94])

	if sent < 0 || age < 0 || up < 0 {
		return m, fmt.Errorf("%w: negative duration", ErrMalformedPacket)
	}
	m.SenderTime = time.Duration(sent) * time.Microsecond
	m.SessionAge = time.Duration(age) * time.Microsecond
	m.Uptime = time.Duration(up) * time.Microsecond

	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

// Validate checks field ranges.
func (m ClockMessage) Validate() error {
	if m.PeerID == uuid.Nil {
		return fmt.Errorf("%w: nil peer id", ErrMalformedPacket)
	}
	if !ValidTempo(m.Tempo) {
		return fmt.Errorf("%w: tempo %v", ErrMalformedPacket, m.Tempo)
	}
	if !ValidTempo(m.Target) {
		return fmt.Errorf("%w: target tempo %v", ErrMalformedPacket, m.Target)
	}
	if m.Quantum < 1 {
		return fmt.Errorf("%w: quantum %d", ErrMalformedPacket, m.Quantum)
	}
	if math.IsNaN(m.Phase) || m.Phase < 0 || m.Phase >= float64(m.Quantum) {
		return fmt.Errorf("%w: phase %v outside quantum %d", ErrMalformedPacket, m.Phase, m.Quantum)
	}
	return nil
}

// ValidTempo reports whether bpm is finite and within [MinTempo, MaxTempo].
func ValidTempo(bpm float64) bool {
	return !math.IsNaN(bpm) && bpm >= MinTempo && bpm <= MaxTempo
}

// PeerDigest hashes a set of peer ids independent of their order.
func PeerDigest(ids []uuid.UUID) uint32 {
	sorted := make([]uuid.UUID, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool {
		return string(sorted[i][:]) < string(sorted[j][:])
	})
	h := fnv.New32a()
	for _, id := range sorted {
		h.Write(id[:])
	}
	return h.Sum32()
}

func clampUint16(v int) uint16 {
	if v < 0 {
		return 0
	}
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}
