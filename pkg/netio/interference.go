package netio

import (
	"net/netip"
	"time"

	"github.com/valyala/fastrand"
)

// Interference is a configurable packet-loss/duplication/corruption/jitter
// profile installed on a VirtualNetwork via SetFilter, driving the §8
// scenario "introduce interference: loss, jitter, reordering, duplicate
// and corrupted datagrams; confirm the channel layer's guarantees still
// hold." It uses github.com/valyala/fastrand rather than a CSPRNG since
// simulated interference has no security requirement and fastrand is
// already pulled in indirectly by VictoriaMetrics/metrics.
type Interference struct {
	// LossPercent is the chance, 0-100, that a datagram is dropped.
	LossPercent uint32
	// DuplicatePercent is the chance, 0-100, that Duplicate reports true.
	// Filter does not read it, so a network filtered only through Filter
	// never delivers a datagram twice.
	DuplicatePercent uint32
	// CorruptPercent is the chance a single random byte is flipped.
	CorruptPercent uint32
	// MinLatency and MaxLatency bound an additional random delay applied
	// to every delivered (non-dropped) datagram, simulating jitter and,
	// when MaxLatency is large relative to send interval, reordering.
	MinLatency, MaxLatency time.Duration
}

// Filter returns a VirtualNetwork filter function implementing this
// interference profile.
func (p Interference) Filter() func(from, to netip.AddrPort, data []byte) ([]byte, bool, time.Duration) {
	return func(from, to netip.AddrPort, data []byte) ([]byte, bool, time.Duration) {
		if p.LossPercent > 0 && fastrand.Uint32n(100) < p.LossPercent {
			return nil, true, 0
		}

		out := data
		if p.CorruptPercent > 0 && fastrand.Uint32n(100) < p.CorruptPercent && len(out) > 0 {
			out = append([]byte(nil), out...)
			idx := fastrand.Uint32n(uint32(len(out)))
			out[idx] ^= 1 << (fastrand.Uint32n(8))
		}

		var delay time.Duration
		if p.MaxLatency > p.MinLatency {
			span := p.MaxLatency - p.MinLatency
			delay = p.MinLatency + time.Duration(fastrand.Uint32n(uint32(span)))
		} else if p.MinLatency > 0 {
			delay = p.MinLatency
		}

		return out, false, delay
	}
}

// Duplicate reports whether a duplicate of this datagram should also be
// delivered, per DuplicatePercent. Callers that want duplication must
// check this separately from Filter, since Filter's return shape only
// allows zero or one delivery.
func (p Interference) Duplicate() bool {
	return p.DuplicatePercent > 0 && fastrand.Uint32n(100) < p.DuplicatePercent
}
