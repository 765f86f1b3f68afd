package nlink

import (
	"encoding/binary"

	"github.com/r2northstar/nlink/pkg/nctime"
)

// mtuCandidates is the ordered table of candidate MTU sizes §4.6 calls for
// ("20 known common values from 576 up to 65535"), fixed to the classic
// path-MTU ladder spanning PPPoE/ADSL/Ethernet/jumbo boundaries.
var mtuCandidates = []int{
	576, 588, 620, 632, 644, 1006, 1050, 1078, 1200,
	1280, 1410, 1454, 1458, 1460, 1476, 1480, 1492, 1500, 2048, 4096,
}

// mtuProbePhase is the 4-phase MTU-probe handshake §4.6 describes.
type mtuProbePhase uint8

const (
	mtuPhaseProbe mtuProbePhase = iota
	mtuPhaseAck
	mtuPhaseConfirm
	mtuPhaseFinal
)

// mtuProbeTrials is how many times each candidate size is tried before the
// probe moves to the next smaller size (§4.6: "trying each size K times").
const mtuProbeTrials = 3

// mtuProbeState tracks one peer's in-progress MTU discovery walk.
type mtuProbeState struct {
	active bool

	candidateIdx int
	trial        int

	seq     uint16
	phase   mtuProbePhase
	sentAt  nctime.Time
	adopted bool
}

// StartMTUProbe begins an MTU discovery walk, from the top of the candidate
// table downward (§4.6).
func (p *Peer) StartMTUProbe() {
	p.mtuProbe = mtuProbeState{active: true, candidateIdx: len(mtuCandidates) - 1, trial: 0}
	p.sendMTUProbe(mtuPhaseProbe)
}

func (p *Peer) sendMTUProbe(phase mtuProbePhase) {
	size := mtuCandidates[p.mtuProbe.candidateIdx]
	p.mtuProbe.phase = phase
	p.mtuProbe.sentAt = p.host.now()
	p.mtuProbe.seq++

	payload := mtuProbePayload(p.mtuProbe.seq, phase, uint16(size), size)
	bp := newBlockPacket(BlockMTUProbe, 0, payload)
	p.enqueueOutgoingBlockFront(bp)
}

// mtuProbePayload builds an MTU-probe block payload padded so the resulting
// UDP datagram equals targetSize, per §4.6's per-type layout: 16-bit
// sequence, 8-bit phase, 16-bit claimed-size, 16-bit payload-data-length.
func mtuProbePayload(seq uint16, phase mtuProbePhase, claimedSize uint16, targetSize int) []byte {
	const probeHeaderSize = 2 + 1 + 2 + 2
	overhead := normalHeaderSize + 1 /* block type byte */ + probeHeaderSize
	dataLen := targetSize - overhead
	if dataLen < 0 {
		dataLen = 0
	}
	payload := make([]byte, 0, probeHeaderSize+dataLen)
	payload = binary.LittleEndian.AppendUint16(payload, seq)
	payload = append(payload, byte(phase))
	payload = binary.LittleEndian.AppendUint16(payload, claimedSize)
	payload = binary.LittleEndian.AppendUint16(payload, uint16(dataLen))
	payload = append(payload, make([]byte, dataLen)...)
	return payload
}

// stepMTUProbe advances the local state machine: resends the current trial
// if it has timed out, otherwise moves to the next trial or candidate size
// (§4.6).
func (p *Peer) stepMTUProbe(now nctime.Time) {
	s := &p.mtuProbe
	if s.adopted {
		s.active = false
		return
	}
	if now.Sub(s.sentAt) < p.host.Config.PingResendTimeout {
		return
	}
	s.trial++
	if s.trial >= mtuProbeTrials {
		s.trial = 0
		s.candidateIdx--
		if s.candidateIdx < 0 {
			s.active = false
			return
		}
	}
	p.sendMTUProbe(mtuPhaseProbe)
}

// handleMTUProbe processes a received MTU-probe block packet, implementing
// both the sender and receiver sides of the 4-phase handshake (§4.6): "Any
// receiver with a different phase value >= 2 causes adoption of its claimed
// size."
func (p *Peer) handleMTUProbe(payload []byte) {
	if len(payload) < 7 {
		return
	}
	seq := binary.LittleEndian.Uint16(payload)
	phase := mtuProbePhase(payload[2])
	claimed := binary.LittleEndian.Uint16(payload[3:5])

	switch phase {
	case mtuPhaseProbe:
		// Receiver echoes phase 1 at the same claimed size.
		reply := mtuProbePayload(seq, mtuPhaseAck, claimed, int(claimed))
		p.enqueueOutgoingBlockFront(newBlockPacket(BlockMTUProbe, 0, reply))
	case mtuPhaseAck:
		if !p.mtuProbe.active || seq != p.mtuProbe.seq {
			return
		}
		reply := mtuProbePayload(seq, mtuPhaseConfirm, claimed, int(claimed))
		p.enqueueOutgoingBlockFront(newBlockPacket(BlockMTUProbe, 0, reply))
		p.adoptMTU(int(claimed))
	case mtuPhaseConfirm, mtuPhaseFinal:
		p.adoptMTU(int(claimed))
		if phase == mtuPhaseConfirm {
			reply := mtuProbePayload(seq, mtuPhaseFinal, claimed, int(claimed))
			p.enqueueOutgoingBlockFront(newBlockPacket(BlockMTUProbe, 0, reply))
		}
	}
}

func (p *Peer) adoptMTU(size int) {
	if size == p.mtu {
		p.mtuProbe.adopted = true
		return
	}
	p.mtu = size
	p.mtuProbe.adopted = true
	p.host.pushEvent(Event{Kind: EventPeerMTU, Peer: p, MTU: size})
}
