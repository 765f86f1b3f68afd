package nlink

import (
	"net/netip"

	"github.com/r2northstar/nlink/pkg/compressor"
	"github.com/r2northstar/nlink/pkg/ncrypto"
)

// handshakeMagic is the 4-byte signature every handshake packet begins
// with, chosen so that a normal packet's header (whose 4th byte,
// normalDiscriminator, is never 0xFF) can never be mistaken for one (§4.2,
// §6, §8).
var handshakeMagic = [4]byte{'R', 'N', 'L', 0xFF}

// rawDatagram is one not-yet-classified inbound UDP packet, queued by
// recvDatagrams and drained by dispatchInbound (§4.2).
type rawDatagram struct {
	data []byte
	addr netip.AddrPort
}

// recvDatagrams reads as many datagrams as are available (bounded by
// budget) from the socket, classifying and routing each one (§4.1 step 5,
// §4.2).
func (h *Host) recvDatagrams(budget int) {
	buf := make([]byte, 65536)
	for i := 0; i < budget; i++ {
		n, addr, err := h.socket.ReadFrom(buf)
		if err != nil {
			break
		}
		h.classify(append([]byte(nil), buf[:n]...), addr)
	}
}

func (h *Host) classify(data []byte, addr netip.AddrPort) {
	if len(data) >= 4 && data[0] == handshakeMagic[0] && data[1] == handshakeMagic[1] &&
		data[2] == handshakeMagic[2] && data[3] == handshakeMagic[3] {
		h.dispatchHandshake(data, addr)
		return
	}
	if len(data) < normalHeaderSize {
		return
	}
	hdr, ok := decodeNormalHeader(data)
	if !ok {
		return
	}
	p, ok := h.peers[hdr.peerID]
	if !ok || p.Addr != addr {
		return
	}
	p.inbox = append(p.inbox, rawDatagram{data: data, addr: addr})
}

// dispatchInboundPackets decrypts and dequeues this peer's pending raw
// datagrams, per §4.4 step 5.
func (p *Peer) dispatchInboundPackets() {
	for _, raw := range p.inbox {
		p.decryptAndHandle(raw.data)
	}
	p.inbox = nil
}

// decryptAndHandle validates the replay window, decrypts, optionally
// decompresses, and dispatches the block packets inside one normal packet
// (§4.2, §4.4 step 6).
func (p *Peer) decryptAndHandle(data []byte) {
	hdr, ok := decodeNormalHeader(data)
	if !ok || p.aead == nil {
		return
	}
	if !p.acceptSequence(hdr.seq) {
		return
	}

	ad := make([]byte, normalHeaderSize)
	copy(ad, data[:normalHeaderSize])
	for i := normalHeaderSize - ncrypto.TagSize; i < normalHeaderSize; i++ {
		ad[i] = 0
	}

	ciphertext := data[normalHeaderSize:]
	sealed := make([]byte, 0, len(ciphertext)+ncrypto.TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, hdr.tag[:]...)

	nonce := buildNonce(hdr.seq, p.connNonce, p.connSalt)
	plaintext, err := p.aead.Open(nil, nonce, sealed, ad)
	if err != nil {
		return
	}

	p.lastRecvAt = p.host.now()
	p.bwIn.Add(p.host.timeAsGoTime(p.lastRecvAt), float64(len(data)*8))

	payload := plaintext
	if hdr.flags&flagCompressed != 0 && p.host.compressor != nil {
		if out, err := compressor.DecodeFrame(p.host.compressor, plaintext); err == nil {
			payload = out
		} else {
			return
		}
	}

	p.dispatchBlocks(payload)
}

// acceptSequence implements the replay window check (§4.2): "Reject if
// (seq + W) <= highest_seq; otherwise, compute slot = seq mod W; if slot's
// recorded value >= seq, reject as duplicate; else record seq and advance
// highest_seq if seq exceeds it." replaySeen is initialized to all-1 (an
// impossible sequence value) so the first-ever packet, including seq 0,
// isn't mistaken for a replay of slot zero's zero-value.
func (p *Peer) acceptSequence(seq uint64) bool {
	w := uint64(len(p.replaySeen))
	if w == 0 {
		return false
	}
	if p.haveReplayHighest && seq+w <= p.replayHighest {
		return false
	}
	slot := seq % w
	if p.replaySeen[slot] != noSeqSeen && p.replaySeen[slot] >= seq {
		return false
	}
	p.replaySeen[slot] = seq
	if !p.haveReplayHighest || seq > p.replayHighest {
		p.replayHighest = seq
		p.haveReplayHighest = true
	}
	return true
}

// noSeqSeen marks a replay-window slot that has never recorded a sequence
// number.
const noSeqSeen = ^uint64(0)

// dispatchBlocks parses and routes every block packet inside a decrypted
// payload (§4.4 step 6, §6).
func (p *Peer) dispatchBlocks(payload []byte) {
	for len(payload) > 0 {
		bp, n, ok := decodeBlock(payload, p.channelKind)
		if !ok {
			return
		}
		payload = payload[n:]
		p.handleBlock(bp)
	}
}

func (p *Peer) channelKind(num uint8) (ChannelKind, bool) {
	if int(num) >= len(p.channelTypes) {
		return 0, false
	}
	return p.channelTypes[num], true
}

func (p *Peer) handleBlock(bp *blockPacket) {
	switch bp.typ {
	case BlockPing:
		if len(bp.payload) >= 1 {
			p.handlePing(bp.payload[0])
		}
	case BlockPong:
		if len(bp.payload) >= 1 {
			p.handlePong(bp.payload[0], p.host.now())
		}
	case BlockDisconnect:
		p.handleRemoteDisconnect(bp.payload)
	case BlockDisconnectAck:
		p.handleDisconnectAck()
	case BlockBandwidthLimits:
		p.handleBandwidthLimits(bp.payload)
	case BlockBandwidthLimitsAck:
		// No action needed; presence alone confirms receipt.
	case BlockMTUProbe:
		p.handleMTUProbe(bp.payload)
	case BlockChannel:
		if int(bp.channel) < len(p.channels) {
			p.channels[bp.channel].dispatchIncoming(bp, p.host.now())
		}
	}
}
