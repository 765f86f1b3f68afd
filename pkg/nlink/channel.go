package nlink

import (
	"encoding/binary"
	"sort"

	"github.com/r2northstar/nlink/pkg/nctime"
)

// ChannelKind selects one of the four delivery semantics spec.md §2/§4.5
// describes, modeled as a capability set on a single Channel rather than
// four duplicated types: reliable-ordered, reliable-unordered,
// unreliable-ordered, unreliable-unordered.
type ChannelKind uint8

const (
	ReliableOrdered ChannelKind = iota
	ReliableUnordered
	UnreliableOrdered
	UnreliableUnordered
)

func (k ChannelKind) String() string {
	switch k {
	case ReliableOrdered:
		return "reliable-ordered"
	case ReliableUnordered:
		return "reliable-unordered"
	case UnreliableOrdered:
		return "unreliable-ordered"
	case UnreliableUnordered:
		return "unreliable-unordered"
	default:
		return "unknown"
	}
}

// Reliable reports whether k retransmits unacknowledged blocks.
func (k ChannelKind) Reliable() bool {
	return k == ReliableOrdered || k == ReliableUnordered
}

// Ordered reports whether k delivers messages in the sender's enqueue order.
func (k ChannelKind) Ordered() bool {
	return k == ReliableOrdered || k == UnreliableOrdered
}

// channelHeaderSize is the 4-byte channel header every BlockChannel block
// payload begins with: type-and-subtype byte, channel number, 16-bit
// little-endian payload length (§4.5).
const channelHeaderSize = 4

// reliableSeqSize is the 16-bit sequence number reliable channels add after
// the channel header (§4.5).
const reliableSeqSize = 2

// longMsgHeaderSize is the 16-bit message number + 32-bit offset + 32-bit
// total length long-message fragments add (§4.5).
const longMsgHeaderSize = 2 + 4 + 4

// unreliableOrderedSeqSize is the 16-bit sequence number stamped on every
// unreliable-ordered fragment (§4.5).
const unreliableOrderedSeqSize = 2

// Channel is one numbered channel on a Peer, exposing SendMessage on the
// producer side and emitting EventPeerReceive events on the consumer side
// (§4.5).
type Channel struct {
	num  uint8
	kind ChannelKind
	peer *Peer

	// pending payload fragments to turn into block packets on the next
	// outgoing dispatch.
	outPending [][]byte
	outMsgNum  uint16

	// reliable windows, sized to a power of two (§3).
	windowSize  int
	outWindow   []*blockPacket // outgoing_blocks[seq mod W]
	nextOutSeq  nctime.Seq
	sentList    []*blockPacket
	unackedCnt  int
	inWindow    []*blockPacket // incoming_blocks[seq mod W]
	nextInSeq   nctime.Seq
	ackPending  []nctime.Seq // acknowledged sequence numbers awaiting batched send

	// long-message assemblers for both reliable kinds and (created lazily)
	// unreliable-ordered, keyed by message number.
	assemblers map[uint16]*assembler

	// unreliable-ordered receive state.
	lastDelivered     nctime.Seq
	haveLastDelivered bool
	nextUnreliableSeq nctime.Seq

	// unreliable-unordered long-message assemblers, keyed by message number.
	uuAssemblers map[uint16]*assembler
}

// assembler reconstructs one long message from fixed-size fragments.
type assembler struct {
	total     uint32
	chunkSize uint32
	buf       []byte
	got       map[uint32]bool // fragment index -> received
	remaining int
}

func newAssembler(total, chunkSize uint32) *assembler {
	n := int(total / chunkSize)
	if total%chunkSize != 0 || n == 0 {
		n++
	}
	return &assembler{total: total, chunkSize: chunkSize, buf: make([]byte, total), got: make(map[uint32]bool, n), remaining: n}
}

func (a *assembler) add(offset uint32, data []byte) bool {
	idx := offset / a.chunkSize
	if a.got[idx] {
		return false
	}
	copy(a.buf[offset:], data)
	a.got[idx] = true
	a.remaining--
	return a.remaining == 0
}

func newChannel(num uint8, kind ChannelKind, peer *Peer, windowSize int) *Channel {
	c := &Channel{
		num:        num,
		kind:       kind,
		peer:       peer,
		windowSize: windowSize,
	}
	if kind.Reliable() {
		c.outWindow = make([]*blockPacket, windowSize)
		c.inWindow = make([]*blockPacket, windowSize)
		c.assemblers = make(map[uint16]*assembler)
	} else if kind == UnreliableUnordered {
		c.uuAssemblers = make(map[uint16]*assembler)
	}
	return c
}

// maxUnfragmentedSize returns the largest message payload that fits in one
// block packet at the peer's current MTU, per §4.5: "Messages larger than
// the per-channel maximum unfragmented message size ... are fragmented."
func (c *Channel) maxUnfragmentedSize() int {
	overhead := normalHeaderSize + channelHeaderSize
	if c.kind.Reliable() {
		overhead += reliableSeqSize
	} else if c.kind == UnreliableOrdered {
		overhead += unreliableOrderedSeqSize
	}
	size := c.peer.mtu - overhead
	if size < 1 {
		size = 1
	}
	return size
}

func (c *Channel) maxFragmentPayload() int {
	overhead := normalHeaderSize + channelHeaderSize + longMsgHeaderSize
	if c.kind.Reliable() {
		overhead += reliableSeqSize
	}
	size := c.peer.mtu - overhead
	if size < 1 {
		size = 1
	}
	return size
}

// SendMessage enqueues msg for transmission on this channel (§4.5 producer
// side). Long messages are fragmented into multiple block packets at the
// next outgoing dispatch.
func (c *Channel) SendMessage(msg *Message) {
	msg.incref()
	c.outPending = append(c.outPending, msg.Data)
	msg.decref()
}

// dispatchOutgoing turns pending messages into block packets, queued on the
// peer's outgoing aggregation queue, and walks the reliable sent-list for
// blocks whose resend timeout has elapsed (§4.4 step 11, §4.5).
func (c *Channel) dispatchOutgoing(now nctime.Time) {
	c.flushAcks()
	c.resendExpired(now)

	maxShort := c.maxUnfragmentedSize()
	maxFrag := c.maxFragmentPayload()

	for len(c.outPending) > 0 {
		data := c.outPending[0]
		c.outPending = c.outPending[1:]
		msgNum := c.outMsgNum
		c.outMsgNum++

		if len(data) <= maxShort {
			c.emitShort(data, now)
		} else {
			for off := 0; off < len(data); off += maxFrag {
				end := off + maxFrag
				if end > len(data) {
					end = len(data)
				}
				c.emitLong(msgNum, uint32(off), uint32(len(data)), data[off:end], now)
			}
		}
	}
}

func (c *Channel) emitShort(data []byte, now nctime.Time) {
	payload := append([]byte(nil), data...)
	bp := newBlockPacket(BlockChannel, byte(ChanCmdShortMsg), payload)
	c.enqueueOutgoing(bp, now)
}

func (c *Channel) emitLong(msgNum uint16, offset, total uint32, chunk []byte, now nctime.Time) {
	payload := make([]byte, 0, longMsgHeaderSize+len(chunk))
	payload = binary.LittleEndian.AppendUint16(payload, msgNum)
	payload = binary.LittleEndian.AppendUint32(payload, offset)
	payload = binary.LittleEndian.AppendUint32(payload, total)
	payload = append(payload, chunk...)
	bp := newBlockPacket(BlockChannel, byte(ChanCmdLongMsg), payload)
	c.enqueueOutgoing(bp, now)
}

// enqueueOutgoing assigns sequence numbers (reliable/unreliable-ordered),
// parks reliable blocks in the outgoing window, and hands the block to the
// peer for aggregation (§4.5).
func (c *Channel) enqueueOutgoing(bp *blockPacket, now nctime.Time) {
	bp.channel = c.num

	switch {
	case c.kind.Reliable():
		seq := c.nextOutSeq
		c.nextOutSeq = c.nextOutSeq.Add(1)
		bp.hasSeq = true
		bp.seq = seq
		c.outWindow[uint16(seq)%uint16(c.windowSize)] = bp
		c.unackedCnt++
		c.peer.enqueueOutgoingBlock(bp)
		// resend bookkeeping happens once the block is actually
		// transmitted — see markSent, invoked by the peer after framing.
	case c.kind == UnreliableOrdered:
		bp.hasSeq = true
		bp.seq = c.nextUnreliableSeq
		c.nextUnreliableSeq = c.nextUnreliableSeq.Add(1)
		c.peer.enqueueOutgoingBlock(bp)
	default: // UnreliableUnordered
		c.peer.enqueueOutgoingBlock(bp)
	}
}

// markSent records that bp was just transmitted in this flush, starting its
// resend timer for reliable channels (§4.5: "On transmit, timestamp the
// block, initialize its resend timeout from the peer's current RTO").
func (c *Channel) markSent(bp *blockPacket, now nctime.Time) {
	if !c.kind.Reliable() {
		return
	}
	bp.sentAt = now
	bp.resendTimeout = c.peer.rto()
	c.sentList = append(c.sentList, bp)
}

// resendExpired walks the sent-list, re-queuing any block whose elapsed
// time has reached its resend timeout, doubling the timeout (capped) and
// counting the resend as loss (§4.5).
func (c *Channel) resendExpired(now nctime.Time) {
	if !c.kind.Reliable() {
		return
	}
	kept := c.sentList[:0]
	for _, bp := range c.sentList {
		if bp.acked {
			continue
		}
		if now.Sub(bp.sentAt) >= bp.resendTimeout {
			c.peer.recordLoss()
			bp.resendTimeout = c.peer.clampRTOLimit(bp.resendTimeout * 2)
			c.peer.enqueueOutgoingBlockFront(bp)
			bp.sentAt = now
			kept = append(kept, bp)
		} else {
			kept = append(kept, bp)
		}
	}
	c.sentList = kept
}

// dispatchIncoming handles one decoded incoming block packet for this
// channel (§4.5, §4.4 step 6).
func (c *Channel) dispatchIncoming(bp *blockPacket, now nctime.Time) {
	cmd := ChannelCmd(bp.subtype)
	switch c.kind {
	case ReliableOrdered, ReliableUnordered:
		c.dispatchIncomingReliable(cmd, bp, now)
	case UnreliableOrdered:
		c.dispatchIncomingUnreliableOrdered(cmd, bp)
	case UnreliableUnordered:
		c.dispatchIncomingUnreliableUnordered(cmd, bp)
	}
}

func (c *Channel) dispatchIncomingReliable(cmd ChannelCmd, bp *blockPacket, now nctime.Time) {
	switch cmd {
	case ChanCmdAck:
		if len(bp.payload) >= 2 {
			c.acknowledge(nctime.Seq(binary.LittleEndian.Uint16(bp.payload)), now)
		}
		return
	case ChanCmdAcksBitmap:
		c.acknowledgeBitmap(bp.payload, now)
		return
	}

	seq := bp.seq
	d := seq.Diff(c.nextInSeq)
	if d < 0 {
		// Late or duplicate: still ack it, don't deliver.
		c.queueAck(seq)
		return
	}
	if d >= int32(c.windowSize) {
		// Far-future: drop silently, no ack, to avoid an ack-storm
		// feedback loop (§4.5).
		return
	}

	slot := uint16(seq) % uint16(c.windowSize)

	if c.kind == ReliableOrdered {
		if c.inWindow[slot] == nil || c.inWindow[slot].seq != seq {
			c.inWindow[slot] = bp
		}
		c.queueAck(seq)
		c.deliverInOrder()
		return
	}

	// Reliable-unordered: §4.5 delivers immediately on arrival instead of
	// holding for in-order completion, but the receive window still slides
	// the same way so a retransmit of an already-delivered sequence (e.g.
	// after its ack was lost) is acked again without being redelivered.
	if c.inWindow[slot] != nil {
		c.queueAck(seq)
		return
	}
	c.inWindow[slot] = bp
	c.queueAck(seq)
	c.deliverBlock(bp)
	c.advanceUnorderedCursor()
}

func (c *Channel) deliverInOrder() {
	for {
		slot := uint16(c.nextInSeq) % uint16(c.windowSize)
		bp := c.inWindow[slot]
		if bp == nil || bp.seq != c.nextInSeq {
			return
		}
		c.inWindow[slot] = nil
		c.nextInSeq = c.nextInSeq.Add(1)
		c.deliverBlock(bp)
	}
}

// advanceUnorderedCursor slides nextInSeq over consecutive already-delivered
// slots, freeing them for reuse by a future sequence windowSize later. Unlike
// deliverInOrder it never delivers: reliable-unordered blocks are delivered
// the moment they arrive, not when the cursor reaches them.
func (c *Channel) advanceUnorderedCursor() {
	for {
		slot := uint16(c.nextInSeq) % uint16(c.windowSize)
		if c.inWindow[slot] == nil {
			return
		}
		c.inWindow[slot] = nil
		c.nextInSeq = c.nextInSeq.Add(1)
	}
}

func (c *Channel) deliverBlock(bp *blockPacket) {
	switch ChannelCmd(bp.subtype) {
	case ChanCmdShortMsg:
		c.peer.deliverMessage(c.num, NewMessage(bp.payload))
	case ChanCmdLongMsg:
		c.deliverLongFragment(c.assemblers, bp.payload, false)
	}
}

func (c *Channel) deliverLongFragment(assemblers map[uint16]*assembler, payload []byte, prevLost bool) {
	if len(payload) < longMsgHeaderSize {
		return
	}
	msgNum := binary.LittleEndian.Uint16(payload)
	offset := binary.LittleEndian.Uint32(payload[2:])
	total := binary.LittleEndian.Uint32(payload[6:])
	chunk := payload[longMsgHeaderSize:]

	a, ok := assemblers[msgNum]
	if !ok {
		a = newAssembler(total, uint32(c.maxFragmentPayload()))
		assemblers[msgNum] = a
	}
	if a.total != total {
		// Conflicting total length for a reused message number: reset, per
		// §4.5's unordered-channel conflict handling.
		a = newAssembler(total, uint32(c.maxFragmentPayload()))
		assemblers[msgNum] = a
	}
	if a.add(offset, chunk) {
		delete(assemblers, msgNum)
		msg := NewMessage(a.buf)
		msg.PreviousLost = prevLost
		c.peer.deliverMessage(c.num, msg)
	}
}

func (c *Channel) queueAck(seq nctime.Seq) {
	c.ackPending = append(c.ackPending, seq)
}

func (c *Channel) acknowledge(seq nctime.Seq, now nctime.Time) {
	slot := uint16(seq) % uint16(c.windowSize)
	if bp := c.outWindow[slot]; bp != nil && bp.seq == seq && !bp.acked {
		bp.acked = true
		c.peer.updateRTT(now, bp.sentAt)
		c.unackedCnt--
		c.outWindow[slot] = nil
	}
	c.advanceAckCursor()
}

func (c *Channel) acknowledgeBitmap(payload []byte, now nctime.Time) {
	if len(payload) < 2 {
		return
	}
	base := nctime.Seq(binary.LittleEndian.Uint16(payload))
	bits := payload[2:]
	for i := 0; i < len(bits)*8; i++ {
		if bits[i/8]&(1<<uint(i%8)) != 0 {
			c.acknowledge(base.Add(i), now)
		}
	}
}

// advanceAckCursor does nothing. The channel keeps no outgoing
// acknowledgement cursor and no separate acknowledged marks: acknowledge
// clears each acknowledged slot to nil directly, and unackedCnt counts the
// blocks still outstanding.
func (c *Channel) advanceAckCursor() {
	// Slots are cleared on ack, so there is nothing further to advance:
	// outWindow[slot] == nil for every acknowledged sequence already.
}

// flushAcks batches the pending acknowledged sequence numbers into ACK or
// ACKs-bitmap block packets (§4.5).
func (c *Channel) flushAcks() {
	if len(c.ackPending) == 0 {
		return
	}
	seqs := c.ackPending
	c.ackPending = nil
	sort.Slice(seqs, func(i, j int) bool { return seqs[i].Diff(seqs[j]) < 0 })

	if len(seqs) == 1 {
		payload := binary.LittleEndian.AppendUint16(nil, uint16(seqs[0]))
		bp := newBlockPacket(BlockChannel, byte(ChanCmdAck), payload)
		c.enqueueControlOutgoing(bp)
		return
	}

	base := seqs[0]
	span := int(seqs[len(seqs)-1].Diff(base)) + 1
	bitmapBytes := (span + 7) / 8
	maxBitmap := (c.peer.mtu - normalHeaderSize - channelHeaderSize - 2)
	if bitmapBytes > maxBitmap {
		bitmapBytes = maxBitmap
	}
	bitmap := make([]byte, bitmapBytes)
	for _, s := range seqs {
		idx := int(s.Diff(base))
		if idx < 0 || idx >= bitmapBytes*8 {
			continue
		}
		bitmap[idx/8] |= 1 << uint(idx%8)
	}
	payload := binary.LittleEndian.AppendUint16(nil, uint16(base))
	payload = append(payload, bitmap...)
	bp := newBlockPacket(BlockChannel, byte(ChanCmdAcksBitmap), payload)
	c.enqueueControlOutgoing(bp)
}

func (c *Channel) enqueueControlOutgoing(bp *blockPacket) {
	bp.channel = c.num
	c.peer.enqueueOutgoingBlock(bp)
}

func (c *Channel) dispatchIncomingUnreliableOrdered(cmd ChannelCmd, bp *blockPacket) {
	seq := bp.seq
	if c.haveLastDelivered && !seq.After(c.lastDelivered) {
		return // out of order / duplicate: dropped (§4.5)
	}
	prevLost := c.haveLastDelivered && seq.Diff(c.lastDelivered) > 1
	c.lastDelivered = seq
	c.haveLastDelivered = true

	switch cmd {
	case ChanCmdShortMsg:
		msg := NewMessage(bp.payload)
		msg.PreviousLost = prevLost
		c.peer.deliverMessage(c.num, msg)
	case ChanCmdLongMsg:
		c.deliverLongFragment(c.assemblersForUnorderedStream(), bp.payload, prevLost)
	}
}

// assemblersForUnorderedStream lazily creates the long-message assembler map
// for unreliable-ordered channels, which don't otherwise need one.
func (c *Channel) assemblersForUnorderedStream() map[uint16]*assembler {
	if c.assemblers == nil {
		c.assemblers = make(map[uint16]*assembler)
	}
	return c.assemblers
}

func (c *Channel) dispatchIncomingUnreliableUnordered(cmd ChannelCmd, bp *blockPacket) {
	switch cmd {
	case ChanCmdShortMsg:
		c.peer.deliverMessage(c.num, NewMessage(bp.payload))
	case ChanCmdLongMsg:
		c.deliverLongFragment(c.uuAssemblers, bp.payload, false)
	}
}

// encodeChannelBlock serializes a block packet's channel header plus
// sequence number (if reliable/unreliable-ordered) and payload, per §4.5's
// wire layout.
func encodeChannelBlock(dst []byte, bp *blockPacket) []byte {
	dst = append(dst, typeSubtypeByte(bp.typ, bp.subtype))
	dst = append(dst, bp.channel)
	lenPos := len(dst)
	dst = append(dst, 0, 0) // length placeholder
	bodyStart := len(dst)
	if bp.hasSeq {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(bp.seq))
	}
	dst = append(dst, bp.payload...)
	binary.LittleEndian.PutUint16(dst[lenPos:], uint16(len(dst)-bodyStart))
	return dst
}

// decodeChannelBlock parses one channel block starting at buf[0], returning
// the parsed block and the number of bytes consumed.
func decodeChannelBlock(buf []byte, kind ChannelKind) (*blockPacket, int, bool) {
	if len(buf) < channelHeaderSize {
		return nil, 0, false
	}
	typ, subtype := splitTypeSubtypeByte(buf[0])
	channel := buf[1]
	n := int(binary.LittleEndian.Uint16(buf[2:4]))
	total := channelHeaderSize + n
	if total > len(buf) {
		return nil, 0, false
	}
	body := buf[channelHeaderSize:total]

	bp := &blockPacket{typ: typ, subtype: subtype, channel: channel}
	cmd := ChannelCmd(subtype)
	needsSeq := kind.Reliable() && cmd != ChanCmdAck && cmd != ChanCmdAcksBitmap
	needsSeq = needsSeq || (kind == UnreliableOrdered)
	if needsSeq {
		if len(body) < reliableSeqSize {
			return nil, 0, false
		}
		bp.hasSeq = true
		bp.seq = nctime.Seq(binary.LittleEndian.Uint16(body))
		body = body[reliableSeqSize:]
	}
	bp.payload = body
	return bp, total, true
}
