package nlink

import (
	"time"

	"github.com/r2northstar/nlink/pkg/nctime"
)

// BlockType is the low-nibble type tag of a block packet's first byte
// (§6): the smallest addressable unit moved between a peer's queues and
// aggregated into one encrypted UDP payload per flush.
type BlockType uint8

const (
	BlockNone BlockType = iota
	BlockPing
	BlockPong
	BlockDisconnect
	BlockDisconnectAck
	BlockBandwidthLimits
	BlockBandwidthLimitsAck
	BlockMTUProbe
	BlockChannel
)

// ChannelCmd is the high-nibble channel sub-command of a BlockChannel
// block's type-and-subtype byte (§6).
type ChannelCmd uint8

const (
	ChanCmdShortMsg ChannelCmd = iota
	ChanCmdLongMsg
	ChanCmdAck
	ChanCmdAcksBitmap
)

// typeSubtypeByte packs a BlockType's low nibble with a ChannelCmd's high
// nibble into the single header byte §6 specifies: "1 byte = (type_low_nibble
// | (subtype_high_nibble<<4))".
func typeSubtypeByte(typ BlockType, subtype uint8) byte {
	return byte(typ&0x0F) | (subtype << 4)
}

func splitTypeSubtypeByte(b byte) (BlockType, uint8) {
	return BlockType(b & 0x0F), uint8(b >> 4)
}

// blockPacket is a single block-packet. The same block can be live in an
// outgoing queue, a sent-list, and a deferred list at once (§3); those
// places share it by pointer, with no explicit reference count.
type blockPacket struct {
	typ     BlockType
	subtype uint8
	channel uint8 // valid when typ == BlockChannel
	hasSeq  bool
	seq     nctime.Seq // reliable channel block sequence number
	payload []byte

	// sent-list bookkeeping, valid only for reliable channel blocks.
	sentAt        nctime.Time
	resendTimeout time.Duration
	acked         bool
}

func newBlockPacket(typ BlockType, subtype uint8, payload []byte) *blockPacket {
	return &blockPacket{typ: typ, subtype: subtype, payload: payload}
}

// Message is an application-level payload, reference counted so the same
// Message can be shared across multiple channel queues when broadcasting
// (§3). The last channel to consume it frees the backing buffer unless
// NoFree is set.
type Message struct {
	// Data is the message payload.
	Data []byte

	// NoFree, if set, means the channel layer must never reuse or zero
	// Data after delivery or send completion — the application retains
	// ownership of the backing array.
	NoFree bool

	// PreviousLost is set by an unreliable-ordered channel's receiver on
	// the message delivered immediately after one or more gaps, per
	// spec.md §9 Open Questions ("the spec keeps it as a per-message
	// boolean attribute").
	PreviousLost bool

	refs int
}

// NewMessage wraps data as a single-reference Message ready to enqueue on a
// channel.
func NewMessage(data []byte) *Message {
	return &Message{Data: data, refs: 1}
}

func (m *Message) incref() { m.refs++ }

func (m *Message) decref() {
	m.refs--
	if m.refs <= 0 && !m.NoFree {
		m.Data = nil
	}
}
