package nlink

import (
	"fmt"
	"net/netip"
	"testing"

	"github.com/r2northstar/nlink/pkg/nctime"
	"github.com/r2northstar/nlink/pkg/netio"
)

// TestReliableUnorderedDedupsRetransmit checks that a reliable-unordered
// block delivered once is not delivered again when its ack is lost and the
// sender retransmits the same sequence number, per §8's exactly-once
// invariant for reliable receivers.
func TestReliableUnorderedDedupsRetransmit(t *testing.T) {
	cfg := testConfig()
	net := netio.NewVirtualNetwork()
	client := newTestHost(t, net, "10.0.3.1:9000", cfg)
	server := newTestHost(t, net, "10.0.3.2:9000", cfg)

	net.SetFilter(netio.Interference{DuplicatePercent: 40}.Filter())

	cp, err := client.Connect(server.LocalAddr(), cfg.ChannelTypes[:4], 0, 0, 0, [128]byte{}, [128]byte{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	pump([]*Host{client, server}, 20000, func() bool {
		return cp.State == StateConnected && len(server.Peers()) == 1 && server.Peers()[0].State == StateConnected
	})
	if cp.State != StateConnected {
		t.Fatalf("handshake never completed, client stuck at %s", cp.State)
	}

	const ruChannel = 1 // ReliableUnordered in the default round-robin layout
	const n = 300
	for i := 0; i < n; i++ {
		cp.channels[ruChannel].SendMessage(NewMessage([]byte(fmt.Sprintf("ru-%04d", i))))
	}

	seen := map[string]int{}
	for i := 0; i < 20000 && len(seen) < n; i++ {
		for _, h := range []*Host{client, server} {
			r, e, _ := h.Service(testHostPump)
			if r == ResultEvent && e.Kind == EventPeerReceive && e.Channel == ruChannel {
				seen[string(e.Message.Data)]++
			}
			for _, ev := range h.CheckEvents() {
				if ev.Kind == EventPeerReceive && ev.Channel == ruChannel {
					seen[string(ev.Message.Data)]++
				}
			}
		}
	}

	if len(seen) != n {
		t.Fatalf("saw %d distinct messages, want all %d delivered despite duplication", len(seen), n)
	}
	for msg, count := range seen {
		if count != 1 {
			t.Fatalf("message %q delivered %d times, want exactly once", msg, count)
		}
	}
}

// TestReliableUnorderedSurvivesPastWindow sends more messages than the
// reliable window holds over a lossy link; the receive cursor must keep
// sliding forward on the unordered path (not just the ordered one), or
// sequences beyond the window get silently dropped and the channel stalls.
func TestReliableUnorderedSurvivesPastWindow(t *testing.T) {
	cfg := testConfig()
	cfg.ReliableChannelBlockPacketWindowSize = 64
	net := netio.NewVirtualNetwork()
	client := newTestHost(t, net, "10.0.4.1:9000", cfg)
	server := newTestHost(t, net, "10.0.4.2:9000", cfg)

	net.SetFilter(netio.Interference{LossPercent: 20}.Filter())

	cp, err := client.Connect(server.LocalAddr(), cfg.ChannelTypes[:4], 0, 0, 0, [128]byte{}, [128]byte{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	pump([]*Host{client, server}, 20000, func() bool {
		return cp.State == StateConnected && len(server.Peers()) == 1 && server.Peers()[0].State == StateConnected
	})
	if cp.State != StateConnected {
		t.Fatalf("handshake never completed, client stuck at %s", cp.State)
	}

	const ruChannel = 1 // ReliableUnordered in the default round-robin layout
	const n = 400       // several multiples of the 64-entry window
	for i := 0; i < n; i++ {
		cp.channels[ruChannel].SendMessage(NewMessage([]byte(fmt.Sprintf("ru-%04d", i))))
	}

	seen := map[string]bool{}
	for i := 0; i < 60000 && len(seen) < n; i++ {
		for _, h := range []*Host{client, server} {
			r, e, _ := h.Service(testHostPump)
			if r == ResultEvent && e.Kind == EventPeerReceive && e.Channel == ruChannel {
				seen[string(e.Message.Data)] = true
			}
			for _, ev := range h.CheckEvents() {
				if ev.Kind == EventPeerReceive && ev.Channel == ruChannel {
					seen[string(ev.Message.Data)] = true
				}
			}
		}
	}

	if len(seen) != n {
		t.Fatalf("delivered %d of %d messages spanning several window cycles, channel must not stall past one window", len(seen), n)
	}
}

// TestReliableUnorderedChannelCursorAdvancesOnGap is a narrow unit test on
// Channel itself: receiving sequences 0, 1, then 3 (2 missing) must deliver
// 0 and 1 immediately and hold the receive cursor at 2 rather than letting it
// run ahead, so sequence 2's eventual retransmission still lands in-window.
func TestReliableUnorderedChannelCursorAdvancesOnGap(t *testing.T) {
	cfg := testConfig()
	net := netio.NewVirtualNetwork()
	server := newTestHost(t, net, "10.0.4.9:9000", cfg)
	peer := &Peer{
		host:  server,
		Addr:  netip.MustParseAddrPort("10.0.4.10:9000"),
		State: StateConnected,
		mtu:   cfg.MTU,
	}
	c := newChannel(0, ReliableUnordered, peer, cfg.ReliableChannelBlockPacketWindowSize)
	peer.channels = []*Channel{c}

	feed := func(seq uint16) {
		bp := &blockPacket{typ: BlockChannel, subtype: byte(ChanCmdShortMsg), hasSeq: true, seq: nctime.Seq(seq), payload: []byte{byte(seq)}}
		c.dispatchIncomingReliable(ChanCmdShortMsg, bp, server.now())
	}
	feed(0)
	feed(1)
	feed(3)

	if c.nextInSeq != nctime.Seq(2) {
		t.Fatalf("receive cursor = %d, want 2 (stuck behind the gap left by missing sequence 2)", uint16(c.nextInSeq))
	}

	feed(2)
	if c.nextInSeq != nctime.Seq(4) {
		t.Fatalf("receive cursor = %d, want 4 after the gap is filled and the window slides past the buffered sequence 3", uint16(c.nextInSeq))
	}
}
