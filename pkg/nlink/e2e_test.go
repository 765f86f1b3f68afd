package nlink

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/r2northstar/nlink/pkg/netio"
)

// TestReliableOrderedDeliveryExactlyOnce drives a large batch of short
// messages across a reliable-ordered channel and checks the receiver sees
// every one exactly once, in the sender's enqueue order. The spec's
// end-to-end scenario calls for 10,000 messages; this uses a smaller batch
// so the test completes in bounded wall-clock time under VirtualSocket's
// real-time deadlines, while still exercising many full window cycles at
// the default 1024-entry reliable window.
func TestReliableOrderedDeliveryExactlyOnce(t *testing.T) {
	cfg := testConfig()
	_, client, server, cp, _ := connectedPair(t, cfg, cfg)

	const n = 2000
	for i := 0; i < n; i++ {
		cp.channels[0].SendMessage(NewMessage([]byte(fmt.Sprintf("msg-%05d", i))))
	}

	var received []string
	for i := 0; i < 20000 && len(received) < n; i++ {
		for _, h := range []*Host{client, server} {
			r, e, _ := h.Service(testHostPump)
			if r == ResultEvent && e.Kind == EventPeerReceive && e.Channel == 0 {
				received = append(received, string(e.Message.Data))
			}
			for _, ev := range h.CheckEvents() {
				if ev.Kind == EventPeerReceive && ev.Channel == 0 {
					received = append(received, string(ev.Message.Data))
				}
			}
		}
		if len(received) >= n {
			break
		}
	}

	if len(received) != n {
		t.Fatalf("received %d messages, want %d", len(received), n)
	}
	for i, got := range received {
		want := fmt.Sprintf("msg-%05d", i)
		if got != want {
			t.Fatalf("message %d out of order or wrong: got %q, want %q", i, got, want)
		}
	}
}

// TestReliableOrderedSurvivesInterference drops half of all datagrams in
// both directions; the reliable-ordered channel's retransmission must still
// eventually deliver every message, in order.
func TestReliableOrderedSurvivesInterference(t *testing.T) {
	cfg := testConfig()
	net := netio.NewVirtualNetwork()
	client := newTestHost(t, net, "10.0.1.1:9000", cfg)
	server := newTestHost(t, net, "10.0.1.2:9000", cfg)

	net.SetFilter(netio.Interference{LossPercent: 50}.Filter())

	cp, err := client.Connect(server.LocalAddr(), cfg.ChannelTypes[:4], 0, 0, 0, [128]byte{}, [128]byte{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	pump([]*Host{client, server}, 20000, func() bool {
		return cp.State == StateConnected && len(server.Peers()) == 1 && server.Peers()[0].State == StateConnected
	})
	if cp.State != StateConnected {
		t.Fatalf("handshake never completed under 50%% loss, client stuck at %s", cp.State)
	}

	const n = 300
	for i := 0; i < n; i++ {
		cp.channels[0].SendMessage(NewMessage([]byte(fmt.Sprintf("msg-%04d", i))))
	}

	var received []string
	for i := 0; i < 40000 && len(received) < n; i++ {
		for _, h := range []*Host{client, server} {
			r, e, _ := h.Service(testHostPump)
			if r == ResultEvent && e.Kind == EventPeerReceive && e.Channel == 0 {
				received = append(received, string(e.Message.Data))
			}
			for _, ev := range h.CheckEvents() {
				if ev.Kind == EventPeerReceive && ev.Channel == 0 {
					received = append(received, string(ev.Message.Data))
				}
			}
		}
	}

	if len(received) != n {
		t.Fatalf("received %d of %d messages under loss, reliable channel must deliver all", len(received), n)
	}
	for i, got := range received {
		want := fmt.Sprintf("msg-%04d", i)
		if got != want {
			t.Fatalf("message %d out of order under loss: got %q, want %q", i, got, want)
		}
	}
}

// TestUnreliableUnorderedBoundedLoss sends 200 messages on an
// unreliable-unordered channel over an undisturbed link and checks that at
// least one arrives and that no more distinct payloads arrive than were
// sent.
func TestUnreliableUnorderedBoundedLoss(t *testing.T) {
	cfg := testConfig()
	_, client, server, cp, _ := connectedPair(t, cfg, cfg)

	const n = 200
	const uuChannel = 3 // UnreliableUnordered in the default round-robin layout
	for i := 0; i < n; i++ {
		cp.channels[uuChannel].SendMessage(NewMessage([]byte(fmt.Sprintf("uu-%04d", i))))
	}

	seen := map[string]int{}
	for i := 0; i < 5000; i++ {
		for _, h := range []*Host{client, server} {
			r, e, _ := h.Service(testHostPump)
			if r == ResultEvent && e.Kind == EventPeerReceive && e.Channel == uuChannel {
				seen[string(e.Message.Data)]++
			}
			for _, ev := range h.CheckEvents() {
				if ev.Kind == EventPeerReceive && ev.Channel == uuChannel {
					seen[string(ev.Message.Data)]++
				}
			}
		}
	}

	if len(seen) == 0 {
		t.Fatal("no unreliable-unordered messages arrived at all over an undisturbed link")
	}
	if len(seen) > n {
		t.Fatalf("saw %d distinct payloads, more than the %d sent", len(seen), n)
	}
}

// TestReplayedDatagramRejected captures one already-delivered normal packet
// and resends it; the peer must not deliver a duplicate EventPeerReceive.
func TestReplayedDatagramRejected(t *testing.T) {
	cfg := testConfig()
	net := netio.NewVirtualNetwork()
	client := newTestHost(t, net, "10.0.2.1:9000", cfg)
	server := newTestHost(t, net, "10.0.2.2:9000", cfg)

	cp, err := client.Connect(server.LocalAddr(), cfg.ChannelTypes[:4], 0, 0, 0, [128]byte{}, [128]byte{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	pump([]*Host{client, server}, 2000, func() bool {
		return cp.State == StateConnected && len(server.Peers()) == 1 && server.Peers()[0].State == StateConnected
	})
	if cp.State != StateConnected {
		t.Fatalf("handshake never completed, client stuck at %s", cp.State)
	}

	// Only start capturing once connected, so the captured datagram is the
	// one carrying the message sent below rather than handshake traffic.
	var captured []byte
	net.SetFilter(func(from, to netip.AddrPort, data []byte) ([]byte, bool, time.Duration) {
		if captured == nil && from == client.LocalAddr() && to == server.LocalAddr() &&
			len(data) >= normalHeaderSize && data[3] == normalDiscriminator {
			captured = append([]byte(nil), data...)
		}
		return data, false, 0
	})

	cp.channels[0].SendMessage(NewMessage([]byte("only-once")))
	var delivered int
	for i := 0; i < 2000 && (captured == nil || delivered == 0); i++ {
		for _, h := range []*Host{client, server} {
			r, e, _ := h.Service(testHostPump)
			if r == ResultEvent && e.Kind == EventPeerReceive {
				delivered++
			}
			for _, ev := range h.CheckEvents() {
				if ev.Kind == EventPeerReceive {
					delivered++
				}
			}
		}
	}
	if delivered != 1 {
		t.Fatalf("delivered %d EventPeerReceive before replay, want exactly 1", delivered)
	}
	if captured == nil {
		t.Fatal("never captured a normal packet to replay")
	}

	// Resend the exact same datagram the server already consumed, from the
	// same source address, using the client's own socket directly.
	if _, err := client.socket.WriteTo(captured, server.LocalAddr()); err != nil {
		t.Fatalf("replay write: %v", err)
	}

	var redelivered int
	for i := 0; i < 50; i++ {
		r, e, _ := server.Service(testHostPump)
		if r == ResultEvent && e.Kind == EventPeerReceive {
			redelivered++
		}
		for _, ev := range server.CheckEvents() {
			if ev.Kind == EventPeerReceive {
				redelivered++
			}
		}
	}
	if redelivered != 0 {
		t.Fatalf("replayed datagram was delivered %d times, want 0 (replay must be rejected)", redelivered)
	}
}

// TestGracefulDisconnect exercises Peer.Disconnect end to end: the remote
// side must see EventPeerDisconnect carrying the same data, and the host
// that initiated the disconnect must free its peer slot (no leak).
func TestGracefulDisconnect(t *testing.T) {
	cfg := testConfig()
	_, client, server, cp, _ := connectedPair(t, cfg, cfg)

	const disconnectData = 0xABCDEF
	cp.Disconnect(disconnectData)

	var serverSawDisconnect, clientFreed bool
	for i := 0; i < 5000 && (!serverSawDisconnect || !clientFreed); i++ {
		for _, h := range []*Host{client, server} {
			r, e, _ := h.Service(testHostPump)
			if r == ResultEvent && e.Kind == EventPeerDisconnect && h == server {
				if e.Data != disconnectData {
					t.Fatalf("server's disconnect event carried data %#x, want %#x", e.Data, disconnectData)
				}
				serverSawDisconnect = true
			}
		}
		if len(client.Peers()) == 0 {
			clientFreed = true
		}
	}
	if !serverSawDisconnect {
		t.Fatal("server never observed EventPeerDisconnect")
	}
	if !clientFreed {
		t.Fatal("client never freed its peer slot after a local Disconnect completed")
	}
	if len(server.Peers()) != 0 {
		t.Fatalf("server did not free its peer slot: %d peers remain", len(server.Peers()))
	}
}

// TestLongMessageFragmentationReassembly sends one message larger than a
// single block packet on a reliable-unordered channel at a small MTU, and
// checks the receiver reassembles it byte-for-byte. Scaled down from the
// spec's 8 MiB/1200-byte-MTU scenario to keep the test fast while still
// forcing well over a hundred fragments.
func TestLongMessageFragmentationReassembly(t *testing.T) {
	cfg := testConfig()
	cfg.MTU = 600
	_, client, server, cp, _ := connectedPair(t, cfg, cfg)

	const size = 300 * 1024
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	const ruChannel = 1 // ReliableUnordered in the default round-robin layout
	cp.channels[ruChannel].SendMessage(NewMessage(data))

	var got []byte
	for i := 0; i < 40000 && len(got) == 0; i++ {
		for _, h := range []*Host{client, server} {
			r, e, _ := h.Service(testHostPump)
			if r == ResultEvent && e.Kind == EventPeerReceive && e.Channel == ruChannel {
				got = e.Message.Data
			}
			for _, ev := range h.CheckEvents() {
				if ev.Kind == EventPeerReceive && ev.Channel == ruChannel {
					got = ev.Message.Data
				}
			}
		}
	}
	if len(got) != size {
		t.Fatalf("reassembled message is %d bytes, want %d", len(got), size)
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("reassembled message differs at byte %d: got %d, want %d", i, got[i], data[i])
		}
	}
}
