package nlink

import (
	"net/netip"
	"testing"
	"time"

	"github.com/r2northstar/nlink/pkg/ncrypto"
	"github.com/r2northstar/nlink/pkg/netio"
)

// testHostPump is how small a timeout each Service call in pump uses: large
// enough that a VirtualSocket's channel-based notify never actually sleeps
// for it once a datagram is pending, small enough that an empty poll returns
// promptly.
const testHostPump = 2 * time.Millisecond

// newTestHost builds a Host bound to a fresh address on net, with cfg
// (passed to NewHost as is) and a freshly generated long-term identity.
func newTestHost(t *testing.T, net *netio.VirtualNetwork, addr string, cfg Config) *Host {
	t.Helper()
	ap := netip.MustParseAddrPort(addr)
	sock, err := net.Listen(ap)
	if err != nil {
		t.Fatalf("listen %s: %v", addr, err)
	}
	id, err := ncrypto.GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	h, err := NewHost(cfg, sock, id)
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

// pump drives every host in hosts for up to rounds iterations, each
// collecting any event Service returns plus whatever else happens to already
// be queued, stopping early once cond reports satisfied.
func pump(hosts []*Host, rounds int, cond func() bool) map[*Host][]Event {
	out := make(map[*Host][]Event, len(hosts))
	for i := 0; i < rounds; i++ {
		for _, h := range hosts {
			r, e, _ := h.Service(testHostPump)
			if r == ResultEvent {
				out[h] = append(out[h], e)
			}
			out[h] = append(out[h], h.CheckEvents()...)
		}
		if cond != nil && cond() {
			return out
		}
	}
	return out
}

// connectedPair stands up client and server hosts sharing one virtual
// network, drives a full handshake to completion, and returns both peer
// handles. Fails the test if the handshake doesn't complete.
func connectedPair(t *testing.T, clientCfg, serverCfg Config) (net *netio.VirtualNetwork, client *Host, server *Host, clientPeer, serverPeer *Peer) {
	t.Helper()
	net = netio.NewVirtualNetwork()
	client = newTestHost(t, net, "10.0.0.1:9000", clientCfg)
	server = newTestHost(t, net, "10.0.0.2:9000", serverCfg)

	cp, err := client.Connect(server.LocalAddr(), clientCfg.ChannelTypes[:4], 0, 0, 0, [128]byte{}, [128]byte{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	pump([]*Host{client, server}, 2000, func() bool {
		return cp.State == StateConnected && len(server.Peers()) == 1 && server.Peers()[0].State == StateConnected
	})

	if cp.State != StateConnected {
		t.Fatalf("client peer never reached StateConnected, stuck at %s", cp.State)
	}
	peers := server.Peers()
	if len(peers) != 1 {
		t.Fatalf("server has %d peers, want 1", len(peers))
	}
	sp := peers[0]
	if sp.State != StateConnected {
		t.Fatalf("server peer never reached StateConnected, stuck at %s", sp.State)
	}
	return net, client, server, cp, sp
}

// testConfig returns a small, fast-timeout DefaultConfig variant suitable
// for deterministic tests: short timers so tests don't stall on real-time
// waits, a 4-channel layout matching the default round-robin assignment.
func testConfig() Config {
	c := DefaultConfig()
	c.ConnectionTimeout = 2 * time.Second
	c.PingInterval = 200 * time.Millisecond
	c.PingResendTimeout = 20 * time.Millisecond
	c.PendingConnectionTimeout = 2 * time.Second
	c.PendingConnectionSendTimeout = 10 * time.Millisecond
	c.PendingDisconnectionTimeout = 500 * time.Millisecond
	c.PendingDisconnectionSendTimeout = 10 * time.Millisecond
	c.MinRetransmissionTimeout = time.Millisecond
	c.MaxRetransmissionTimeout = 50 * time.Millisecond
	return c
}
