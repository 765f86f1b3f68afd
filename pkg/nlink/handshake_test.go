package nlink

import (
	"testing"

	"github.com/r2northstar/nlink/pkg/nctime"
	"github.com/r2northstar/nlink/pkg/netio"
)

// TestConnectDeniedOnChannelMismatch checks that a client requesting a
// channel layout different from the server's configured one is denied with
// DenialWrongChannelTypes rather than silently connected.
func TestConnectDeniedOnChannelMismatch(t *testing.T) {
	cfg := testConfig()
	net := netio.NewVirtualNetwork()
	client := newTestHost(t, net, "10.0.3.1:9000", cfg)
	server := newTestHost(t, net, "10.0.3.2:9000", cfg)

	mismatched := []ChannelKind{UnreliableUnordered, UnreliableUnordered, UnreliableUnordered, UnreliableUnordered}
	cp, err := client.Connect(server.LocalAddr(), mismatched, 0, 0, 0, [128]byte{}, [128]byte{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	var denied Event
	var sawDenial bool
	for i := 0; i < 2000 && !sawDenial; i++ {
		for _, h := range []*Host{client, server} {
			r, e, _ := h.Service(testHostPump)
			if r == ResultEvent && e.Kind == EventPeerDenial {
				denied = e
				sawDenial = true
			}
		}
	}
	if !sawDenial {
		t.Fatalf("client never received a denial event, stuck at %s", cp.State)
	}
	if DenialReason(denied.Data) != DenialWrongChannelTypes {
		t.Fatalf("denial reason = %s, want %s", DenialReason(denied.Data), DenialWrongChannelTypes)
	}
	if len(server.Peers()) != 0 {
		t.Fatal("server created a Peer for a denied candidate")
	}
}

// TestConnectDeniedWhenFull checks that a server already at MaxPeers denies
// a new connection with DenialFull instead of evicting an existing peer.
func TestConnectDeniedWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPeers = 1
	net := netio.NewVirtualNetwork()
	serverCfg := cfg
	client1 := newTestHost(t, net, "10.0.4.1:9000", cfg)
	server := newTestHost(t, net, "10.0.4.9:9000", serverCfg)
	client2cfg := cfg
	client2cfg.MaxPeers = 4 // the second client's own host isn't the one being filled
	client2 := newTestHost(t, net, "10.0.4.2:9000", client2cfg)

	cp1, err := client1.Connect(server.LocalAddr(), cfg.ChannelTypes[:4], 0, 0, 0, [128]byte{}, [128]byte{})
	if err != nil {
		t.Fatalf("connect 1: %v", err)
	}
	pump([]*Host{client1, server}, 2000, func() bool {
		return cp1.State == StateConnected && len(server.Peers()) == 1
	})
	if cp1.State != StateConnected {
		t.Fatalf("first client never connected, stuck at %s", cp1.State)
	}

	cp2, err := client2.Connect(server.LocalAddr(), cfg.ChannelTypes[:4], 0, 0, 0, [128]byte{}, [128]byte{})
	if err != nil {
		t.Fatalf("connect 2: %v", err)
	}
	var sawDenial bool
	var denied Event
	for i := 0; i < 2000 && !sawDenial; i++ {
		for _, h := range []*Host{client2, server} {
			r, e, _ := h.Service(testHostPump)
			if r == ResultEvent && e.Kind == EventPeerDenial {
				denied = e
				sawDenial = true
			}
		}
	}
	if !sawDenial {
		t.Fatalf("second client never received a denial event, stuck at %s", cp2.State)
	}
	if DenialReason(denied.Data) != DenialFull {
		t.Fatalf("denial reason = %s, want %s", DenialReason(denied.Data), DenialFull)
	}
	if len(server.Peers()) != 1 {
		t.Fatalf("server has %d peers after a denied-full connection attempt, want 1", len(server.Peers()))
	}
}

// TestAttemptRingDifficultyScalesWithLoad checks the proof-of-work
// difficulty estimator: few attempts yields the factor floor, many rapid
// attempts yields a higher difficulty, and the result is always clamped to
// [1, 1<<20].
func TestAttemptRingDifficultyScalesWithLoad(t *testing.T) {
	var r attemptRing
	if got := r.difficulty(1024); got != 1024 {
		t.Fatalf("empty ring difficulty = %d, want the factor floor 1024", got)
	}

	t0 := nctime.Time(0)
	r.record(t0)
	r.record(t0) // dt=0 forces the 0.001s floor, i.e. a very high rate
	if got := r.difficulty(1); got <= 1 {
		t.Fatalf("difficulty after a burst of near-simultaneous attempts = %d, want > 1", got)
	}

	var full attemptRing
	for i := 0; i < 256; i++ {
		full.record(nctime.Time(int64(i) * int64(1e9))) // 1 attempt/sec
	}
	got := full.difficulty(1)
	if got < 1 || got > 1<<20 {
		t.Fatalf("difficulty %d out of clamp range [1, %d]", got, 1<<20)
	}
}
