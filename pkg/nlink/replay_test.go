package nlink

import "testing"

func newTestReplayPeer(window int) *Peer {
	return &Peer{replaySeen: newReplayWindow(window)}
}

func TestAcceptSequenceFirstPacketZero(t *testing.T) {
	p := newTestReplayPeer(8)
	if !p.acceptSequence(0) {
		t.Fatal("first-ever packet at seq 0 must be accepted")
	}
}

func TestAcceptSequenceMonotonic(t *testing.T) {
	p := newTestReplayPeer(8)
	for seq := uint64(0); seq < 100; seq++ {
		if !p.acceptSequence(seq) {
			t.Fatalf("strictly increasing seq %d rejected", seq)
		}
	}
}

func TestAcceptSequenceRejectsExactReplay(t *testing.T) {
	p := newTestReplayPeer(8)
	if !p.acceptSequence(5) {
		t.Fatal("seq 5 should be accepted the first time")
	}
	if p.acceptSequence(5) {
		t.Fatal("seq 5 should be rejected the second time (exact replay)")
	}
}

func TestAcceptSequenceRejectsTooOld(t *testing.T) {
	p := newTestReplayPeer(8)
	if !p.acceptSequence(100) {
		t.Fatal("seq 100 should be accepted")
	}
	// 100 - 8 = 92: anything at or below the window's trailing edge is too
	// old to have a live slot.
	if p.acceptSequence(91) {
		t.Fatal("seq 91 is outside the window behind highest=100 and must be rejected")
	}
}

func TestAcceptSequenceAcceptsWithinWindowOutOfOrder(t *testing.T) {
	p := newTestReplayPeer(8)
	if !p.acceptSequence(100) {
		t.Fatal("seq 100 should be accepted")
	}
	if !p.acceptSequence(95) {
		t.Fatal("seq 95 is within the window behind highest=100 and unseen, should be accepted")
	}
	if p.acceptSequence(95) {
		t.Fatal("seq 95 replayed a second time must be rejected")
	}
}

func TestAcceptSequenceAdvancesHighest(t *testing.T) {
	p := newTestReplayPeer(8)
	p.acceptSequence(10)
	if p.replayHighest != 10 {
		t.Fatalf("replayHighest = %d, want 10", p.replayHighest)
	}
	p.acceptSequence(3)
	if p.replayHighest != 10 {
		t.Fatalf("replayHighest regressed to %d after accepting an older, in-window seq", p.replayHighest)
	}
	p.acceptSequence(20)
	if p.replayHighest != 20 {
		t.Fatalf("replayHighest = %d, want 20", p.replayHighest)
	}
}

func TestAcceptSequenceZeroWindowAlwaysRejects(t *testing.T) {
	p := newTestReplayPeer(0)
	if p.acceptSequence(0) {
		t.Fatal("a zero-size replay window must reject everything")
	}
}
