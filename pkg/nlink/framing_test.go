package nlink

import (
	"bytes"
	"testing"

	"github.com/r2northstar/nlink/pkg/ncrypto"
)

func TestNormalHeaderRoundTrip(t *testing.T) {
	want := normalHeader{
		peerID:  0xBEEF,
		flags:   flagCompressed,
		sentLow: 0x1234,
		seq:     0x0102030405060708,
	}
	for i := range want.tag {
		want.tag[i] = byte(i)
	}
	buf := encodeNormalHeader(want)
	if len(buf) != normalHeaderSize {
		t.Fatalf("encoded header is %d bytes, want %d", len(buf), normalHeaderSize)
	}
	got, ok := decodeNormalHeader(buf)
	if !ok {
		t.Fatal("decodeNormalHeader reported failure on a well-formed header")
	}
	if got != want {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestNormalHeaderTooShort(t *testing.T) {
	if _, ok := decodeNormalHeader(make([]byte, normalHeaderSize-1)); ok {
		t.Fatal("decodeNormalHeader accepted a too-short buffer")
	}
}

func TestHandshakeMagicNeverCollidesWithNormalDiscriminator(t *testing.T) {
	if handshakeMagic[3] == normalDiscriminator {
		t.Fatalf("handshake magic's trailing byte (0x%02X) collides with normalDiscriminator (0x%02X)",
			handshakeMagic[3], normalDiscriminator)
	}
	// A normal packet's header always writes normalDiscriminator at offset 3
	// regardless of peer_id/flags, so classify can never mistake one for the
	// other.
	h := encodeNormalHeader(normalHeader{peerID: 0xFFFF, flags: 0xFF})
	if bytes.Equal(h[:4], handshakeMagic[:]) {
		t.Fatal("a normal packet's first 4 bytes collided with the handshake magic")
	}
}

func TestBuildNonceEndianness(t *testing.T) {
	n := buildNonce(1, 2, 3)
	if len(n) != ncrypto.NonceSize {
		t.Fatalf("nonce is %d bytes, want %d", len(n), ncrypto.NonceSize)
	}
	if n[0] != 1 || n[8] != 2 || n[16] != 3 {
		t.Fatalf("unexpected nonce layout: %v", n)
	}
}

func TestDecodeBlockFixedSizes(t *testing.T) {
	cases := []struct {
		name string
		bp   *blockPacket
	}{
		{"ping", newBlockPacket(BlockPing, 0, []byte{5})},
		{"pong", newBlockPacket(BlockPong, 0, []byte{5})},
		{"disconnect", newBlockPacket(BlockDisconnect, 0, make([]byte, 8))},
		{"disconnect-ack", newBlockPacket(BlockDisconnectAck, 0, nil)},
		{"bandwidth-limits", newBlockPacket(BlockBandwidthLimits, 0, make([]byte, 16))},
		{"bandwidth-limits-ack", newBlockPacket(BlockBandwidthLimitsAck, 0, nil)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			enc := encodeBlock(nil, c.bp)
			dec, n, ok := decodeBlock(enc, func(uint8) (ChannelKind, bool) { return 0, false })
			if !ok {
				t.Fatalf("decodeBlock failed on %q", c.name)
			}
			if n != len(enc) {
				t.Fatalf("decodeBlock consumed %d bytes, want %d", n, len(enc))
			}
			if dec.typ != c.bp.typ || !bytes.Equal(dec.payload, c.bp.payload) {
				t.Fatalf("round-trip mismatch: got %+v, want %+v", dec, c.bp)
			}
		})
	}
}

func TestSealHandshakePacketPadding(t *testing.T) {
	cfg := DefaultConfig()
	paddedTypes := []handshakePacketType{
		packetConnectionRequest, packetChallengeRequest,
		packetChallengeResponse, packetAuthenticationRequest,
	}
	for _, typ := range paddedTypes {
		pkt := sealHandshakePacket(cfg, typ, []byte("short body"))
		if len(pkt) < minHandshakePacketSize {
			t.Errorf("packet type %d is %d bytes, want >= %d", typ, len(pkt), minHandshakePacketSize)
		}
	}
	// Types after AuthenticationRequest are not DDoS-amplification-sensitive
	// (they only flow once a candidate has already proven work) and are not
	// padded.
	pkt := sealHandshakePacket(cfg, packetApprovalResponse, []byte("x"))
	if len(pkt) >= minHandshakePacketSize {
		t.Errorf("ApprovalResponse packet unexpectedly padded to %d bytes", len(pkt))
	}
}

func TestSealHandshakePacketCRCRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	pkt := sealHandshakePacket(cfg, packetConnectionRequest, []byte("payload"))
	version, protocolID, typ, body, ok := decodeHandshakeHeader(pkt)
	if !ok {
		t.Fatal("decodeHandshakeHeader rejected a freshly sealed packet")
	}
	if version != cfg.ProtocolVersion() || protocolID != cfg.ProtocolID || typ != packetConnectionRequest {
		t.Fatalf("got version=%d protocolID=%d typ=%d", version, protocolID, typ)
	}
	if !bytes.HasPrefix(body, []byte("payload")) {
		t.Fatalf("body doesn't start with the original payload: %v", body[:7])
	}

	corrupt := append([]byte(nil), pkt...)
	corrupt[len(corrupt)-1] ^= 1
	if _, _, _, _, ok := decodeHandshakeHeader(corrupt); ok {
		t.Fatal("decodeHandshakeHeader accepted a packet with a corrupted trailing byte")
	}
}
