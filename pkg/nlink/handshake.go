package nlink

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"math"
	"net/netip"
	"time"

	"github.com/r2northstar/nlink/pkg/nctime"
	"github.com/r2northstar/nlink/pkg/ncrypto"
	"github.com/r2northstar/nlink/pkg/ratelimit"
)

// handshakePacketType identifies one of the nine packets making up the
// Station-to-Station handshake (§4.3).
type handshakePacketType uint8

const (
	packetConnectionRequest handshakePacketType = iota
	packetChallengeRequest
	packetChallengeResponse
	packetAuthenticationRequest
	packetAuthenticationResponse
	packetApprovalResponse
	packetDenialResponse
	packetApprovalAcknowledge
	packetDenialAcknowledge
)

// handshakeHeaderSize is the wire size of the fixed handshake header: the
// 4-byte magic, an 8-byte protocol_version, an 8-byte protocol_id, a 4-byte
// crc32c, and a 1-byte packet_type (§6).
const handshakeHeaderSize = 4 + 8 + 8 + 4 + 1

// minHandshakePacketSize is the padding target for every handshake packet
// type up to and including AuthenticationRequest, per §4.3: "576 −
// IPv4_header(60) − UDP_header(8) = 508 bytes," chosen so a DDoS-amplification
// attacker never gets a larger reply than their own request.
const minHandshakePacketSize = 508

// handshakePadTarget returns the minimum total packet size for typ, or 0 if
// typ is not padded.
func handshakePadTarget(typ handshakePacketType) int {
	if typ <= packetAuthenticationRequest {
		return minHandshakePacketSize
	}
	return 0
}

// sealHandshakePacket builds one complete handshake datagram: header (with a
// zeroed crc32c placeholder) + body, padded to typ's minimum size, with the
// crc32c finally stamped in over the whole buffer (§6).
func sealHandshakePacket(cfg Config, typ handshakePacketType, body []byte) []byte {
	buf := make([]byte, 0, handshakeHeaderSize+len(body))
	buf = append(buf, handshakeMagic[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, cfg.ProtocolVersion())
	buf = binary.LittleEndian.AppendUint64(buf, cfg.ProtocolID)
	crcPos := len(buf)
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	buf = append(buf, byte(typ))
	buf = append(buf, body...)
	if target := handshakePadTarget(typ); len(buf) < target {
		buf = append(buf, make([]byte, target-len(buf))...)
	}
	crc := ncrypto.CRC32C(buf)
	binary.LittleEndian.PutUint32(buf[crcPos:], crc)
	return buf
}

// decodeHandshakeHeader parses and crc32c-validates data's handshake header,
// returning the protocol version/id, packet type, and the body slice
// following the header. The caller (classify) has already matched the
// 4-byte magic.
func decodeHandshakeHeader(data []byte) (version, protocolID uint64, typ handshakePacketType, body []byte, ok bool) {
	if len(data) < handshakeHeaderSize {
		return
	}
	version = binary.LittleEndian.Uint64(data[4:12])
	protocolID = binary.LittleEndian.Uint64(data[12:20])
	crc := binary.LittleEndian.Uint32(data[20:24])
	typ = handshakePacketType(data[24])

	check := append([]byte(nil), data...)
	binary.LittleEndian.PutUint32(check[20:24], 0)
	if ncrypto.CRC32C(check) != crc {
		return
	}
	body = data[handshakeHeaderSize:]
	ok = true
	return
}

// handshakeNonce packs the 24-byte XChaCha20-Poly1305 nonce shared by every
// AEAD-protected handshake packet (§4.3: "(local_nonce, remote_salt,
// local_salt) packed little-endian"). The three handshake packet types that
// share one derived key (AuthenticationRequest, AuthenticationResponse,
// ApprovalResponse) would otherwise reuse the same nonce; XORing the packet
// type into the connection nonce keeps every sealed packet's nonce unique
// without needing a second, larger nonce field on the wire.
func handshakeNonce(connNonce, clientSalt, serverSalt uint64, typ handshakePacketType) [ncrypto.NonceSize]byte {
	return buildNonce(connNonce^uint64(typ), clientSalt, serverSalt)
}

// attemptRing is the 256-entry inter-arrival ring buffer behind the
// proof-of-work challenge difficulty estimate (§4.3, SPEC_FULL.md D.2).
type attemptRing struct {
	times  [256]nctime.Time
	filled int
	next   int
}

// record notes one connection attempt at now.
func (r *attemptRing) record(now nctime.Time) {
	r.times[r.next] = now
	r.next = (r.next + 1) % len(r.times)
	if r.filled < len(r.times) {
		r.filled++
	}
}

// difficulty estimates the current attempts/sec rate from the ring and
// scales it by factor, per SPEC_FULL.md D.2: "256/(newest-oldest)" once the
// ring is full, "filled/(newest-oldest)" before it wraps, clamped to >= 1,
// multiplied by factor, clamped to [1, 1<<20].
func (r *attemptRing) difficulty(factor float64) int {
	if r.filled < 2 {
		return clampDifficulty(factor)
	}
	oldestIdx := 0
	if r.filled == len(r.times) {
		oldestIdx = r.next
	}
	newestIdx := (r.next - 1 + len(r.times)) % len(r.times)
	dt := r.times[newestIdx].Sub(r.times[oldestIdx]).Seconds()
	if dt <= 0 {
		dt = 0.001
	}
	rate := float64(r.filled) / dt
	if rate < 1 {
		rate = 1
	}
	return clampDifficulty(rate * factor)
}

func clampDifficulty(v float64) int {
	n := int(v)
	if n < 1 {
		n = 1
	}
	if n > 1<<20 {
		n = 1 << 20
	}
	return n
}

// dispatchHandshake validates a handshake packet's header and routes it to
// its packet-type handler. Every failure here is silent: no reply, no log
// visible to the sender (§4.3: "every classification failure is silent").
func (h *Host) dispatchHandshake(data []byte, addr netip.AddrPort) {
	version, protocolID, typ, body, ok := decodeHandshakeHeader(data)
	if !ok || protocolID != h.Config.ProtocolID || !versionMajorMinorMatch(version, h.Config.ProtocolVersion()) {
		return
	}
	h.metrics.countHandshake(typ)

	switch typ {
	case packetConnectionRequest:
		h.handleConnectionRequest(body, addr)
	case packetChallengeRequest:
		h.handleChallengeRequest(body, addr)
	case packetChallengeResponse:
		h.handleChallengeResponse(body, addr)
	case packetAuthenticationRequest:
		h.handleAuthenticationRequest(body, addr)
	case packetAuthenticationResponse:
		h.handleAuthenticationResponse(body, addr)
	case packetApprovalResponse:
		h.handleApprovalResponse(body, addr)
	case packetDenialResponse:
		h.handleDenialResponse(body, addr)
	case packetApprovalAcknowledge:
		h.handleApprovalAcknowledge(data, addr)
	case packetDenialAcknowledge:
		h.handleDenialAcknowledge(body, addr)
	}
}

// findPendingClientPeer locates the local, client-side Peer awaiting a
// handshake reply from addr under clientSalt (the salt this host chose when
// it sent ConnectionRequest). There is no fixed-size table for this side —
// a Host only ever has Config.MaxPeers peers, so a linear scan is fine.
func (h *Host) findPendingClientPeer(addr netip.AddrPort, clientSalt uint64) *Peer {
	for _, p := range h.peers {
		if p.isClient && p.Addr == addr && p.localSalt == clientSalt && p.State.handshakePending() {
			return p
		}
	}
	return nil
}

// findApprovingPeer locates the server-side Peer created at
// AuthenticationResponse time, still waiting for ApprovalAcknowledge.
func (h *Host) findApprovingPeer(addr netip.AddrPort, clientSalt, serverSalt uint64) *Peer {
	for _, p := range h.peers {
		if !p.isClient && p.Addr == addr && p.remoteSalt == clientSalt && p.localSalt == serverSalt && p.State == StateApproving {
			return p
		}
	}
	return nil
}

// denyCandidate sends a typed DenialResponse and releases c's slot (§4.3).
func (h *Host) denyCandidate(c *ConnectionCandidate, addr netip.AddrPort, clientSalt, serverSalt uint64, reason DenialReason) {
	h.metrics.incrDenial(reason)
	body := make([]byte, 0, 17)
	body = binary.LittleEndian.AppendUint64(body, clientSalt)
	body = binary.LittleEndian.AppendUint64(body, serverSalt)
	body = append(body, byte(reason))
	pkt := sealHandshakePacket(h.Config, packetDenialResponse, body)
	h.socket.WriteTo(pkt, addr)
	h.pushEvent(Event{Kind: EventPeerDenial, Data: uint64(reason)})
	if c != nil {
		h.candidates.free(c)
	}
}

// validateChannelConfig checks an AuthenticationResponse's requested channel
// configuration against the host's own, per §4.3: "channel types must match
// the host's configured array byte-for-byte in constant time."
func (h *Host) validateChannelConfig(count uint8, types [32]byte) (DenialReason, bool) {
	if count < 1 {
		return DenialTooFewChannels, false
	}
	if int(count) > h.Config.MaxChannels {
		return DenialTooManyChannels, false
	}
	want := make([]byte, count)
	for i := 0; i < int(count); i++ {
		want[i] = byte(h.Config.ChannelTypes[i])
	}
	if !ncrypto.ConstantTimeEqual(want, types[:count]) {
		return DenialWrongChannelTypes, false
	}
	return DenialUnknown, true
}

func decodeChannelTypes(raw [32]byte, count uint8) []ChannelKind {
	out := make([]ChannelKind, count)
	for i := range out {
		out[i] = ChannelKind(raw[i])
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// connectionRequestBodySize is the fixed cleartext body of a ConnectionRequest:
// client_salt:u64, client_chosen_peer_id:u16, bandwidth_in:f64,
// bandwidth_out:f64, connection_token:[u8;128] (§4.3).
const connectionRequestBodySize = 8 + 2 + 8 + 8 + 128

// handleConnectionRequest is the server side of packet #0 (§4.3).
func (h *Host) handleConnectionRequest(body []byte, addr netip.AddrPort) {
	if len(body) < connectionRequestBodySize {
		return
	}
	clientSalt := binary.LittleEndian.Uint64(body[0:8])
	clientPeerID := binary.LittleEndian.Uint16(body[8:10])
	bwIn := math.Float64frombits(binary.LittleEndian.Uint64(body[10:18]))
	bwOut := math.Float64frombits(binary.LittleEndian.Uint64(body[18:26]))
	var token [128]byte
	copy(token[:], body[26:154])

	now := h.now()
	limiter := h.addresses.limiterFor(addr.Addr(), h.Config.RateLimiterHostAddressBurst, h.Config.RateLimiterHostAddressPeriod)
	if !limiter.CanProceed(h.timeAsGoTime(now), 1) {
		return
	}
	if h.Config.CheckConnectionTokens && h.tokens != nil && !h.tokens.CheckConnectionToken(addr, token) {
		return
	}
	limiter.AddAmount(1)

	serverSalt, err := ncrypto.RandomSalt()
	if err != nil {
		return
	}

	h.attempts.record(now)
	h.attemptTracker.Add(h.timeAsGoTime(now), 1)
	n := h.attempts.difficulty(h.Config.ChallengeDifficultyFactor)

	challenge := make([]byte, 32)
	if _, err := h.rng.Read(challenge); err != nil {
		return
	}

	c := h.candidates.reserve(addr, clientSalt, serverSalt, now)
	c.peerID = clientPeerID
	c.remoteBandwidthIn, c.remoteBandwidthOut = bwIn, bwOut
	c.challenge = challenge
	c.challengeN = uint32(n)
	c.challengeStart = now

	body2 := make([]byte, 0, 8+8+8+8+32+4)
	body2 = binary.LittleEndian.AppendUint64(body2, clientSalt)
	body2 = binary.LittleEndian.AppendUint64(body2, serverSalt)
	body2 = binary.LittleEndian.AppendUint64(body2, math.Float64bits(h.Config.IncomingBandwidthLimit))
	body2 = binary.LittleEndian.AppendUint64(body2, math.Float64bits(h.Config.OutgoingBandwidthLimit))
	body2 = append(body2, challenge...)
	body2 = binary.LittleEndian.AppendUint32(body2, uint32(n))

	pkt := sealHandshakePacket(h.Config, packetChallengeRequest, body2)
	c.lastPacket = pkt
	c.lastSentAt = now
	h.socket.WriteTo(pkt, addr)
}

// handleChallengeRequest is the client side of packet #1 (§4.3).
func (h *Host) handleChallengeRequest(body []byte, addr netip.AddrPort) {
	const want = 8 + 8 + 8 + 8 + 32 + 4
	if len(body) < want {
		return
	}
	clientSalt := binary.LittleEndian.Uint64(body[0:8])
	serverSalt := binary.LittleEndian.Uint64(body[8:16])
	challenge := append([]byte(nil), body[32:64]...)
	challengeN := binary.LittleEndian.Uint32(body[64:68])

	p := h.findPendingClientPeer(addr, clientSalt)
	if p == nil || p.State != StateRequesting {
		return
	}
	p.remoteSalt = serverSalt
	// connSalt = local XOR remote salt (§3); the server derives the same
	// value (XOR is commutative) once it creates the Peer in
	// handleAuthenticationResponse. Setting it here, as soon as both salts
	// are known, lets the client's post-handshake AEAD nonce (§4.7) agree
	// with the server's from the first normal packet onward.
	p.connSalt = p.localSalt ^ p.remoteSalt

	solution := ncrypto.HashChallenge(challenge, int(challengeN))
	p.solution = append([]byte(nil), solution[:]...)
	p.connNonce = binary.LittleEndian.Uint64(solution[:8])

	shortTerm, err := ncrypto.GenerateX25519KeyPair(h.rng)
	if err != nil {
		return
	}
	p.shortTerm = shortTerm

	body2 := make([]byte, 0, 8+8+len(p.solution)+32)
	body2 = binary.LittleEndian.AppendUint64(body2, clientSalt)
	body2 = binary.LittleEndian.AppendUint64(body2, serverSalt)
	body2 = append(body2, p.solution...)
	body2 = append(body2, shortTerm.Public[:]...)

	pkt := sealHandshakePacket(h.Config, packetChallengeResponse, body2)
	p.lastHandshakePacket = pkt
	p.lastHandshakeSentAt = h.now()
	p.State = StateChallenging
	h.socket.WriteTo(pkt, addr)
}

// handleChallengeResponse is the server side of packet #2 (§4.3).
func (h *Host) handleChallengeResponse(body []byte, addr netip.AddrPort) {
	const want = 8 + 8 + ncrypto.HashSize + 32
	if len(body) < want {
		return
	}
	clientSalt := binary.LittleEndian.Uint64(body[0:8])
	serverSalt := binary.LittleEndian.Uint64(body[8:16])
	solution := body[16 : 16+ncrypto.HashSize]
	var clientShortPub [32]byte
	copy(clientShortPub[:], body[16+ncrypto.HashSize:want])

	c := h.candidates.find(addr, clientSalt, serverSalt)
	if c == nil || c.challenge == nil {
		return
	}
	wantHash := ncrypto.HashChallenge(c.challenge, int(c.challengeN))
	if !ncrypto.ConstantTimeEqual(wantHash[:], solution) {
		return
	}
	c.solution = append([]byte(nil), solution...)
	c.connNonce = binary.LittleEndian.Uint64(solution[:8])
	c.remoteShort = clientShortPub

	shortTerm, err := ncrypto.GenerateX25519KeyPair(h.rng)
	if err != nil {
		return
	}
	c.shortTerm = shortTerm

	shared, err := shortTerm.SharedSecret(c.remoteShort)
	if err != nil {
		return
	}
	aeadKey, err := ncrypto.DeriveAEADKey(shared)
	if err != nil {
		return
	}
	c.sharedSecret = shared
	c.aeadKey = aeadKey
	aead, err := ncrypto.New(aeadKey)
	if err != nil {
		return
	}

	sig := h.longTerm.Sign(concatBytes(shortTerm.Public[:], clientShortPub[:]))
	plaintext := make([]byte, 0, 32+ncrypto.Ed25519SignatureSize+2)
	plaintext = append(plaintext, h.longTerm.Public...)
	plaintext = append(plaintext, sig...)
	plaintext = binary.LittleEndian.AppendUint16(plaintext, uint16(h.Config.MTU))

	nonce := handshakeNonce(c.connNonce, clientSalt, serverSalt, packetAuthenticationRequest)
	ciphertext := aead.Seal(nil, nonce, plaintext, c.solution)

	now := h.now()
	body3 := make([]byte, 0, 8+8+32+len(ciphertext))
	body3 = binary.LittleEndian.AppendUint64(body3, clientSalt)
	body3 = binary.LittleEndian.AppendUint64(body3, serverSalt)
	body3 = append(body3, shortTerm.Public[:]...)
	body3 = append(body3, ciphertext...)

	pkt := sealHandshakePacket(h.Config, packetAuthenticationRequest, body3)
	c.lastPacket = pkt
	c.lastSentAt = now
	h.socket.WriteTo(pkt, addr)
}

// authenticationRequestPlaintextSize is {long_term_public_key:32,
// signature:64, mtu:u16} (§4.3).
const authenticationRequestPlaintextSize = 32 + ncrypto.Ed25519SignatureSize + 2

// handleAuthenticationRequest is the client side of packet #3 (§4.3).
func (h *Host) handleAuthenticationRequest(body []byte, addr netip.AddrPort) {
	const prefix = 8 + 8 + 32
	ciphertextLen := authenticationRequestPlaintextSize + ncrypto.TagSize
	if len(body) < prefix+ciphertextLen {
		return
	}
	clientSalt := binary.LittleEndian.Uint64(body[0:8])
	serverSalt := binary.LittleEndian.Uint64(body[8:16])
	var serverShortPub [32]byte
	copy(serverShortPub[:], body[16:48])
	ciphertext := body[prefix : prefix+ciphertextLen]

	p := h.findPendingClientPeer(addr, clientSalt)
	if p == nil || p.State != StateChallenging || p.remoteSalt != serverSalt {
		return
	}

	shared, err := p.shortTerm.SharedSecret(serverShortPub)
	if err != nil {
		return
	}
	aeadKey, err := ncrypto.DeriveAEADKey(shared)
	if err != nil {
		return
	}
	aead, err := ncrypto.New(aeadKey)
	if err != nil {
		return
	}

	nonce := handshakeNonce(p.connNonce, clientSalt, serverSalt, packetAuthenticationRequest)
	plaintext, err := aead.Open(nil, nonce, ciphertext, p.solution)
	if err != nil || len(plaintext) < authenticationRequestPlaintextSize {
		return
	}
	serverLongPub := plaintext[:32]
	sig := plaintext[32 : 32+ncrypto.Ed25519SignatureSize]
	mtu := binary.LittleEndian.Uint16(plaintext[32+ncrypto.Ed25519SignatureSize:])

	msg := concatBytes(serverShortPub[:], p.shortTerm.Public[:])
	if !ncrypto.Verify(ed25519.PublicKey(serverLongPub), msg, sig) {
		return
	}

	p.remoteShortPub = serverShortPub
	p.remoteLongPub = append([]byte(nil), serverLongPub...)
	p.aeadKey = aeadKey
	p.aead = aead
	p.mtu = clampInt(minInt(h.Config.MTU, int(mtu)), 576, 4096)
	p.State = StateAuthenticating

	var channelTypes [32]byte
	for i, k := range p.channelTypes {
		channelTypes[i] = byte(k)
	}
	clientSig := h.longTerm.Sign(concatBytes(p.shortTerm.Public[:], serverShortPub[:]))
	plaintext2 := make([]byte, 0, 32+ncrypto.Ed25519SignatureSize+128+2+1+32+8)
	plaintext2 = append(plaintext2, h.longTerm.Public...)
	plaintext2 = append(plaintext2, clientSig...)
	plaintext2 = append(plaintext2, p.authToken[:]...)
	plaintext2 = binary.LittleEndian.AppendUint16(plaintext2, uint16(p.mtu))
	plaintext2 = append(plaintext2, byte(len(p.channelTypes)))
	plaintext2 = append(plaintext2, channelTypes[:]...)
	plaintext2 = binary.LittleEndian.AppendUint64(plaintext2, p.applicationData)

	nonce2 := handshakeNonce(p.connNonce, clientSalt, serverSalt, packetAuthenticationResponse)
	ciphertext2 := aead.Seal(nil, nonce2, plaintext2, p.solution)

	now := h.now()
	body4 := make([]byte, 0, 8+8+len(ciphertext2))
	body4 = binary.LittleEndian.AppendUint64(body4, clientSalt)
	body4 = binary.LittleEndian.AppendUint64(body4, serverSalt)
	body4 = append(body4, ciphertext2...)

	pkt := sealHandshakePacket(h.Config, packetAuthenticationResponse, body4)
	p.lastHandshakePacket = pkt
	p.lastHandshakeSentAt = now
	h.socket.WriteTo(pkt, addr)
}

// handleAuthenticationResponse is the server side of packet #4 (§4.3). On
// success it creates the Peer and sends ApprovalResponse; on failure it
// sends a typed DenialResponse.
func (h *Host) handleAuthenticationResponse(body []byte, addr netip.AddrPort) {
	const prefix = 8 + 8
	if len(body) <= prefix+ncrypto.TagSize {
		return
	}
	clientSalt := binary.LittleEndian.Uint64(body[0:8])
	serverSalt := binary.LittleEndian.Uint64(body[8:16])
	ciphertext := body[prefix:]

	c := h.candidates.find(addr, clientSalt, serverSalt)
	if c == nil || c.solution == nil {
		return
	}
	aead, err := ncrypto.New(c.aeadKey)
	if err != nil {
		return
	}
	nonce := handshakeNonce(c.connNonce, clientSalt, serverSalt, packetAuthenticationResponse)
	plaintext, err := aead.Open(nil, nonce, ciphertext, c.solution)
	if err != nil || len(plaintext) < 32+ncrypto.Ed25519SignatureSize+128+2+1+32+8 {
		return
	}

	off := 0
	clientLongPub := plaintext[off : off+32]
	off += 32
	sig := plaintext[off : off+ncrypto.Ed25519SignatureSize]
	off += ncrypto.Ed25519SignatureSize
	var authToken [128]byte
	copy(authToken[:], plaintext[off:off+128])
	off += 128
	mtu := binary.LittleEndian.Uint16(plaintext[off : off+2])
	off += 2
	channelCount := plaintext[off]
	off++
	var channelTypesRaw [32]byte
	copy(channelTypesRaw[:], plaintext[off:off+32])
	off += 32
	applicationData := binary.LittleEndian.Uint64(plaintext[off : off+8])

	msg := concatBytes(c.remoteShort[:], c.shortTerm.Public[:])
	if !ncrypto.Verify(ed25519.PublicKey(clientLongPub), msg, sig) {
		return
	}

	if reason, ok := h.validateChannelConfig(channelCount, channelTypesRaw); !ok {
		h.denyCandidate(c, addr, clientSalt, serverSalt, reason)
		return
	}
	if h.Config.CheckAuthenticationTokens && h.tokens != nil && !h.tokens.CheckAuthenticationToken(addr, authToken) {
		h.denyCandidate(c, addr, clientSalt, serverSalt, DenialUnauthorized)
		return
	}
	if len(h.peers) >= h.Config.MaxPeers {
		h.denyCandidate(c, addr, clientSalt, serverSalt, DenialFull)
		return
	}
	localID, ok := h.freeIDs.alloc()
	if !ok {
		h.denyCandidate(c, addr, clientSalt, serverSalt, DenialFull)
		return
	}

	now := h.now()
	p := newPeer(h, addr, now)
	p.LocalID = localID
	p.RemoteID = c.peerID
	p.isClient = false
	p.localSalt = serverSalt
	p.remoteSalt = clientSalt
	p.connSalt = clientSalt ^ serverSalt
	p.connNonce = c.connNonce
	p.shortTerm = c.shortTerm
	p.remoteShortPub = c.remoteShort
	p.remoteLongPub = append([]byte(nil), clientLongPub...)
	p.aeadKey = c.aeadKey
	p.aead = aead
	p.mtu = clampInt(minInt(h.Config.MTU, int(mtu)), 576, 4096)
	p.channelTypes = decodeChannelTypes(channelTypesRaw, channelCount)
	p.channels = make([]*Channel, len(p.channelTypes))
	for i, k := range p.channelTypes {
		p.channels[i] = newChannel(uint8(i), k, p, h.Config.ReliableChannelBlockPacketWindowSize)
	}
	p.applicationData = applicationData
	p.authToken = authToken
	p.State = StateApproving
	h.peers[localID] = p

	plaintext3 := binary.LittleEndian.AppendUint16(nil, localID)
	nonce3 := handshakeNonce(c.connNonce, clientSalt, serverSalt, packetApprovalResponse)
	ciphertext3 := aead.Seal(nil, nonce3, plaintext3, c.solution)

	body5 := make([]byte, 0, 8+8+len(ciphertext3))
	body5 = binary.LittleEndian.AppendUint64(body5, clientSalt)
	body5 = binary.LittleEndian.AppendUint64(body5, serverSalt)
	body5 = append(body5, ciphertext3...)

	pkt := sealHandshakePacket(h.Config, packetApprovalResponse, body5)
	c.lastPacket = pkt
	c.lastSentAt = now
	h.socket.WriteTo(pkt, addr)
}

// handleApprovalResponse is the client side of packet #5 (§4.3): on success
// the client adopts its remote peer id, transitions to connected, and sends
// ApprovalAcknowledge.
func (h *Host) handleApprovalResponse(body []byte, addr netip.AddrPort) {
	const prefix = 8 + 8
	if len(body) < prefix+2+ncrypto.TagSize {
		return
	}
	clientSalt := binary.LittleEndian.Uint64(body[0:8])
	serverSalt := binary.LittleEndian.Uint64(body[8:16])
	ciphertext := body[prefix : prefix+2+ncrypto.TagSize]

	p := h.findPendingClientPeer(addr, clientSalt)
	if p == nil || p.State != StateAuthenticating || p.remoteSalt != serverSalt {
		return
	}
	nonce := handshakeNonce(p.connNonce, clientSalt, serverSalt, packetApprovalResponse)
	plaintext, err := p.aead.Open(nil, nonce, ciphertext, p.solution)
	if err != nil || len(plaintext) < 2 {
		return
	}
	p.RemoteID = binary.LittleEndian.Uint16(plaintext)
	p.State = StateConnected
	p.stateEnteredAt = h.now()
	p.lastHandshakePacket = nil

	pkt := buildApprovalAcknowledge(h.Config, clientSalt, serverSalt, p.aeadKey)
	h.socket.WriteTo(pkt, addr)

	h.metrics.incrPeerConnect()
	h.pushEvent(Event{Kind: EventPeerConnect, Peer: p})
}

// buildApprovalAcknowledge seals packet #7. Its Poly1305 MAC and its crc32c
// cannot both cover the fully-final buffer (the MAC field itself must be
// part of the crc), so the two are computed in fixed order: the MAC is
// computed with both the crc32c and MAC fields still zeroed, then stamped
// in; only then is the crc32c computed (now covering the real MAC) and
// stamped in last (§4.3 ApprovalAcknowledge, §6).
func buildApprovalAcknowledge(cfg Config, clientSalt, serverSalt uint64, aeadKey [32]byte) []byte {
	buf := make([]byte, 0, handshakeHeaderSize+8+8+ncrypto.Poly1305TagSize)
	buf = append(buf, handshakeMagic[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, cfg.ProtocolVersion())
	buf = binary.LittleEndian.AppendUint64(buf, cfg.ProtocolID)
	crcPos := len(buf)
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	buf = append(buf, byte(packetApprovalAcknowledge))
	buf = binary.LittleEndian.AppendUint64(buf, clientSalt)
	buf = binary.LittleEndian.AppendUint64(buf, serverSalt)
	macPos := len(buf)
	buf = append(buf, make([]byte, ncrypto.Poly1305TagSize)...)

	mac := ncrypto.Poly1305Tag(aeadKey, buf)
	copy(buf[macPos:], mac[:])

	crc := ncrypto.CRC32C(buf)
	binary.LittleEndian.PutUint32(buf[crcPos:], crc)
	return buf
}

// handleApprovalAcknowledge is the server side of packet #7: verify the
// Poly1305 MAC (with both crc32c and MAC fields zeroed, matching how
// buildApprovalAcknowledge computed it), finalize the peer, and free the
// candidate slot (§4.3).
func (h *Host) handleApprovalAcknowledge(data []byte, addr netip.AddrPort) {
	if len(data) < handshakeHeaderSize+8+8+ncrypto.Poly1305TagSize {
		return
	}
	body := data[handshakeHeaderSize:]
	clientSalt := binary.LittleEndian.Uint64(body[0:8])
	serverSalt := binary.LittleEndian.Uint64(body[8:16])

	p := h.findApprovingPeer(addr, clientSalt, serverSalt)
	if p == nil {
		return
	}

	verify := append([]byte(nil), data...)
	binary.LittleEndian.PutUint32(verify[20:24], 0)
	macPos := len(verify) - ncrypto.Poly1305TagSize
	gotMAC := append([]byte(nil), verify[macPos:]...)
	for i := macPos; i < len(verify); i++ {
		verify[i] = 0
	}
	wantMAC := ncrypto.Poly1305Tag(p.aeadKey, verify)
	if !ncrypto.ConstantTimeEqual(wantMAC[:], gotMAC) {
		return
	}

	p.State = StateConnected
	p.stateEnteredAt = h.now()
	if c := h.candidates.find(addr, clientSalt, serverSalt); c != nil {
		h.candidates.free(c)
	}

	h.metrics.incrPeerConnect()
	h.pushEvent(Event{Kind: EventPeerConnect, Peer: p})
}

// handleDenialResponse is the client side of packet #6 (§4.3).
func (h *Host) handleDenialResponse(body []byte, addr netip.AddrPort) {
	if len(body) < 17 {
		return
	}
	clientSalt := binary.LittleEndian.Uint64(body[0:8])
	reason := DenialReason(body[16])

	p := h.findPendingClientPeer(addr, clientSalt)
	if p == nil {
		return
	}
	h.metrics.incrDenial(reason)
	h.pushEvent(Event{Kind: EventPeerDenial, Peer: p, Data: uint64(reason)})
	p.State = StateDisconnected
	p.toFree = true
	h.queueFree(p)
}

// handleDenialAcknowledge is the server side of packet #8: accepted and
// discarded (SPEC_FULL.md D.5), beyond freeing the now-pointless candidate
// slot if it still exists.
func (h *Host) handleDenialAcknowledge(body []byte, addr netip.AddrPort) {
	if len(body) < 16 {
		return
	}
	clientSalt := binary.LittleEndian.Uint64(body[0:8])
	serverSalt := binary.LittleEndian.Uint64(body[8:16])
	if c := h.candidates.find(addr, clientSalt, serverSalt); c != nil {
		h.candidates.free(c)
	}
}

// Connect begins a client-side handshake toward addr, requesting the given
// channel configuration and carrying applicationData/bandwidth
// advertisements/tokens through to the server (§4.3, §6).
func (h *Host) Connect(addr netip.AddrPort, channelTypes []ChannelKind, applicationData uint64, bandwidthIn, bandwidthOut float64, connectionToken, authToken [128]byte) (*Peer, error) {
	if len(channelTypes) < 1 || len(channelTypes) > h.Config.MaxChannels {
		return nil, fmt.Errorf("nlink: connect: channelTypes length %d out of range [1, %d]", len(channelTypes), h.Config.MaxChannels)
	}
	localID, ok := h.freeIDs.alloc()
	if !ok {
		return nil, fmt.Errorf("nlink: connect: host at MaxPeers capacity")
	}
	salt, err := ncrypto.RandomSalt()
	if err != nil {
		h.freeIDs.release(localID)
		return nil, err
	}

	now := h.now()
	p := newPeer(h, addr, now)
	p.LocalID = localID
	p.isClient = true
	p.localSalt = salt
	p.authToken = authToken
	p.applicationData = applicationData
	p.channelTypes = append([]ChannelKind(nil), channelTypes...)
	p.channels = make([]*Channel, len(channelTypes))
	for i, k := range channelTypes {
		p.channels[i] = newChannel(uint8(i), k, p, h.Config.ReliableChannelBlockPacketWindowSize)
	}
	p.advertisedBandwidthIn = bandwidthIn
	p.advertisedBandwidthOut = bandwidthOut
	if bandwidthOut > 0 {
		p.outLimiter = ratelimit.New(bandwidthOut, time.Second, bandwidthOut)
	}
	p.State = StateRequesting

	body := make([]byte, 0, connectionRequestBodySize)
	body = binary.LittleEndian.AppendUint64(body, salt)
	body = binary.LittleEndian.AppendUint16(body, localID)
	body = binary.LittleEndian.AppendUint64(body, math.Float64bits(bandwidthIn))
	body = binary.LittleEndian.AppendUint64(body, math.Float64bits(bandwidthOut))
	body = append(body, connectionToken[:]...)

	pkt := sealHandshakePacket(h.Config, packetConnectionRequest, body)
	p.lastHandshakePacket = pkt
	p.lastHandshakeSentAt = now

	h.peers[localID] = p
	if _, err := h.socket.WriteTo(pkt, addr); err != nil {
		delete(h.peers, localID)
		h.freeIDs.release(localID)
		return nil, err
	}
	return p, nil
}

func concatBytes(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
