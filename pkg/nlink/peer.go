package nlink

import (
	"encoding/binary"
	"math"
	"net/netip"
	"time"

	"github.com/r2northstar/nlink/pkg/nctime"
	"github.com/r2northstar/nlink/pkg/ncrypto"
	"github.com/r2northstar/nlink/pkg/ratelimit"
)

// PeerState is the connection state machine spec.md §3 and §4.3 describe.
type PeerState uint8

const (
	StateDisconnected PeerState = iota
	StateRequesting
	StateChallenging
	StateAuthenticating
	StateApproving
	StateConnected
	StateDisconnectLater
	StateDisconnecting
	StateDisconnectionAcknowledging
	StateDisconnectionPending
)

func (s PeerState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateRequesting:
		return "requesting"
	case StateChallenging:
		return "challenging"
	case StateAuthenticating:
		return "authenticating"
	case StateApproving:
		return "approving"
	case StateConnected:
		return "connected"
	case StateDisconnectLater:
		return "disconnect-later"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnectionAcknowledging:
		return "disconnection-acknowledging"
	case StateDisconnectionPending:
		return "disconnection-pending"
	default:
		return "unknown"
	}
}

func (s PeerState) handshakePending() bool {
	switch s {
	case StateRequesting, StateChallenging, StateAuthenticating, StateApproving:
		return true
	default:
		return false
	}
}

// pingRecord tracks one outstanding keep-alive ping (§4.4 step 10).
type pingRecord struct {
	seq     uint8
	sentAt  nctime.Time
	timeout time.Duration
}

// Peer is the local handle for one remote endpoint (§3).
type Peer struct {
	host *Host

	LocalID  uint16
	RemoteID uint16
	Addr     netip.AddrPort

	isClient bool

	localSalt, remoteSalt, connSalt uint64
	connNonce                       uint64

	shortTerm      ncrypto.X25519KeyPair
	remoteShortPub [32]byte
	remoteLongPub  []byte // Ed25519 public key, once authenticated

	aeadKey [32]byte
	aead    *ncrypto.AEAD

	// solution is the handshake's solved proof-of-work challenge (§4.3),
	// kept around as the AEAD associated data for every handshake packet
	// from AuthenticationRequest onward.
	solution []byte

	// authToken and applicationData are supplied by the application to
	// Connect and carried in AuthenticationResponse; channelTypes doubles
	// as the requested channel configuration on the client side before the
	// handshake finishes.
	authToken       [128]byte
	applicationData uint64

	outSeq nctime.Seq64
	inSeq  nctime.Seq64

	replayHighest     uint64
	haveReplayHighest bool
	replaySeen        []uint64 // recorded sequence per slot (§4.2 replay window)

	State PeerState

	channels     []*Channel
	channelTypes []ChannelKind

	mtu int

	mtuProbe mtuProbeState

	inbox []rawDatagram // raw datagrams queued by Host.classify, awaiting decrypt (§4.2, §4.4 step 5)

	outgoingQueue []*blockPacket // pending aggregation, in enqueue order
	deferredQueue []*blockPacket // did not fit in the last flush

	pendingBandwidthLimits bool

	// advertisedBandwidthIn/Out are this host's own caps as last broadcast
	// to the remote side via a bandwidth-limits block packet (§4.4 step 3,
	// §4.8).
	advertisedBandwidthIn, advertisedBandwidthOut float64

	// RemoteBandwidthIn/Out are the remote side's own caps, as received in
	// its most recent bandwidth-limits block packet (§6).
	RemoteBandwidthIn, RemoteBandwidthOut float64

	lastRecvAt nctime.Time

	rttMean, rttVar   float64 // nanoseconds, Jacobson's algorithm (§4.4)
	lossMean, lossVar float64
	lossSamples       int
	lastLossSample    nctime.Time

	bwIn, bwOut *ratelimit.Tracker
	outLimiter  *ratelimit.Limiter

	pings       []pingRecord
	nextPingSeq uint8

	unackedBlocks int

	// handshake retransmission state.
	lastHandshakePacket []byte
	lastHandshakeSentAt nctime.Time

	// lastControlSentAt paces the disconnect/disconnect-ack resend loop,
	// kept separate from lastHandshakeSentAt since it runs after the
	// handshake packet cache is no longer meaningful.
	lastControlSentAt nctime.Time

	disconnectData    uint64
	disconnectStarted nctime.Time

	toFree bool

	stateEnteredAt nctime.Time
}

func newPeer(h *Host, addr netip.AddrPort, now nctime.Time) *Peer {
	return &Peer{
		host:           h,
		Addr:           addr,
		mtu:            h.Config.MTU,
		bwIn:           ratelimit.NewTracker(),
		bwOut:          ratelimit.NewTracker(),
		stateEnteredAt: now,
		replaySeen:     newReplayWindow(h.Config.EncryptedPacketSequenceWindowSize),
	}
}

// newReplayWindow allocates a replay-window slot array, filled with the
// "never seen" sentinel so sequence 0 on slot 0 isn't mistaken for a replay
// (§4.2).
func newReplayWindow(size int) []uint64 {
	w := make([]uint64, size)
	for i := range w {
		w[i] = noSeqSeen
	}
	return w
}

func (p *Peer) rto() time.Duration {
	return p.clampRTO(time.Duration(p.rttMean + 4*p.rttVar))
}

func (p *Peer) clampRTO(d time.Duration) time.Duration {
	lo, hi := p.host.Config.MinRetransmissionTimeout, p.host.Config.MaxRetransmissionTimeout
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func (p *Peer) clampRTOLimit(d time.Duration) time.Duration {
	lo, hi := p.host.Config.MinRetransmissionTimeoutLimit, p.host.Config.MaxRetransmissionTimeoutLimit
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func (p *Peer) updateRTT(now, sentAt nctime.Time) {
	sample := float64(now.Sub(sentAt))
	if p.rttMean == 0 {
		p.rttMean = sample
		p.rttVar = sample / 2
		return
	}
	errv := sample - p.rttMean
	p.rttMean += errv / 8
	if errv < 0 {
		errv = -errv
	}
	p.rttVar += errv/4 - p.rttVar/4
}

func (p *Peer) recordLoss() {
	p.lossSamples++
}

func (p *Peer) enqueueOutgoingBlock(bp *blockPacket) {
	p.outgoingQueue = append(p.outgoingQueue, bp)
}

func (p *Peer) enqueueOutgoingBlockFront(bp *blockPacket) {
	p.outgoingQueue = append([]*blockPacket{bp}, p.outgoingQueue...)
}

func (p *Peer) deliverMessage(channel uint8, msg *Message) {
	p.host.pushEvent(Event{Kind: EventPeerReceive, Peer: p, Channel: channel, Message: msg})
}

// Disconnect initiates a graceful peer-initiated disconnect, carrying data
// to the remote side's peer-disconnect event (§7).
func (p *Peer) Disconnect(data uint64) {
	if p.State == StateDisconnected || p.State == StateDisconnecting {
		return
	}
	p.disconnectData = data
	p.State = StateDisconnecting
	p.disconnectStarted = p.host.now()
	p.lastControlSentAt = p.host.now()
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, data)
	bp := newBlockPacket(BlockDisconnect, 0, payload)
	p.enqueueOutgoingBlock(bp)
}

// SetBandwidthLimits updates this peer's advertised incoming/outgoing
// bandwidth caps (bits/s; 0 = unlimited) and marks the change to be
// broadcast to the remote side (§4.4 step 3, §4.8). outgoing governs this
// host's own send rate to the peer immediately; incoming is purely
// advertisory, forwarded so the remote can throttle its sends to us.
func (p *Peer) SetBandwidthLimits(incoming, outgoing float64) {
	p.advertisedBandwidthIn = incoming
	p.advertisedBandwidthOut = outgoing
	if outgoing > 0 {
		p.outLimiter = ratelimit.New(outgoing, time.Second, outgoing)
	} else {
		p.outLimiter = nil
	}
	p.pendingBandwidthLimits = true
}

// dispatch runs one service iteration's worth of per-peer work, §4.4's
// eleven steps (steps 5-7, the inbound decrypt/deliver pipeline, run
// separately: Host.Service calls dispatchInboundPackets just before
// dispatch, and it decrypts every datagram queued for the peer without a
// time bound; see dispatch.go).
func (p *Peer) dispatch(now nctime.Time) {
	if p.toFree {
		return
	}

	// Step 1: connection timeout.
	if p.State.handshakePending() && p.lastRecvAt.IsZero() {
		if now.Sub(p.stateEnteredAt) >= p.host.Config.PendingConnectionTimeout {
			p.transitionDisconnected(0)
			return
		}
	} else if p.State != StateDisconnected && !p.lastRecvAt.IsZero() {
		if now.Sub(p.lastRecvAt) >= p.host.Config.ConnectionTimeout {
			p.transitionDisconnected(0)
			return
		}
	}

	// Step 2: bandwidth trackers.
	goNow := p.host.timeAsGoTime(now)
	p.bwIn.Update(goNow)
	p.bwOut.Update(goNow)

	// Step 3: bandwidth-limit broadcast.
	if p.pendingBandwidthLimits && p.State == StateConnected {
		p.sendBandwidthLimits()
		p.pendingBandwidthLimits = false
	}

	// Step 4: MTU probe.
	if p.mtuProbe.active {
		p.stepMTUProbe(now)
	}

	// Step 8: loss statistics, once per 10s window.
	p.updateLossStats(now)

	// Step 9: connection state machine (handshake retransmit / disconnect).
	p.stepStateMachine(now)

	// Step 10: keep-alive.
	p.stepKeepAlive(now)

	// Step 11: dispatch outgoing + send one frame.
	for _, ch := range p.channels {
		ch.dispatchOutgoing(now)
	}
	p.flushFrame(now)
}

func (p *Peer) transitionDisconnected(data uint64) {
	if p.State == StateDisconnected {
		return
	}
	p.State = StateDisconnected
	p.toFree = true
	p.host.metrics.incrPeerDisconnect()
	p.host.pushEvent(Event{Kind: EventPeerDisconnect, Peer: p, Data: data})
	p.host.queueFree(p)
}

const lossMeasurementWindow = 10 * time.Second

func (p *Peer) updateLossStats(now nctime.Time) {
	if p.lastLossSample.IsZero() {
		p.lastLossSample = now
		return
	}
	if now.Sub(p.lastLossSample) < lossMeasurementWindow {
		return
	}
	measured := float64(p.lossSamples)
	p.lossSamples = 0
	p.lastLossSample = now

	errv := measured - p.lossMean
	p.lossMean += errv / 8
	if errv < 0 {
		errv = -errv
	}
	p.lossVar += errv/4 - p.lossVar/4
}

func (p *Peer) stepKeepAlive(now nctime.Time) {
	if p.State != StateConnected {
		return
	}
	// Resend any expired in-flight ping, each with independent exponential
	// backoff capped at ping_interval (§4.4 step 10).
	for i := range p.pings {
		pr := &p.pings[i]
		if now.Sub(pr.sentAt) >= pr.timeout {
			p.recordLoss()
			pr.timeout *= 2
			if pr.timeout > p.host.Config.PingInterval {
				pr.timeout = p.host.Config.PingInterval
			}
			pr.sentAt = now
			p.sendPing(pr.seq)
		}
	}

	if len(p.pings) >= p.host.Config.KeepAliveWindowSize {
		return
	}
	if len(p.outgoingQueue) > 0 || p.unackedBlocks > 0 {
		return
	}
	lastPingAt := p.lastRecvAt
	if len(p.pings) > 0 {
		lastPingAt = p.pings[len(p.pings)-1].sentAt
	}
	if !lastPingAt.IsZero() && now.Sub(lastPingAt) < p.host.Config.PingInterval {
		return
	}
	seq := p.nextPingSeq
	p.nextPingSeq++
	p.pings = append(p.pings, pingRecord{seq: seq, sentAt: now, timeout: p.host.Config.PingResendTimeout})
	p.sendPing(seq)
}

func (p *Peer) sendPing(seq uint8) {
	bp := newBlockPacket(BlockPing, 0, []byte{seq})
	p.enqueueOutgoingBlock(bp)
}

func (p *Peer) handlePong(seq uint8, now nctime.Time) {
	for i, pr := range p.pings {
		if pr.seq == seq {
			p.updateRTT(now, pr.sentAt)
			p.pings = append(p.pings[:i], p.pings[i+1:]...)
			return
		}
	}
}

func (p *Peer) handlePing(seq uint8) {
	bp := newBlockPacket(BlockPong, 0, []byte{seq})
	p.enqueueOutgoingBlockFront(bp)
}

func (p *Peer) sendBandwidthLimits() {
	payload := make([]byte, 16)
	binary.LittleEndian.PutUint64(payload[:8], math.Float64bits(p.advertisedBandwidthIn))
	binary.LittleEndian.PutUint64(payload[8:], math.Float64bits(p.advertisedBandwidthOut))
	bp := newBlockPacket(BlockBandwidthLimits, 0, payload)
	p.enqueueOutgoingBlock(bp)
}

// handleBandwidthLimits records the remote side's newly advertised
// bandwidth caps and acknowledges receipt (§4.4 step 3, §6).
func (p *Peer) handleBandwidthLimits(payload []byte) {
	if len(payload) < 16 {
		return
	}
	p.RemoteBandwidthIn = math.Float64frombits(binary.LittleEndian.Uint64(payload[:8]))
	p.RemoteBandwidthOut = math.Float64frombits(binary.LittleEndian.Uint64(payload[8:16]))
	p.enqueueOutgoingBlockFront(newBlockPacket(BlockBandwidthLimitsAck, 0, nil))
	p.host.pushEvent(Event{Kind: EventPeerBandwidthLimits, Peer: p})
}

// stepStateMachine drives handshake retransmission and the disconnect
// handshake, per §4.4 step 9 / §4.3's "client retransmission" paragraph.
func (p *Peer) stepStateMachine(now nctime.Time) {
	switch {
	case p.State.handshakePending():
		p.stepHandshakeRetransmit(now)
	case p.State == StateDisconnecting:
		p.stepDisconnecting(now)
	case p.State == StateDisconnectionAcknowledging:
		p.stepDisconnectionAcknowledging(now)
	}
}

// stepHandshakeRetransmit resends the last handshake packet sent while this
// peer's state is still pending, per §4.3: "stores the last handshake
// packet and re-sends it at a configurable period." Salt/short-term key
// rotation on staleness is not implemented — a stale pending peer still
// terminates via PendingConnectionTimeout; see DESIGN.md for why patching
// the cached packet in place was judged too risky to hand-write blind.
func (p *Peer) stepHandshakeRetransmit(now nctime.Time) {
	if len(p.lastHandshakePacket) == 0 {
		return
	}
	if now.Sub(p.lastHandshakeSentAt) < p.host.Config.PendingConnectionSendTimeout {
		return
	}
	p.lastHandshakeSentAt = now
	p.host.socket.WriteTo(p.lastHandshakePacket, p.Addr)
}

// stepDisconnecting resends the local Disconnect block until a
// DisconnectAck arrives or the pending-disconnection timeout elapses, in
// which case the peer is torn down unilaterally (§6 config options).
func (p *Peer) stepDisconnecting(now nctime.Time) {
	if now.Sub(p.disconnectStarted) >= p.host.Config.PendingDisconnectionTimeout {
		p.transitionDisconnected(p.disconnectData)
		return
	}
	if now.Sub(p.lastControlSentAt) >= p.host.Config.PendingDisconnectionSendTimeout {
		p.lastControlSentAt = now
		payload := make([]byte, 8)
		binary.LittleEndian.PutUint64(payload, p.disconnectData)
		p.enqueueOutgoingBlockFront(newBlockPacket(BlockDisconnect, 0, payload))
	}
}

// stepDisconnectionAcknowledging waits for the DisconnectAck block (queued
// by handleRemoteDisconnect) to actually leave the outgoing queue before
// tearing the peer down, so the remote side is not left waiting on a dropped
// ack (§5: destruction is deferred, never synchronous inside a block
// handler).
func (p *Peer) stepDisconnectionAcknowledging(now nctime.Time) {
	if len(p.outgoingQueue) == 0 && len(p.deferredQueue) == 0 {
		p.transitionDisconnected(p.disconnectData)
	}
}

// handleRemoteDisconnect processes a Disconnect block from the remote side:
// queue a DisconnectAck and defer final teardown to
// stepDisconnectionAcknowledging (§4.3, §7).
func (p *Peer) handleRemoteDisconnect(payload []byte) {
	if p.State == StateDisconnected || p.State == StateDisconnectionAcknowledging {
		return
	}
	var data uint64
	if len(payload) >= 8 {
		data = binary.LittleEndian.Uint64(payload)
	}
	p.disconnectData = data
	p.State = StateDisconnectionAcknowledging
	p.stateEnteredAt = p.host.now()
	p.enqueueOutgoingBlockFront(newBlockPacket(BlockDisconnectAck, 0, nil))
}

// handleDisconnectAck confirms the remote side received our Disconnect,
// letting the local disconnect complete immediately rather than waiting out
// the full pending-disconnection timeout (§4.3).
func (p *Peer) handleDisconnectAck() {
	if p.State != StateDisconnecting {
		return
	}
	p.transitionDisconnected(p.disconnectData)
}
