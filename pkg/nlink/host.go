package nlink

import (
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/r2northstar/nlink/pkg/compressor"
	"github.com/r2northstar/nlink/pkg/nctime"
	"github.com/r2northstar/nlink/pkg/ncrypto"
	"github.com/r2northstar/nlink/pkg/netio"
	"github.com/r2northstar/nlink/pkg/nrand"
	"github.com/r2northstar/nlink/pkg/ratelimit"
)

// hostPollGranularity bounds how long a single socket wait inside Service
// blocks before the loop re-checks for a queued event or an Interrupt
// request. netio.Socket has no wake channel of its own (§5's only
// suspension point is this wait), so Interrupt is delivered by polling
// this atomic flag at a bounded cadence rather than an exact wakeup — a
// deliberate simplification of §4.1 step 7's "interruptible by the host's
// interrupt event."
const hostPollGranularity = 20 * time.Millisecond

// hostRecvBudget bounds how many datagrams one Service iteration drains
// from the socket before re-dispatching peers, per §4.1 step 5.
const hostRecvBudget = 256

// TokenValidator checks a connection or authentication token out-of-band
// (§4.3's check_connection_tokens/check_authentication_tokens, §7). db/tokendb
// implements this against a sqlite-backed allow list.
type TokenValidator interface {
	CheckConnectionToken(addr netip.AddrPort, token [128]byte) bool
	CheckAuthenticationToken(addr netip.AddrPort, token [128]byte) bool
}

// Host owns one local UDP endpoint and every peer it serves (§3). It is
// not safe for concurrent use — all mutation happens on whichever
// goroutine calls Service, Flush, Connect, or Interrupt (§5).
type Host struct {
	Config Config
	Logger zerolog.Logger

	socket     netio.Socket
	rng        *nrand.Generator
	longTerm   ncrypto.Ed25519KeyPair
	compressor compressor.Compressor
	tokens     TokenValidator
	metrics    *Metrics

	t0 time.Time

	events []Event

	peers       map[uint16]*Peer
	freeIDs     freeIDPool
	toFree      []*Peer

	candidates candidateTable
	addresses  addressTable

	inLimiter  *ratelimit.Limiter
	outLimiter *ratelimit.Limiter
	bwIn       *ratelimit.Tracker
	bwOut      *ratelimit.Tracker

	attemptTracker *ratelimit.Tracker
	attempts       attemptRing

	interrupted atomic.Bool
}

// freeIDPool hands out local peer ids in [0, MaxPeers) and recycles them on
// disconnect, avoiding per-connection dynamic allocation (§5: the
// candidate/peer tables are fixed-size, DDoS-bounded structures).
type freeIDPool struct {
	free []uint16
	next uint16
	max  uint16
}

func newFreeIDPool(max int) freeIDPool {
	return freeIDPool{max: uint16(max)}
}

func (p *freeIDPool) alloc() (uint16, bool) {
	if n := len(p.free); n > 0 {
		id := p.free[n-1]
		p.free = p.free[:n-1]
		return id, true
	}
	if p.next >= p.max {
		return 0, false
	}
	id := p.next
	p.next++
	return id, true
}

func (p *freeIDPool) release(id uint16) {
	p.free = append(p.free, id)
}

// NewHost creates a Host bound to socket, serving up to cfg.MaxPeers peers
// under the long-term Ed25519 identity longTerm. The returned Host owns
// socket and closes it from Close.
func NewHost(cfg Config, socket netio.Socket, longTerm ncrypto.Ed25519KeyPair) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng, err := nrand.New()
	if err != nil {
		return nil, fmt.Errorf("nlink: new host: %w", err)
	}
	h := &Host{
		Config:         cfg,
		Logger:         zerolog.Nop(),
		socket:         socket,
		rng:            rng,
		longTerm:       longTerm,
		t0:             time.Now(),
		peers:          make(map[uint16]*Peer),
		freeIDs:        newFreeIDPool(cfg.MaxPeers),
		bwIn:           ratelimit.NewTracker(),
		bwOut:          ratelimit.NewTracker(),
		attemptTracker: ratelimit.NewTracker(),
	}
	if cfg.IncomingBandwidthLimit > 0 {
		h.inLimiter = ratelimit.New(cfg.IncomingBandwidthLimit, time.Second, cfg.IncomingBandwidthLimit)
	}
	if cfg.OutgoingBandwidthLimit > 0 {
		h.outLimiter = ratelimit.New(cfg.OutgoingBandwidthLimit, time.Second, cfg.OutgoingBandwidthLimit)
	}
	return h, nil
}

// SetCompressor installs the Compressor every outgoing frame is offered to
// (§2, §4.7). A nil compressor (the default) disables compression.
func (h *Host) SetCompressor(c compressor.Compressor) { h.compressor = c }

// SetTokenValidator installs the out-of-band token checker used when
// Config.CheckConnectionTokens/CheckAuthenticationTokens is set (§4.3).
func (h *Host) SetTokenValidator(v TokenValidator) { h.tokens = v }

// SetMetrics attaches a Metrics sink; pass nil to disable metrics.
func (h *Host) SetMetrics(m *Metrics) { h.metrics = m }

// LocalAddr returns the address the host's socket is bound to.
func (h *Host) LocalAddr() netip.AddrPort { return h.socket.LocalAddr() }

// now returns the host's current monotonic clock reading.
func (h *Host) now() nctime.Time { return nctime.Now(h.t0) }

// timeAsGoTime converts an nctime.Time back to a time.Time for APIs (the
// bandwidth trackers, rate limiters) that want one.
func (h *Host) timeAsGoTime(t nctime.Time) time.Time {
	return h.t0.Add(time.Duration(t))
}

// queueFree defers p's removal until the top of the next Service
// iteration, so event consumers that still hold p (e.g. reading the event
// just pushed) never see it vanish mid-dispatch (§3, §5).
func (h *Host) queueFree(p *Peer) {
	h.toFree = append(h.toFree, p)
}

func (h *Host) freeQueuedPeers() {
	if len(h.toFree) == 0 {
		return
	}
	for _, p := range h.toFree {
		delete(h.peers, p.LocalID)
		h.freeIDs.release(p.LocalID)
	}
	h.toFree = h.toFree[:0]
}

// Interrupt signals the network event Service's socket wait is blocked on,
// causing the next poll tick to return ResultInterrupt (§5). Safe to call
// from any goroutine.
func (h *Host) Interrupt() {
	h.interrupted.Store(true)
}

// Close destroys every peer and releases the socket. Peers owned by h are
// destroyed with it (§3).
func (h *Host) Close() error {
	h.peers = make(map[uint16]*Peer)
	h.toFree = nil
	return h.socket.Close()
}

// Flush runs exactly one non-blocking service iteration (§4.1: "If
// timeout_ms=0, behaves as flush").
func (h *Host) Flush() (Result, Event) {
	r, e, _ := h.Service(0)
	return r, e
}

// Service advances the engine by at most timeout before returning one of
// {error, timeout, interrupt, event}, per §4.1. timeout == 0 performs one
// non-blocking iteration (Flush); timeout < 0 drains only already-queued
// events without touching the socket at all.
func (h *Host) Service(timeout time.Duration) (Result, Event, error) {
	var deadline time.Time
	wait := timeout > 0
	if wait {
		deadline = time.Now().Add(timeout)
	}

	for {
		// Step 1: free peers queued for destruction.
		h.freeQueuedPeers()

		// Step 2: if an event is queued, pop and return it.
		if len(h.events) > 0 {
			e := h.events[0]
			h.events = h.events[1:]
			return ResultEvent, e, nil
		}

		if timeout < 0 {
			return ResultTimeout, Event{}, nil
		}

		// Step 3: advance the clock, update host bandwidth trackers.
		now := h.now()
		goNow := h.timeAsGoTime(now)
		h.bwIn.Update(goNow)
		h.bwOut.Update(goNow)
		h.attemptTracker.Update(goNow)
		h.candidates.expireAll(now, h.Config.PendingConnectionTimeout)

		// Step 4: dispatch every peer (inbound decrypt/parse + the
		// per-peer state machine), §4.4.
		for _, p := range h.peers {
			p.dispatchInboundPackets()
			p.dispatch(now)
		}

		if len(h.events) > 0 {
			continue
		}

		if timeout == 0 {
			return ResultTimeout, Event{}, nil
		}

		// Steps 5-7: drain the socket up to the bounded poll window, then
		// re-dispatch (more block packets may now be ready).
		readUntil := goNow.Add(hostPollGranularity)
		if wait && deadline.Before(readUntil) {
			readUntil = deadline
		}
		if err := h.socket.SetReadDeadline(readUntil); err != nil {
			return ResultError, Event{}, err
		}
		h.recvDatagrams(hostRecvBudget)

		if h.interrupted.CompareAndSwap(true, false) {
			return ResultInterrupt, Event{}, nil
		}
		if wait && !time.Now().Before(deadline) {
			return ResultTimeout, Event{}, nil
		}
		// Otherwise loop: re-check events/peers produced by what we just
		// received.
	}
}

// CheckEvents drains and returns every currently queued event without
// touching the socket, equivalent to repeated Service(-1) calls.
func (h *Host) CheckEvents() []Event {
	evs := h.events
	h.events = nil
	return evs
}

// Peer looks up a currently-known peer by its local id.
func (h *Host) Peer(localID uint16) (*Peer, bool) {
	p, ok := h.peers[localID]
	return p, ok
}

// Peers returns every peer the host currently knows about, connected or
// mid-handshake.
func (h *Host) Peers() []*Peer {
	out := make([]*Peer, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, p)
	}
	return out
}
