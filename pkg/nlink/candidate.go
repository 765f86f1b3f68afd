package nlink

import (
	"net/netip"
	"time"

	"github.com/r2northstar/nlink/pkg/nctime"
	"github.com/r2northstar/nlink/pkg/ncrypto"
	"github.com/r2northstar/nlink/pkg/ratelimit"
)

// candidateTableBits is the 12-bit index size §5 specifies for the
// connection-candidate and known-candidate-address hash tables: "fixed hash
// tables (12-bit index, open-addressing with no collision chain —
// collisions simply overwrite expired entries)". Bounding the table at a
// fixed size keeps a DDoS flood's memory cost constant.
const candidateTableBits = 12
const candidateTableSize = 1 << candidateTableBits
const candidateTableMask = candidateTableSize - 1

// ConnectionCandidate is a server-side pending-handshake record, keyed by
// (remote address, remote salt, local salt), living until the handshake is
// approved (a Peer is created) or rejected/times out (§3).
type ConnectionCandidate struct {
	inUse bool

	addr       netip.AddrPort
	remoteSalt uint64
	localSalt  uint64

	peerID uint16

	shortTerm    ncrypto.X25519KeyPair
	remoteShort  [32]byte
	sharedSecret [32]byte
	aeadKey      [32]byte

	challenge      []byte
	challengeN     uint32
	solution       []byte
	connNonce      uint64
	challengeStart nctime.Time

	mtu          int
	channelCount int

	remoteBandwidthIn, remoteBandwidthOut float64

	createdAt  nctime.Time
	lastSentAt nctime.Time
	lastPacket []byte
}

func candidateHash(addr netip.AddrPort, remoteSalt, localSalt uint64) uint32 {
	h := ncrypto.Hash(addrPortBytes(addr), uint64Bytes(remoteSalt), uint64Bytes(localSalt))
	return bytesToUint32(h[:4]) & candidateTableMask
}

func addrPortBytes(addr netip.AddrPort) []byte {
	a := addr.Addr().As16()
	b := make([]byte, 18)
	copy(b, a[:])
	b[16] = byte(addr.Port())
	b[17] = byte(addr.Port() >> 8)
	return b
}

func uint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func bytesToUint32(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}

// candidateTable is the fixed, open-addressed (no chaining) hash table of
// in-progress handshakes (§5).
type candidateTable struct {
	slots [candidateTableSize]ConnectionCandidate
}

// find locates the live candidate slot for (addr, remoteSalt, localSalt),
// if any.
func (t *candidateTable) find(addr netip.AddrPort, remoteSalt, localSalt uint64) *ConnectionCandidate {
	idx := candidateHash(addr, remoteSalt, localSalt)
	c := &t.slots[idx]
	if c.inUse && c.addr == addr && c.remoteSalt == remoteSalt && c.localSalt == localSalt {
		return c
	}
	return nil
}

// reserve claims the slot for (addr, remoteSalt, localSalt), overwriting
// whatever (expired or unrelated) candidate previously occupied it — slot
// reuse on collision is the point of a fixed, chain-free table (§5).
func (t *candidateTable) reserve(addr netip.AddrPort, remoteSalt, localSalt uint64, now nctime.Time) *ConnectionCandidate {
	idx := candidateHash(addr, remoteSalt, localSalt)
	c := &t.slots[idx]
	*c = ConnectionCandidate{
		inUse:      true,
		addr:       addr,
		remoteSalt: remoteSalt,
		localSalt:  localSalt,
		createdAt:  now,
	}
	return c
}

func (t *candidateTable) free(c *ConnectionCandidate) {
	c.inUse = false
}

// expireAll drops every candidate whose pending-connection timeout has
// elapsed, freeing its slot for reuse (§3: "ConnectionCandidate slots time
// out after the pending-connection timeout").
func (t *candidateTable) expireAll(now nctime.Time, timeout time.Duration) {
	for i := range t.slots {
		c := &t.slots[i]
		if c.inUse && now.Sub(c.createdAt) >= timeout {
			c.inUse = false
		}
	}
}

// KnownCandidateHostAddress is a fixed hash table entry keyed by remote
// address, holding a burst+period rate limiter throttling connection
// attempts from that source (§3).
type KnownCandidateHostAddress struct {
	inUse   bool
	addr    netip.Addr
	limiter *ratelimit.Limiter
}

// addressTable is the known-candidate-address counterpart of
// candidateTable, same fixed-size open-addressing discipline (§5).
type addressTable struct {
	slots [candidateTableSize]KnownCandidateHostAddress
}

func addressHash(addr netip.Addr) uint32 {
	a := addr.As16()
	h := ncrypto.Hash(a[:])
	return bytesToUint32(h[:4]) & candidateTableMask
}

// limiterFor returns the rate limiter tracking connection attempts from
// addr, creating one (or overwriting a collided slot) if this is the first
// attempt seen from addr.
func (t *addressTable) limiterFor(addr netip.Addr, burst float64, period time.Duration) *ratelimit.Limiter {
	idx := addressHash(addr)
	e := &t.slots[idx]
	if e.inUse && e.addr == addr {
		return e.limiter
	}
	*e = KnownCandidateHostAddress{
		inUse:   true,
		addr:    addr,
		limiter: ratelimit.New(1, period, burst),
	}
	return e.limiter
}
