// Package netio abstracts the UDP socket the engine reads and writes
// datagrams through, generalizing the net.UDPConn usage in
// pkg/nspkt/listener.go to an interface so the core engine in pkg/nlink can
// run against a real OS socket or an in-process virtual network (§8's
// deterministic interference-simulator scenarios) without caring which.
package netio

import (
	"net/netip"
	"time"
)

// Socket is the minimal non-blocking-ish UDP datagram transport the engine
// needs: send a datagram to an address, and receive with a bound deadline
// so the host's service loop (§4.1) can poll it without blocking forever.
type Socket interface {
	// LocalAddr returns the address this socket is bound to.
	LocalAddr() netip.AddrPort

	// ReadFrom reads one datagram into buf, returning the number of bytes
	// read and the sender's address. It returns an error wrapping
	// os.ErrDeadlineExceeded if no datagram arrives before the socket's
	// read deadline, set with SetReadDeadline.
	ReadFrom(buf []byte) (n int, addr netip.AddrPort, err error)

	// WriteTo sends buf as a single datagram to addr.
	WriteTo(buf []byte, addr netip.AddrPort) (n int, err error)

	// SetReadDeadline bounds the next ReadFrom call so the host service
	// loop (§4.1 step 1: "drain the socket with a bounded budget") never
	// blocks past t.
	SetReadDeadline(t time.Time) error

	// SetDontFragment controls the IP-layer "don't fragment" bit, used by
	// the MTU discovery probe (§4.6) to detect path MTU without the kernel
	// silently reassembling or fragmenting the probe.
	SetDontFragment(set bool) error

	// Close releases the socket's resources.
	Close() error
}
