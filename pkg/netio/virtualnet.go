package netio

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"sync"
	"time"
)

// ErrDeadlineExceeded is returned by VirtualSocket.ReadFrom when no
// datagram arrives before the configured read deadline, matching the
// os.ErrDeadlineExceeded contract Socket documents.
var ErrDeadlineExceeded = fmt.Errorf("netio: i/o deadline exceeded: %w", os.ErrDeadlineExceeded)

// ErrSocketClosed is returned once a VirtualSocket has been closed.
var ErrSocketClosed = errors.New("netio: socket closed")

type datagram struct {
	from netip.AddrPort
	data []byte
}

// VirtualSocket is an in-process Socket implementation that exchanges
// datagrams through a VirtualNetwork mesh instead of a real kernel socket,
// letting the §8 test scenarios (10000-message delivery, handshake
// proof-of-work accounting, replay rejection) run deterministically and
// without binding real ports.
type VirtualSocket struct {
	net  *VirtualNetwork
	addr netip.AddrPort

	mu       sync.Mutex
	inbox    []datagram
	notify   chan struct{}
	closed   bool
	deadline time.Time
}

// VirtualNetwork is an address-hashed mesh of VirtualSockets. Every socket
// bound to the same VirtualNetwork can exchange datagrams with every other,
// as if they shared one broadcast LAN segment.
type VirtualNetwork struct {
	mu      sync.Mutex
	sockets map[netip.AddrPort]*VirtualSocket
	filter  func(from, to netip.AddrPort, data []byte) (deliver []byte, drop bool, delay time.Duration)
}

// NewVirtualNetwork creates an empty virtual network with no interference.
func NewVirtualNetwork() *VirtualNetwork {
	return &VirtualNetwork{sockets: make(map[netip.AddrPort]*VirtualSocket)}
}

// SetFilter installs a per-datagram hook the network consults before
// delivery, used by Interference to inject loss, duplication, corruption,
// and jitter (§8).
func (n *VirtualNetwork) SetFilter(f func(from, to netip.AddrPort, data []byte) (deliver []byte, drop bool, delay time.Duration)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

// Listen creates a VirtualSocket bound to addr within this network. addr
// must be unique within the network.
func (n *VirtualNetwork) Listen(addr netip.AddrPort) (*VirtualSocket, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.sockets[addr]; exists {
		return nil, errors.New("netio: address already bound in virtual network")
	}
	s := &VirtualSocket{
		net:    n,
		addr:   addr,
		notify: make(chan struct{}, 1),
	}
	n.sockets[addr] = s
	return s, nil
}

func (n *VirtualNetwork) deliver(from, to netip.AddrPort, data []byte) {
	n.mu.Lock()
	filter := n.filter
	dst := n.sockets[to]
	n.mu.Unlock()
	if dst == nil {
		return
	}

	cp := append([]byte(nil), data...)
	if filter != nil {
		var drop bool
		var delay time.Duration
		cp, drop, delay = filter(from, to, cp)
		if drop {
			return
		}
		if delay > 0 {
			time.AfterFunc(delay, func() { dst.enqueue(from, cp) })
			return
		}
	}
	dst.enqueue(from, cp)
}

func (s *VirtualSocket) enqueue(from netip.AddrPort, data []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.inbox = append(s.inbox, datagram{from: from, data: data})
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *VirtualSocket) LocalAddr() netip.AddrPort { return s.addr }

func (s *VirtualSocket) ReadFrom(buf []byte) (int, netip.AddrPort, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, netip.AddrPort{}, ErrSocketClosed
		}
		if len(s.inbox) > 0 {
			dg := s.inbox[0]
			s.inbox = s.inbox[1:]
			s.mu.Unlock()
			n := copy(buf, dg.data)
			return n, dg.from, nil
		}
		deadline := s.deadline
		s.mu.Unlock()

		var timeout <-chan time.Time
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return 0, netip.AddrPort{}, ErrDeadlineExceeded
			}
			timer := time.NewTimer(d)
			defer timer.Stop()
			timeout = timer.C
		}

		select {
		case <-s.notify:
		case <-timeout:
			return 0, netip.AddrPort{}, ErrDeadlineExceeded
		}
	}
}

func (s *VirtualSocket) WriteTo(buf []byte, addr netip.AddrPort) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, ErrSocketClosed
	}
	s.net.deliver(s.addr, addr, buf)
	return len(buf), nil
}

func (s *VirtualSocket) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.deadline = t
	s.mu.Unlock()
	return nil
}

// SetDontFragment is a no-op on a virtual network: Interference simulates
// fragmentation-relevant loss directly rather than modeling path MTU.
func (s *VirtualSocket) SetDontFragment(set bool) error { return nil }

func (s *VirtualSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.net.mu.Lock()
	delete(s.net.sockets, s.addr)
	s.net.mu.Unlock()
	return nil
}
