package netio

import (
	"context"
	"net"
	"net/netip"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// UDPSocket is the real OS-backed Socket, built on net.UDPConn the way
// pkg/nspkt/listener.go's Listener is, but exposing the don't-fragment
// control §4.6's MTU probe needs.
type UDPSocket struct {
	conn *net.UDPConn
	pc4  *ipv4.PacketConn // non-nil only for an IPv4-bound socket
}

// ListenUDP opens a UDP socket bound to addr. If reusePort is true, it sets
// SO_REUSEPORT (via golang.org/x/sys/unix) before binding so multiple host
// processes can share one port, the way a sharded game server fleet would.
func ListenUDP(addr netip.AddrPort, reusePort bool) (*UDPSocket, error) {
	lc := net.ListenConfig{}
	if reusePort {
		lc.Control = func(network, address string, c syscall.RawConn) error {
			var ctlErr error
			err := c.Control(func(fd uintptr) {
				ctlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return ctlErr
		}
	}

	pc, err := lc.ListenPacket(context.Background(), "udp", addr.String())
	if err != nil {
		return nil, err
	}
	conn := pc.(*net.UDPConn)

	s := &UDPSocket{conn: conn}
	if addr.Addr().Is4() || !addr.Addr().Is6() {
		s.pc4 = ipv4.NewPacketConn(conn)
	}
	return s, nil
}

func (s *UDPSocket) LocalAddr() netip.AddrPort {
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (s *UDPSocket) ReadFrom(buf []byte) (int, netip.AddrPort, error) {
	n, addr, err := s.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		return n, netip.AddrPort{}, err
	}
	return n, addr.Unmap(), nil
}

func (s *UDPSocket) WriteTo(buf []byte, addr netip.AddrPort) (int, error) {
	return s.conn.WriteToUDPAddrPort(buf, addr)
}

func (s *UDPSocket) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// SetDontFragment sets IP_MTU_DISCOVER/DF on Linux via the ipv4 package, or
// falls back to the raw unix socket option on platforms golang.org/x/net
// doesn't cover directly. §4.6: "the probe must be sent with the don't
// fragment bit set, so a too-large probe is dropped instead of reassembled."
func (s *UDPSocket) SetDontFragment(set bool) error {
	if s.pc4 != nil {
		if runtime.GOOS == "linux" {
			mode := ipv4.MTUDiscoveryDont
			if set {
				mode = ipv4.MTUDiscoveryDo
			}
			if err := s.pc4.SetMTUDiscover(mode); err == nil {
				return nil
			}
		}
		return s.pc4.SetDontFragment(set)
	}
	return nil
}

func (s *UDPSocket) Close() error {
	return s.conn.Close()
}
