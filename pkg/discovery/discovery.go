// Package discovery implements the plain UDP broadcast request/response
// side-service used to find nlink hosts on a local network. It is
// deliberately unauthenticated and outside the core engine (§2: "the
// discovery-broadcast side-service" is an out-of-scope external
// collaborator) — nothing here shares state with a nlink.Host.
package discovery

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// magic identifies a discovery packet, distinct from nlink's own handshake
// magic so the two protocols can share a broadcast domain without colliding.
var magic = [4]byte{'N', 'L', 'D', 'P'}

const (
	kindRequest  = 1
	kindResponse = 2
)

// requestSize is magic(4) + kind(1) + service_id(8) + protocol_version(8).
const requestSize = 4 + 1 + 8 + 8

// ErrResponderClosed is returned by Serve/ListenAndServe once Close has been
// called.
var ErrResponderClosed = errors.New("discovery: responder closed")

// Info is the payload a Responder answers every matching request with.
type Info struct {
	ServiceID       uint64
	ProtocolVersion uint64
	Name            string
	PeerCount       uint32
}

func (i Info) encode() []byte {
	b := make([]byte, 0, 4+1+8+8+2+len(i.Name)+4)
	b = append(b, magic[:]...)
	b = append(b, kindResponse)
	b = binary.LittleEndian.AppendUint64(b, i.ServiceID)
	b = binary.LittleEndian.AppendUint64(b, i.ProtocolVersion)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(i.Name)))
	b = append(b, i.Name...)
	b = binary.LittleEndian.AppendUint32(b, i.PeerCount)
	return b
}

func decodeInfo(b []byte) (Info, bool) {
	if len(b) < 4+1+8+8+2 || !bytes.Equal(b[:4], magic[:]) || b[4] != kindResponse {
		return Info{}, false
	}
	b = b[5:]
	var i Info
	i.ServiceID = binary.LittleEndian.Uint64(b)
	i.ProtocolVersion = binary.LittleEndian.Uint64(b[8:])
	nameLen := int(binary.LittleEndian.Uint16(b[16:]))
	b = b[18:]
	if len(b) < nameLen+4 {
		return Info{}, false
	}
	i.Name = string(b[:nameLen])
	i.PeerCount = binary.LittleEndian.Uint32(b[nameLen:])
	return i, true
}

// Responder answers discovery requests for one service id, replying with an
// Info snapshot fetched from InfoFunc at request time. Grounded directly on
// pkg/nspkt/listener.go's Listener: a single *net.UDPConn guarded by a
// mutex, a Serve loop doing one blocking ReadFromUDPAddrPort per iteration,
// and atomic counters read out through WritePrometheus — generalized from
// nspkt's connectionless game-server packets to a single, much simpler
// request/response pair.
type Responder struct {
	ServiceID uint64
	InfoFunc  func() Info

	mu      sync.Mutex
	conn    *net.UDPConn
	closing bool
	serve   <-chan struct{}

	rxRequests  atomic.Uint64
	rxIgnored   atomic.Uint64
	txResponses atomic.Uint64
	txErrors    atomic.Uint64
}

// ListenAndServe binds addr and calls Serve.
func (r *Responder) ListenAndServe(addr netip.AddrPort) error {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return err
	}
	return r.Serve(conn)
}

// Serve answers requests on conn until Close is called or conn errors. It
// takes ownership of conn.
func (r *Responder) Serve(conn *net.UDPConn) error {
	serve := make(chan struct{})
	defer close(serve)
	defer conn.Close()

	r.mu.Lock()
	r.conn = conn
	r.closing = false
	r.serve = serve
	r.mu.Unlock()

	buf := make([]byte, requestSize)
	for {
		n, addr, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			r.mu.Lock()
			closing := r.closing
			r.conn = nil
			r.mu.Unlock()
			if closing {
				return ErrResponderClosed
			}
			return err
		}

		pkt := buf[:n]
		if n < requestSize || !bytes.Equal(pkt[:4], magic[:]) || pkt[4] != kindRequest {
			r.rxIgnored.Add(1)
			continue
		}
		serviceID := binary.LittleEndian.Uint64(pkt[5:13])
		if serviceID != r.ServiceID {
			r.rxIgnored.Add(1)
			continue
		}
		r.rxRequests.Add(1)

		info := Info{ServiceID: r.ServiceID}
		if r.InfoFunc != nil {
			info = r.InfoFunc()
		}
		if _, err := conn.WriteToUDPAddrPort(info.encode(), addr); err != nil {
			r.txErrors.Add(1)
			continue
		}
		r.txResponses.Add(1)
	}
}

// Close unbinds the active socket and waits for Serve to return.
func (r *Responder) Close() error {
	r.mu.Lock()
	conn := r.conn
	serve := r.serve
	if conn != nil {
		r.closing = true
	}
	r.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-serve
	return err
}

// LocalAddr returns the bound socket's local address, or the zero value if
// unbound.
func (r *Responder) LocalAddr() netip.AddrPort {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return netip.AddrPort{}
	}
	a, _ := r.conn.LocalAddr().(*net.UDPAddr)
	return a.AddrPort()
}

// WritePrometheus passes each of this responder's counters to w, one line
// at a time, in Prometheus text exposition format, mirroring nspkt.Listener.WritePrometheus's shape.
func (r *Responder) WritePrometheus(w func(line string)) {
	w(counterLine("nlink_discovery_rx_requests_total", r.rxRequests.Load()))
	w(counterLine("nlink_discovery_rx_ignored_total", r.rxIgnored.Load()))
	w(counterLine("nlink_discovery_tx_responses_total", r.txResponses.Load()))
	w(counterLine("nlink_discovery_tx_errors_total", r.txErrors.Load()))
}

func counterLine(name string, v uint64) string {
	return name + " " + itoa(v)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Discover broadcasts a discovery request for serviceID/protocolVersion to
// broadcastAddr and collects every Info reply received before ctx is
// cancelled or done.
func Discover(ctx context.Context, broadcastAddr netip.AddrPort, serviceID, protocolVersion uint64) ([]Info, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := make([]byte, 0, requestSize)
	req = append(req, magic[:]...)
	req = append(req, kindRequest)
	req = binary.LittleEndian.AppendUint64(req, serviceID)
	req = binary.LittleEndian.AppendUint64(req, protocolVersion)
	if _, err := conn.WriteToUDPAddrPort(req, broadcastAddr); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.SetReadDeadline(absoluteZero)
		close(done)
	}()

	var out []Info
	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return out, nil
			default:
				return out, err
			}
		}
		if info, ok := decodeInfo(buf[:n]); ok && info.ServiceID == serviceID {
			out = append(out, info)
		}
	}
}

// absoluteZero forces an immediate ReadFromUDPAddrPort timeout, used to
// unblock Discover's read loop once ctx is done.
var absoluteZero = time.Unix(0, 0)
