package nlink

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// Metrics is a Host's optional VictoriaMetrics wiring, grounded on
// pkg/api/api0/metrics.go's shape: a *metrics.Set plus typed Counter/
// Histogram fields (with a nested struct standing in for a label
// dimension) rather than looking names up by formatted string on every
// call.
type Metrics struct {
	set *metrics.Set

	rx_packets_total *metrics.Counter
	rx_bytes_total   *metrics.Counter
	tx_packets_total *metrics.Counter
	tx_bytes_total   *metrics.Counter

	rx_handshake_total struct {
		connection_request      *metrics.Counter
		challenge_response      *metrics.Counter
		authentication_response *metrics.Counter
		approval_acknowledge    *metrics.Counter
		denial_acknowledge      *metrics.Counter
	}

	rx_denied_total struct {
		unknown             *metrics.Counter
		full                *metrics.Counter
		too_few_channels    *metrics.Counter
		too_many_channels   *metrics.Counter
		wrong_channel_types *metrics.Counter
		unauthorized        *metrics.Counter
	}

	rx_replay_rejected_total *metrics.Counter
	rx_dropped_silent_total  *metrics.Counter

	handshake_duration_seconds *metrics.Histogram

	peer_connect_total    *metrics.Counter
	peer_disconnect_total *metrics.Counter
}

// NewMetrics registers a Host's counters against set, the way
// api0.apiMetrics registers against its own *metrics.Set. A nil set is
// replaced by a fresh private one. To run a Host without metrics, pass a nil
// *Metrics to Host.SetMetrics instead (Host treats a nil *Metrics as a
// no-op, never dereferencing it).
func NewMetrics(set *metrics.Set) *Metrics {
	if set == nil {
		set = metrics.NewSet()
	}
	m := &Metrics{set: set}

	m.rx_packets_total = set.NewCounter(`nlink_rx_packets_total`)
	m.rx_bytes_total = set.NewCounter(`nlink_rx_bytes_total`)
	m.tx_packets_total = set.NewCounter(`nlink_tx_packets_total`)
	m.tx_bytes_total = set.NewCounter(`nlink_tx_bytes_total`)

	m.rx_handshake_total.connection_request = set.NewCounter(`nlink_rx_handshake_total{type="connection_request"}`)
	m.rx_handshake_total.challenge_response = set.NewCounter(`nlink_rx_handshake_total{type="challenge_response"}`)
	m.rx_handshake_total.authentication_response = set.NewCounter(`nlink_rx_handshake_total{type="authentication_response"}`)
	m.rx_handshake_total.approval_acknowledge = set.NewCounter(`nlink_rx_handshake_total{type="approval_acknowledge"}`)
	m.rx_handshake_total.denial_acknowledge = set.NewCounter(`nlink_rx_handshake_total{type="denial_acknowledge"}`)

	m.rx_denied_total.unknown = set.NewCounter(`nlink_rx_denied_total{reason="unknown"}`)
	m.rx_denied_total.full = set.NewCounter(`nlink_rx_denied_total{reason="full"}`)
	m.rx_denied_total.too_few_channels = set.NewCounter(`nlink_rx_denied_total{reason="too_few_channels"}`)
	m.rx_denied_total.too_many_channels = set.NewCounter(`nlink_rx_denied_total{reason="too_many_channels"}`)
	m.rx_denied_total.wrong_channel_types = set.NewCounter(`nlink_rx_denied_total{reason="wrong_channel_types"}`)
	m.rx_denied_total.unauthorized = set.NewCounter(`nlink_rx_denied_total{reason="unauthorized"}`)

	m.rx_replay_rejected_total = set.NewCounter(`nlink_rx_replay_rejected_total`)
	m.rx_dropped_silent_total = set.NewCounter(`nlink_rx_dropped_silent_total`)

	m.handshake_duration_seconds = set.NewHistogram(`nlink_handshake_duration_seconds`)

	m.peer_connect_total = set.NewCounter(`nlink_peer_connect_total`)
	m.peer_disconnect_total = set.NewCounter(`nlink_peer_disconnect_total`)

	return m
}

// WritePrometheus writes m's counters to w in Prometheus text exposition
// format, mirroring api0.Handler.WritePrometheus's shape. A nil Metrics
// writes nothing.
func (m *Metrics) WritePrometheus(w io.Writer) {
	if m == nil {
		return
	}
	m.set.WritePrometheus(w)
}

// countHandshake tallies an inbound handshake packet by type (§4.3).
func (m *Metrics) countHandshake(typ handshakePacketType) {
	if m == nil {
		return
	}
	switch typ {
	case packetConnectionRequest:
		incr(m.rx_handshake_total.connection_request)
	case packetChallengeResponse:
		incr(m.rx_handshake_total.challenge_response)
	case packetAuthenticationResponse:
		incr(m.rx_handshake_total.authentication_response)
	case packetApprovalAcknowledge:
		incr(m.rx_handshake_total.approval_acknowledge)
	case packetDenialAcknowledge:
		incr(m.rx_handshake_total.denial_acknowledge)
	}
}

// incrDenial tallies a connection denial by reason (§4.3, §7).
func (m *Metrics) incrDenial(reason DenialReason) {
	if m == nil {
		return
	}
	incr(m.denialCounter(reason))
}

// incrPeerConnect tallies a successful handshake completion (§4.3).
func (m *Metrics) incrPeerConnect() {
	if m == nil {
		return
	}
	incr(m.peer_connect_total)
}

// incrPeerDisconnect tallies a peer leaving the connected state (§4.3, §7).
func (m *Metrics) incrPeerDisconnect() {
	if m == nil {
		return
	}
	incr(m.peer_disconnect_total)
}

func (m *Metrics) denialCounter(reason DenialReason) *metrics.Counter {
	if m == nil {
		return nil
	}
	switch reason {
	case DenialFull:
		return m.rx_denied_total.full
	case DenialTooFewChannels:
		return m.rx_denied_total.too_few_channels
	case DenialTooManyChannels:
		return m.rx_denied_total.too_many_channels
	case DenialWrongChannelTypes:
		return m.rx_denied_total.wrong_channel_types
	case DenialUnauthorized:
		return m.rx_denied_total.unauthorized
	default:
		return m.rx_denied_total.unknown
	}
}

func incr(c *metrics.Counter) {
	if c != nil {
		c.Inc()
	}
}

func addTo(c *metrics.Counter, n int) {
	if c != nil {
		c.Add(n)
	}
}
