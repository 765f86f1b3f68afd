package nlink

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

// Config holds every tunable spec.md §6 enumerates. Like
// pkg/atlas/config.go's Config, each field carries an env struct tag
// (VAR_NAME=default, or VAR_NAME?= for a default that may be explicitly
// reset to empty) and is populated by UnmarshalEnv's reflection walk rather
// than a hand-written flag-by-flag parser.
type Config struct {
	// ProtocolID is the application-defined 64-bit value every handshake
	// packet must match (§6).
	ProtocolID uint64 `env:"NLINK_PROTOCOL_ID=0"`

	// ProtocolVersionMajor/Minor/Patch make up the u64 protocol_version
	// field (§6: "(major<<32)|(minor<<16)|patch; major+minor must match,
	// patch ignored").
	ProtocolVersionMajor uint32 `env:"NLINK_PROTOCOL_VERSION_MAJOR=1"`
	ProtocolVersionMinor uint32 `env:"NLINK_PROTOCOL_VERSION_MINOR=0"`
	ProtocolVersionPatch uint32 `env:"NLINK_PROTOCOL_VERSION_PATCH=0"`

	// ProtocolVersionString, if set, is a "vMAJOR.MINOR.PATCH" semantic
	// version that overrides ProtocolVersionMajor/Minor/Patch once parsed,
	// the same way Atlas's launcher version check takes a single semver
	// string rather than three separate fields.
	ProtocolVersionString string `env:"NLINK_PROTOCOL_VERSION?="`

	// MaxPeers bounds how many simultaneous peers a Host will serve.
	MaxPeers int `env:"NLINK_MAX_PEERS=16"`

	// MaxChannels bounds the configured channel count, 1..32.
	MaxChannels int `env:"NLINK_MAX_CHANNELS=32"`

	// ChannelTypes is the host's configured channel kind for indices
	// [0, MaxChannels). It has no env tag (a 32-entry array has no natural
	// single-variable encoding); DefaultConfig populates it with the
	// round-robin default §6 specifies, and a deployment that wants
	// something else sets it directly after constructing the Config.
	ChannelTypes [32]ChannelKind

	// MTU is the host's own advertised MTU, 576..4096.
	MTU int `env:"NLINK_MTU=900"`

	// MTUDoFragment controls the IP don't-fragment bit outside of an
	// active MTU probe.
	MTUDoFragment bool `env:"NLINK_MTU_DO_FRAGMENT"`

	// IncomingBandwidthLimit/OutgoingBandwidthLimit are host-wide caps in
	// bits/s; 0 means unlimited (§6).
	IncomingBandwidthLimit float64 `env:"NLINK_INCOMING_BANDWIDTH_LIMIT=0"`
	OutgoingBandwidthLimit float64 `env:"NLINK_OUTGOING_BANDWIDTH_LIMIT=0"`

	ConnectionTimeout                  time.Duration `env:"NLINK_CONNECTION_TIMEOUT=10s"`
	PingInterval                       time.Duration `env:"NLINK_PING_INTERVAL=1s"`
	PingResendTimeout                  time.Duration `env:"NLINK_PING_RESEND_TIMEOUT=100ms"`
	PendingConnectionTimeout           time.Duration `env:"NLINK_PENDING_CONNECTION_TIMEOUT=10s"`
	PendingConnectionSendTimeout       time.Duration `env:"NLINK_PENDING_CONNECTION_SEND_TIMEOUT=100ms"`
	PendingDisconnectionTimeout        time.Duration `env:"NLINK_PENDING_DISCONNECTION_TIMEOUT=5s"`
	PendingDisconnectionSendTimeout    time.Duration `env:"NLINK_PENDING_DISCONNECTION_SEND_TIMEOUT=50ms"`
	MinRetransmissionTimeout           time.Duration `env:"NLINK_MIN_RETRANSMISSION_TIMEOUT=1ms"`
	MaxRetransmissionTimeout           time.Duration `env:"NLINK_MAX_RETRANSMISSION_TIMEOUT=500ms"`
	MinRetransmissionTimeoutLimit      time.Duration `env:"NLINK_MIN_RETRANSMISSION_TIMEOUT_LIMIT=4ms"`
	MaxRetransmissionTimeoutLimit      time.Duration `env:"NLINK_MAX_RETRANSMISSION_TIMEOUT_LIMIT=5000ms"`

	// ReliableChannelBlockPacketWindowSize is a power of two, <= 65536.
	ReliableChannelBlockPacketWindowSize int `env:"NLINK_RELIABLE_WINDOW_SIZE=1024"`

	// EncryptedPacketSequenceWindowSize is a power of two, 16..65536 — the
	// replay window (§4.2).
	EncryptedPacketSequenceWindowSize int `env:"NLINK_REPLAY_WINDOW_SIZE=256"`

	// KeepAliveWindowSize is a power of two, <= 256.
	KeepAliveWindowSize int `env:"NLINK_KEEP_ALIVE_WINDOW_SIZE=4"`

	// RateLimiterHostAddressBurst/Period throttle connection attempts per
	// source address (§3, §4.3).
	RateLimiterHostAddressBurst  float64       `env:"NLINK_RATE_LIMITER_HOST_ADDRESS_BURST=20"`
	RateLimiterHostAddressPeriod time.Duration `env:"NLINK_RATE_LIMITER_HOST_ADDRESS_PERIOD=1s"`

	// ChallengeDifficultyFactor scales the attempts/sec estimate into a
	// hash-repetition count (§4.3, SPEC_FULL.md D.2).
	ChallengeDifficultyFactor float64 `env:"NLINK_CHALLENGE_DIFFICULTY_FACTOR=1024"`

	// CheckConnectionTokens/CheckAuthenticationTokens gate the out-of-band
	// db/tokendb validator (§4.3, §7).
	CheckConnectionTokens     bool `env:"NLINK_CHECK_CONNECTION_TOKENS"`
	CheckAuthenticationTokens bool `env:"NLINK_CHECK_AUTHENTICATION_TOKENS"`
}

// DefaultConfig returns a Config with every field set to its documented
// default, equivalent to UnmarshalEnv(nil, false) but usable without going
// through environment parsing at all.
func DefaultConfig() Config {
	var c Config
	if err := c.UnmarshalEnv(nil, false); err != nil {
		panic("nlink: default config: " + err.Error())
	}
	kinds := [4]ChannelKind{ReliableOrdered, ReliableUnordered, UnreliableOrdered, UnreliableUnordered}
	for i := range c.ChannelTypes {
		c.ChannelTypes[i] = kinds[i%len(kinds)]
	}
	return c
}

// ProtocolVersion packs Major/Minor/Patch into the wire u64 §6 specifies.
func (c Config) ProtocolVersion() uint64 {
	return uint64(c.ProtocolVersionMajor)<<32 | uint64(c.ProtocolVersionMinor)<<16 | uint64(c.ProtocolVersionPatch)
}

// versionMajorMinorMatch reports whether two packed protocol_version values
// agree on major and minor, ignoring patch (§4.1: "match the protocol
// version (major+minor, patch ignored)").
func versionMajorMinorMatch(a, b uint64) bool {
	return a>>16 == b>>16
}

// UnmarshalEnv populates c's fields from environment-style "KEY=VALUE"
// strings, using each field's env struct tag for the variable name and
// default. It mirrors pkg/atlas/config.go's UnmarshalEnv: unset variables
// fall back to the tag's default unless incremental is true, in which case
// only variables actually present in es are applied (a restart-free
// config reload would use incremental).
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if k, v, ok := strings.Cut(e, "="); ok {
			em[k] = v
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}

		if v, exists := em[key]; exists {
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		} else if incremental {
			continue
		}

		cvf := cv.FieldByName(ctf.Name)
		switch cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case int, int8, int16, int32, int64:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case uint, uint8, uint16, uint32, uint64:
			if val == "" {
				cvf.SetUint(0)
			} else if v, err := strconv.ParseUint(val, 10, 64); err == nil {
				cvf.SetUint(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case float32, float64:
			if val == "" {
				cvf.SetFloat(0)
			} else if v, err := strconv.ParseFloat(val, 64); err == nil {
				cvf.SetFloat(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case time.Duration:
			if val == "" {
				cvf.Set(reflect.ValueOf(time.Duration(0)))
			} else if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("unhandled type %T (%s)", cvf.Interface(), env)
		}
	}

	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}

	if c.ProtocolVersionString != "" {
		if !semver.IsValid(c.ProtocolVersionString) {
			return fmt.Errorf("env NLINK_PROTOCOL_VERSION: invalid semantic version %q", c.ProtocolVersionString)
		}
		parts := strings.SplitN(strings.TrimPrefix(semver.Canonical(c.ProtocolVersionString), "v"), ".", 3)
		major, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			return fmt.Errorf("env NLINK_PROTOCOL_VERSION: parse major: %w", err)
		}
		minor, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return fmt.Errorf("env NLINK_PROTOCOL_VERSION: parse minor: %w", err)
		}
		patch, err := strconv.ParseUint(parts[2], 10, 32)
		if err != nil {
			return fmt.Errorf("env NLINK_PROTOCOL_VERSION: parse patch: %w", err)
		}
		c.ProtocolVersionMajor = uint32(major)
		c.ProtocolVersionMinor = uint32(minor)
		c.ProtocolVersionPatch = uint32(patch)
	}
	return nil
}

// Validate checks the power-of-two and range invariants spec.md §3/§6
// require, returning the first violation found.
func (c Config) Validate() error {
	if c.MaxChannels < 1 || c.MaxChannels > 32 {
		return fmt.Errorf("nlink: MaxChannels must be in [1, 32], got %d", c.MaxChannels)
	}
	if c.MTU < 576 || c.MTU > 4096 {
		return fmt.Errorf("nlink: MTU must be in [576, 4096], got %d", c.MTU)
	}
	if !isPowerOfTwo(c.ReliableChannelBlockPacketWindowSize) || c.ReliableChannelBlockPacketWindowSize > 65536 {
		return fmt.Errorf("nlink: ReliableChannelBlockPacketWindowSize must be a power of two <= 65536, got %d", c.ReliableChannelBlockPacketWindowSize)
	}
	if !isPowerOfTwo(c.EncryptedPacketSequenceWindowSize) || c.EncryptedPacketSequenceWindowSize < 16 || c.EncryptedPacketSequenceWindowSize > 65536 {
		return fmt.Errorf("nlink: EncryptedPacketSequenceWindowSize must be a power of two in [16, 65536], got %d", c.EncryptedPacketSequenceWindowSize)
	}
	if !isPowerOfTwo(c.KeepAliveWindowSize) || c.KeepAliveWindowSize > 256 {
		return fmt.Errorf("nlink: KeepAliveWindowSize must be a power of two <= 256, got %d", c.KeepAliveWindowSize)
	}
	return nil
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
