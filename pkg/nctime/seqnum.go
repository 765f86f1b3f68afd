package nctime

// Seq is a 16-bit sequence number used for reliable-channel block packets,
// unreliable-ordered message ordering, and keep-alive ping numbering.
// Comparisons use signed circular difference modulo 2^16 so that a single
// wraparound past 65535 never makes a newer sequence compare as older.
type Seq uint16

// Diff returns the signed circular difference a-b, in (-32768, 32768].
// A positive result means a is ahead of b.
func (a Seq) Diff(b Seq) int32 {
	d := int32(int16(a - b))
	if d == -32768 {
		d = 32768
	}
	return d
}

// After reports whether a is strictly ahead of b.
func (a Seq) After(b Seq) bool {
	return a.Diff(b) > 0
}

// Before reports whether a is strictly behind b.
func (a Seq) Before(b Seq) bool {
	return a.Diff(b) < 0
}

// Add returns a+n.
func (a Seq) Add(n int) Seq {
	return a + Seq(n)
}

// Seq64 is a 64-bit sequence number, used for the encrypted-packet sequence
// (§4.2) which never wraps in the lifetime of a connection. Comparisons are
// plain integer comparisons; Seq64 exists only to keep call sites explicit
// about which counter they're using.
type Seq64 uint64
