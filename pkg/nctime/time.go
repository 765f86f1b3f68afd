// Package nctime implements the wrap-tolerant time and sequence-number value
// types the engine uses to compare 64-bit clock readings and 16-bit block
// sequence numbers without being fooled by integer wraparound.
package nctime

import "time"

// Time is a 64-bit monotonic timestamp, typically nanoseconds since some
// host-chosen epoch. Comparisons treat a quarter of the 64-bit range as the
// "ahead" half, so a single wraparound never makes a newer value compare as
// older.
type Time uint64

// Now returns the current time relative to t0.
func Now(t0 time.Time) Time {
	return Time(time.Since(t0))
}

// Before reports whether t is before u, tolerating wraparound: u is "ahead"
// of t iff (u - t) mod 2^64 is in (0, 2^62].
func (t Time) Before(u Time) bool {
	return 0 < u-t && u-t <= 1<<62
}

// After reports whether t is after u.
func (t Time) After(u Time) bool {
	return u.Before(t)
}

// Sub returns the signed duration from u to t: positive when t is up to
// 2^62 ahead of u, negative (u - t) otherwise. Results are not clamped.
func (t Time) Sub(u Time) time.Duration {
	d := t - u
	if d <= 1<<62 {
		return time.Duration(d)
	}
	return -time.Duration(u - t)
}

// Add returns t+d.
func (t Time) Add(d time.Duration) Time {
	return t + Time(d)
}

// Low16 returns the low 16 bits of t, as used for the "approximate sent
// time" field in the normal packet header (§4.2).
func (t Time) Low16() uint16 {
	return uint16(t)
}

// IsZero reports whether t is the zero value, used throughout the engine
// as the "never happened yet" sentinel for timestamps like last-received or
// last-ping time.
func (t Time) IsZero() bool {
	return t == 0
}
