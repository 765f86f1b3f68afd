// Package ratelimit implements the burst-bucket rate limiter and smoothed
// bandwidth tracker used for per-peer and per-host outgoing bandwidth limits
// (§4.8) and for the per-source-address connection-attempt throttle (§4.3).
package ratelimit

import "time"

// Limiter is a token-bucket rate limiter: it allows up to maxPerPeriod units
// every period, refilled continuously, with a configurable burst allowance.
// A zero maxPerPeriod means unlimited (CanProceed always true), matching
// spec.md §6's "0 = unlimited" convention for bandwidth limits.
type Limiter struct {
	maxPerPeriod float64
	period       time.Duration
	burst        float64

	balance    float64
	lastRefill time.Time
}

// New creates a Limiter allowing maxPerPeriod units per period, with an
// initial burst balance of burst units.
func New(maxPerPeriod float64, period time.Duration, burst float64) *Limiter {
	return &Limiter{
		maxPerPeriod: maxPerPeriod,
		period:       period,
		burst:        burst,
		balance:      burst,
		lastRefill:   time.Time{},
	}
}

func (l *Limiter) refill(now time.Time) {
	if l.maxPerPeriod <= 0 {
		return
	}
	if l.lastRefill.IsZero() {
		l.lastRefill = now
		return
	}
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}
	l.balance += l.maxPerPeriod * elapsed.Seconds() / l.period.Seconds()
	if l.balance > l.burst {
		l.balance = l.burst
	}
	l.lastRefill = now
}

// CanProceed reports whether amount units may be sent right now without
// exceeding the configured rate. It does not consume balance — callers must
// call AddAmount after actually sending, per spec.md §4.8: "Before sending a
// UDP payload of S bits, call CanProceed(S); if false, drop the frame
// silently... Otherwise send, then AddAmount(S)."
func (l *Limiter) CanProceed(now time.Time, amount float64) bool {
	if l.maxPerPeriod <= 0 {
		return true
	}
	l.refill(now)
	return l.balance >= amount
}

// AddAmount deducts amount units of already-sent traffic from the balance.
func (l *Limiter) AddAmount(amount float64) {
	if l.maxPerPeriod <= 0 {
		return
	}
	l.balance -= amount
}

// Unlimited reports whether this limiter has no configured cap.
func (l *Limiter) Unlimited() bool {
	return l.maxPerPeriod <= 0
}
