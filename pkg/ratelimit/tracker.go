package ratelimit

import "time"

// minSamplePeriod is the smallest window over which Tracker recomputes its
// units-per-second estimate, per spec.md §3: "a smoothed units-per-second
// estimate over a ≥1000 ms sliding period."
const minSamplePeriod = 1000 * time.Millisecond

// Tracker estimates a smoothed units-per-second rate (bytes, bits, or
// packets — the caller picks the unit) by accumulating additions and
// periodically folding them into a rate, carrying any sub-period remainder
// forward. Used for BandwidthRateTracker (§2) and for a Host's connection
// attempts/second count. The handshake's proof-of-work difficulty (§4.3) is
// computed from nlink's own attempt ring, not from a Tracker.
type Tracker struct {
	lastSample time.Time
	accum      float64
	residue    float64
	rate       float64
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Add records amount units produced at the current instant.
func (t *Tracker) Add(now time.Time, amount float64) {
	if t.lastSample.IsZero() {
		t.lastSample = now
	}
	t.accum += amount
	t.maybeSample(now)
}

// Update advances the tracker's clock without adding units, so the rate
// decays toward zero even during idle periods.
func (t *Tracker) Update(now time.Time) {
	if t.lastSample.IsZero() {
		t.lastSample = now
		return
	}
	t.maybeSample(now)
}

func (t *Tracker) maybeSample(now time.Time) {
	elapsed := now.Sub(t.lastSample)
	if elapsed < minSamplePeriod {
		return
	}
	wholeSeconds := elapsed.Seconds()
	total := t.accum + t.residue
	t.rate = total / wholeSeconds
	// Carry forward less than one second's worth of data as residue so a
	// burst right at a sample boundary isn't lost, matching §4.8: "keep the
	// residue for the next period."
	fractional := wholeSeconds - float64(int64(wholeSeconds))
	t.residue = total * fractional / wholeSeconds
	t.accum = 0
	t.lastSample = now
}

// RatePerSecond returns the current smoothed units-per-second estimate.
func (t *Tracker) RatePerSecond() float64 {
	return t.rate
}
