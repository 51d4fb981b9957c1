package game

import (
	"math"
	"time"
)

const (
	// SeriesBreak is the longest gap between taps that still belongs to the
	// same series.
	SeriesBreak = 2500 * time.Millisecond

	smoothing = 0.35
)

// Tapper turns tap timestamps into a smoothed taps-per-minute reading.
// Not safe for concurrent use.
type Tapper struct {
	last time.Time // zero = unset
	rate int       // 0 = unset
}

// Pulse registers a tap at now. ok is true when the reading changed and
// should be reported.
func (t *Tapper) Pulse(now time.Time) (rate int, ok bool) {
	if t.last.IsZero() {
		t.last = now
		return t.rate, false
	}
	interval := now.Sub(t.last)
	t.last = now
	if interval <= 0 || interval > SeriesBreak {
		return t.rate, false
	}

	instant := float64(time.Minute) / float64(interval)
	var next int
	if t.rate == 0 {
		next = int(math.Round(instant))
	} else {
		next = int(math.Round(float64(t.rate)*(1-smoothing) + instant*smoothing))
	}

	if !PlausibleRate(next) {
		return t.rate, false
	}
	t.rate = next
	return next, true
}

// Reset forgets the series and the reading.
func (t *Tapper) Reset() {
	t.last = time.Time{}
	t.rate = 0
}

func (t *Tapper) Rate() int {
	return t.rate
}
