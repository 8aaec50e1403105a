package governor

import (
	"sync"
	"time"
)

// DailyLossTracker accumulates realized PnL since the most recent UTC
// midnight. A breach of the cap is sticky until the boundary passes; there
// is no intra-day auto-clear.
type DailyLossTracker struct {
	capUSD float64

	mu       sync.Mutex
	day      time.Time // UTC midnight of the tracked day
	realized float64
	breached bool
}

// NewDailyLossTracker creates a tracker with the given loss cap (positive
// number of dollars).
func NewDailyLossTracker(capUSD float64) *DailyLossTracker {
	return &DailyLossTracker{capUSD: capUSD}
}

// Add records realized PnL (negative for a loss) at the given time and
// returns true when this addition breaches the cap for the first time today.
func (t *DailyLossTracker) Add(pnlUSD float64, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roll(at)

	t.realized += pnlUSD
	if !t.breached && -t.realized >= t.capUSD {
		t.breached = true
		return true
	}
	return false
}

// Breached reports whether the cap is currently breached. The flag clears
// only when the UTC day boundary passes.
func (t *DailyLossTracker) Breached(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roll(now)
	return t.breached
}

// Realized returns today's accumulated realized PnL.
func (t *DailyLossTracker) Realized(now time.Time) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roll(now)
	return t.realized
}

// roll resets the accumulator when the UTC day has changed. Callers must
// hold t.mu.
func (t *DailyLossTracker) roll(at time.Time) {
	day := at.UTC().Truncate(24 * time.Hour)
	if !day.Equal(t.day) {
		t.day = day
		t.realized = 0
		t.breached = false
	}
}
