package domain

import (
	"math"
	"time"
)

// Position is the journal-derived net exposure for one venue+symbol. Qty is
// signed: positive long, negative short. Positions are folded from fills and
// never mutated independently of the journal.
type Position struct {
	Venue         VenueName
	Symbol        string
	Qty           float64
	AvgEntryPrice float64
	Leverage      int
	MarginMode    string
	RealizedPnL   float64
	UpdatedAt     time.Time
}

// Notional returns the absolute USD notional at the given mark price.
func (p Position) Notional(mark float64) float64 {
	return math.Abs(p.Qty) * mark
}

// Flat reports whether the position is effectively closed.
func (p Position) Flat() bool {
	return math.Abs(p.Qty) < 1e-12
}
