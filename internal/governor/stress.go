package governor

import (
	"math"
	"sync"

	"github.com/openquant/hedgebot/internal/domain"
)

// StressTester computes the hypothetical loss from an instantaneous adverse
// price move of configured magnitude against all open legs. Symbols whose
// contribution pushes the total over the limit are hard-blocked from new
// exposure-increasing entries; this is deliberately narrower than a global
// HOLD.
type StressTester struct {
	shockPct float64
	limitUSD float64

	mu      sync.Mutex
	blocked map[string]float64 // symbol -> hypothetical loss at last evaluation
}

// NewStressTester creates a StressTester with the given shock magnitude
// (fraction, e.g. 0.10) and loss limit.
func NewStressTester(shockPct, limitUSD float64) *StressTester {
	return &StressTester{
		shockPct: shockPct,
		limitUSD: limitUSD,
		blocked:  make(map[string]float64),
	}
}

// Evaluate recomputes the stress result for the given positions and marks.
// It returns the total hypothetical loss and whether the limit is breached.
// The per-symbol block set is replaced as a side effect.
func (s *StressTester) Evaluate(positions []domain.Position, marks map[string]float64) (float64, bool) {
	perSymbol := make(map[string]float64)
	var total float64
	for _, p := range positions {
		if p.Flat() {
			continue
		}
		mark, ok := marks[markKey(p.Venue, p.Symbol)]
		if !ok || mark <= 0 {
			mark = p.AvgEntryPrice
		}
		// Worst case: the shock moves against the position's direction.
		loss := math.Abs(p.Qty) * mark * s.shockPct
		perSymbol[p.Symbol] += loss
		total += loss
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked = make(map[string]float64)
	if total > s.limitUSD {
		for sym, loss := range perSymbol {
			s.blocked[sym] = loss
		}
	}
	return total, total > s.limitUSD
}

// Blocked reports whether new exposure on the symbol is currently blocked by
// the stress limit.
func (s *StressTester) Blocked(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blocked[symbol]
	return ok
}

// HardBlocks returns the currently blocked symbols.
func (s *StressTester) HardBlocks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.blocked))
	for sym := range s.blocked {
		out = append(out, sym)
	}
	return out
}

func markKey(venue domain.VenueName, symbol string) string {
	return string(venue) + ":" + symbol
}
