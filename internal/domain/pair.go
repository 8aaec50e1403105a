package domain

import (
	"fmt"
	"time"
)

// PairLeg names one side of a cross-venue hedge.
type PairLeg struct {
	Venue  VenueName `toml:"venue"`
	Symbol string    `toml:"symbol"`
}

// String renders "venue:symbol".
func (l PairLeg) String() string {
	return fmt.Sprintf("%s:%s", l.Venue, l.Symbol)
}

// ArbitragePair is a configured long/short tuple with its cost parameters.
// Immutable once loaded; a config refresh replaces the whole value.
type ArbitragePair struct {
	Long  PairLeg `toml:"long"`
	Short PairLeg `toml:"short"`

	MinEdgeBps        float64       `toml:"min_edge_bps"`
	MaxSlippageBps    float64       `toml:"max_slippage_bps"`
	FundingAvoid      time.Duration `toml:"-"` // parsed from funding_avoid_minutes
	Leverage          int           `toml:"leverage"`
	MarginMode        string        `toml:"margin_mode"`
	AltShortVenues    []PairLeg     `toml:"alt_short_venues"` // candidate hosts for leg B
}

// Key is the stable identifier used for per-pair locks and plan lookups.
func (p ArbitragePair) Key() string {
	return p.Long.String() + "/" + p.Short.String()
}

// Venues returns every venue the pair can touch, long leg first.
func (p ArbitragePair) Venues() []VenueName {
	out := []VenueName{p.Long.Venue, p.Short.Venue}
	for _, alt := range p.AltShortVenues {
		out = append(out, alt.Venue)
	}
	return out
}
