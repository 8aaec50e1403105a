package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openquant/hedgebot/internal/domain"
)

// HealthSource exposes the watchdog's venue classification to the engine.
type HealthSource interface {
	Health(venue domain.VenueName) domain.VenueHealth
}

// legBChoice is the selected hedge venue with the market data gathered while
// scoring it, so the execution path does not refetch.
type legBChoice struct {
	Leg   domain.PairLeg
	Score float64
	Book  domain.BookTop
	Fees  domain.FeeSchedule
}

// Scoring weights for leg-B venue selection. Depth dominates because a hedge
// that cannot absorb the size is worthless regardless of its fee tier.
const (
	weightDepth    = 0.40
	weightFee      = 0.30
	weightHeadroom = 0.20
	weightHealth   = 0.10
)

// selectLegB scores every candidate hedge venue for the pair and returns the
// best. Venues classified DOWN are excluded; a tie goes to the lower taker
// fee.
func (e *Engine) selectLegB(ctx context.Context, pair domain.ArbitragePair, qty float64) (legBChoice, error) {
	candidates := append([]domain.PairLeg{pair.Short}, pair.AltShortVenues...)
	snap := e.gov.RiskSnapshot()

	var best legBChoice
	found := false
	for _, leg := range candidates {
		adapter, ok := e.venues[leg.Venue]
		if !ok {
			continue
		}
		health := domain.VenueHealth{Status: domain.VenueOK}
		if e.health != nil {
			health = e.health.Health(leg.Venue)
		}
		if health.Status == domain.VenueDown {
			e.logger.DebugContext(ctx, "hedge candidate excluded, venue down",
				slog.String("venue", string(leg.Venue)),
			)
			continue
		}

		book, err := adapter.BookTop(ctx, leg.Symbol)
		if err != nil {
			e.logger.WarnContext(ctx, "hedge candidate book unavailable",
				slog.String("venue", string(leg.Venue)),
				slog.String("error", err.Error()),
			)
			continue
		}
		fees, err := adapter.Fees(ctx, leg.Symbol)
		if err != nil {
			continue
		}

		score := scoreCandidate(book, fees, health, snap, e.caps(), leg.Venue, qty)
		better := score > best.Score
		if found && !better && score == best.Score {
			better = fees.TakerBps < best.Fees.TakerBps
		}
		if !found || better {
			best = legBChoice{Leg: leg, Score: score, Book: book, Fees: fees}
			found = true
		}
	}

	if !found {
		return legBChoice{}, fmt.Errorf("engine: no hedge venue available for %s", pair.Key())
	}
	return best, nil
}

func scoreCandidate(
	book domain.BookTop,
	fees domain.FeeSchedule,
	health domain.VenueHealth,
	snap domain.RiskSnapshot,
	caps domain.RiskCaps,
	venue domain.VenueName,
	qty float64,
) float64 {
	// The short hedge sells into the bid.
	depth := 0.0
	if qty > 0 && book.BidQty > 0 {
		depth = book.BidQty / qty
		if depth > 1 {
			depth = 1
		}
	}

	fee := 1.0 / (1.0 + fees.TakerBps)

	headroom := 0.0
	if caps.MaxExposurePerVenueUSD > 0 {
		used := snap.PerVenueUSD[venue] / caps.MaxExposurePerVenueUSD
		if used < 1 {
			headroom = 1 - used
		}
	}

	healthScore := 1.0
	if health.Status == domain.VenueDegraded {
		healthScore = 0.3
	}

	return weightDepth*depth + weightFee*fee + weightHeadroom*headroom + weightHealth*healthScore
}
