package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/openquant/hedgebot/internal/domain"
)

// preflight runs the ordered pre-trade checks for one attempt. The run stops
// at the first failure; a check that cannot be evaluated fails rather than
// passes.
func (e *Engine) preflight(ctx context.Context, pair domain.ArbitragePair, size float64) domain.PreflightReport {
	report := domain.PreflightReport{
		Pair: pair.Key(),
		Size: size,
		At:   time.Now().UTC(),
	}

	checks := []struct {
		name string
		run  func(ctx context.Context, pair domain.ArbitragePair, size float64, r *domain.PreflightReport) (string, bool)
	}{
		{domain.CheckConnectivity, e.checkConnectivity},
		{domain.CheckVenueSetup, e.checkVenueSetup},
		{domain.CheckRiskCaps, e.checkRiskCaps},
		{domain.CheckFundingWindow, e.checkFundingWindow},
		{domain.CheckFilters, e.checkFilters},
		{domain.CheckEdge, e.checkEdge},
	}

	for _, c := range checks {
		detail, ok := c.run(ctx, pair, size, &report)
		report.Checks = append(report.Checks, domain.PreflightCheck{Name: c.name, OK: ok, Detail: detail})
		if !ok {
			report.OK = false
			return report
		}
	}
	report.OK = true
	return report
}

// checkConnectivity pings both entry legs and requires the round trip to fit
// inside the trade latency deadline.
func (e *Engine) checkConnectivity(ctx context.Context, pair domain.ArbitragePair, _ float64, _ *domain.PreflightReport) (string, bool) {
	for _, leg := range []domain.PairLeg{pair.Long, pair.Short} {
		adapter, ok := e.venues[leg.Venue]
		if !ok {
			return fmt.Sprintf("no adapter for %s", leg.Venue), false
		}
		if e.health != nil {
			if h := e.health.Health(leg.Venue); h.Status == domain.VenueDown {
				return fmt.Sprintf("venue %s classified DOWN", leg.Venue), false
			}
		}
		rtt, err := adapter.Ping(ctx)
		if err != nil {
			return fmt.Sprintf("ping %s: %v", leg.Venue, err), false
		}
		if rtt > e.maxLatency {
			return fmt.Sprintf("ping %s took %s, deadline %s", leg.Venue, rtt, e.maxLatency), false
		}
	}
	return "", true
}

// checkVenueSetup applies the pair's leverage and margin mode on both legs.
// Venue setters are idempotent, so re-applying on every attempt is safe.
func (e *Engine) checkVenueSetup(ctx context.Context, pair domain.ArbitragePair, _ float64, _ *domain.PreflightReport) (string, bool) {
	for _, leg := range []domain.PairLeg{pair.Long, pair.Short} {
		adapter := e.venues[leg.Venue]
		if pair.Leverage > 0 {
			if err := adapter.SetLeverage(ctx, leg.Symbol, pair.Leverage); err != nil {
				return fmt.Sprintf("set leverage %dx on %s: %v", pair.Leverage, leg.Venue, err), false
			}
		}
		if pair.MarginMode != "" {
			if err := adapter.SetMarginMode(ctx, leg.Symbol, pair.MarginMode); err != nil {
				return fmt.Sprintf("set margin mode %s on %s: %v", pair.MarginMode, leg.Venue, err), false
			}
		}
	}
	return "", true
}

// checkRiskCaps validates both hypothetical entry legs against the governor
// before any order exists.
func (e *Engine) checkRiskCaps(ctx context.Context, pair domain.ArbitragePair, size float64, _ *domain.PreflightReport) (string, bool) {
	snap, err := e.gov.Snapshot(ctx)
	if err != nil {
		return fmt.Sprintf("risk snapshot: %v", err), false
	}

	longBook, err := e.venues[pair.Long.Venue].BookTop(ctx, pair.Long.Symbol)
	if err != nil {
		return fmt.Sprintf("book %s: %v", pair.Long.String(), err), false
	}
	probes := []domain.OrderIntent{
		{Venue: pair.Long.Venue, Symbol: pair.Long.Symbol, Side: domain.OrderSideBuy, Price: longBook.AskPrice, Qty: size},
		{Venue: pair.Short.Venue, Symbol: pair.Short.Symbol, Side: domain.OrderSideSell, Price: longBook.AskPrice, Qty: size},
	}
	for _, probe := range probes {
		if d := e.gov.Validate(ctx, probe, snap); !d.Allowed {
			return fmt.Sprintf("cap %s: %s", d.Cap, d.Reason), false
		}
	}
	return "", true
}

// checkFundingWindow refuses entries too close to a funding event on either
// leg; a position opened seconds before funding pays the full rate for
// nothing.
func (e *Engine) checkFundingWindow(ctx context.Context, pair domain.ArbitragePair, _ float64, _ *domain.PreflightReport) (string, bool) {
	if pair.FundingAvoid <= 0 {
		return "funding window disabled", true
	}
	now := time.Now().UTC()
	for _, leg := range []domain.PairLeg{pair.Long, pair.Short} {
		info, err := e.venues[leg.Venue].FundingInfo(ctx, leg.Symbol)
		if err != nil {
			return fmt.Sprintf("funding info %s: %v", leg.String(), err), false
		}
		if info.NextFundingAt.IsZero() {
			continue
		}
		if until := info.NextFundingAt.Sub(now); until >= 0 && until < pair.FundingAvoid {
			return fmt.Sprintf("%s funding in %s, avoid window %s", leg.String(), until.Truncate(time.Second), pair.FundingAvoid), false
		}
	}
	return "", true
}

// checkFilters validates the requested size against both venues' trading
// filters.
func (e *Engine) checkFilters(ctx context.Context, pair domain.ArbitragePair, size float64, _ *domain.PreflightReport) (string, bool) {
	for _, leg := range []domain.PairLeg{pair.Long, pair.Short} {
		adapter := e.venues[leg.Venue]
		filters, err := adapter.Filters(ctx, leg.Symbol)
		if err != nil {
			return fmt.Sprintf("filters %s: %v", leg.String(), err), false
		}
		if size < filters.MinQty {
			return fmt.Sprintf("%s: size %v below min qty %v", leg.String(), size, filters.MinQty), false
		}
		if filters.QtyStep > 0 {
			steps := size / filters.QtyStep
			if math.Abs(steps-math.Round(steps)) > 1e-9 {
				return fmt.Sprintf("%s: size %v not a multiple of qty step %v", leg.String(), size, filters.QtyStep), false
			}
		}
		if filters.MinNotional > 0 {
			book, err := adapter.BookTop(ctx, leg.Symbol)
			if err != nil {
				return fmt.Sprintf("book %s: %v", leg.String(), err), false
			}
			if notional := size * book.Mid(); notional < filters.MinNotional {
				return fmt.Sprintf("%s: notional %.2f below min %.2f", leg.String(), notional, filters.MinNotional), false
			}
		}
	}
	return "", true
}

// checkEdge computes the net edge after fees, the slippage budget, and the
// funding differential, and requires it to clear the pair's configured
// minimum. This is the last check so the quote snapshot is as fresh as
// possible when the decision is made.
func (e *Engine) checkEdge(ctx context.Context, pair domain.ArbitragePair, _ float64, report *domain.PreflightReport) (string, bool) {
	longBook, err := e.venues[pair.Long.Venue].BookTop(ctx, pair.Long.Symbol)
	if err != nil {
		return fmt.Sprintf("book %s: %v", pair.Long.String(), err), false
	}
	shortBook, err := e.venues[pair.Short.Venue].BookTop(ctx, pair.Short.Symbol)
	if err != nil {
		return fmt.Sprintf("book %s: %v", pair.Short.String(), err), false
	}
	if longBook.AskPrice <= 0 || shortBook.BidPrice <= 0 {
		return "empty book on an entry leg", false
	}

	longFees, err := e.venues[pair.Long.Venue].Fees(ctx, pair.Long.Symbol)
	if err != nil {
		return fmt.Sprintf("fees %s: %v", pair.Long.String(), err), false
	}
	shortFees, err := e.venues[pair.Short.Venue].Fees(ctx, pair.Short.Symbol)
	if err != nil {
		return fmt.Sprintf("fees %s: %v", pair.Short.String(), err), false
	}
	longFunding, err := e.venues[pair.Long.Venue].FundingInfo(ctx, pair.Long.Symbol)
	if err != nil {
		return fmt.Sprintf("funding info %s: %v", pair.Long.String(), err), false
	}
	shortFunding, err := e.venues[pair.Short.Venue].FundingInfo(ctx, pair.Short.Symbol)
	if err != nil {
		return fmt.Sprintf("funding info %s: %v", pair.Short.String(), err), false
	}

	// We buy the long leg at its ask and sell the short leg at its bid; fees
	// are taken on both and the slippage budget is reserved up front. The
	// funding differential is carry while the position is on: the short leg
	// receives its venue's rate, the long leg pays its own.
	mid := (longBook.AskPrice + shortBook.BidPrice) / 2
	grossBps := (shortBook.BidPrice - longBook.AskPrice) / mid * 10_000
	feeBps := longFees.TakerBps + shortFees.TakerBps
	fundingBps := (shortFunding.Rate - longFunding.Rate) * 10_000
	edgeBps := grossBps - feeBps - pair.MaxSlippageBps + fundingBps
	report.EdgeBps = edgeBps

	e.gov.ObserveSpread(ctx, pair.Key(), grossBps, time.Now().UTC())

	if edgeBps < pair.MinEdgeBps {
		return fmt.Sprintf("edge %.2fbps (gross %.2f - fees %.2f - slippage %.2f + funding %.2f) below min %.2fbps",
			edgeBps, grossBps, feeBps, pair.MaxSlippageBps, fundingBps, pair.MinEdgeBps), false
	}
	return fmt.Sprintf("edge %.2fbps", edgeBps), true
}
