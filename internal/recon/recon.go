// Package recon continuously compares the journal-derived position view
// against each venue's own account state. The journal is the book of record;
// a divergence beyond tolerance is a P0 incident and halts trading. Position
// corrections happen only here, and only on explicit operator request.
package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/openquant/hedgebot/internal/domain"
)

// IncidentSink receives reconciliation incidents. Implemented by the risk
// governor.
type IncidentSink interface {
	RaiseIncident(ctx context.Context, inc domain.Incident) (domain.Incident, error)
}

// Mismatch is one divergence between the journal and a venue.
type Mismatch struct {
	Venue       domain.VenueName
	Symbol      string
	JournalQty  float64
	VenueQty    float64
	DiffQty     float64
	DiffUSD     float64
	OrphanOrder string // venue order unknown to the journal, when set
	Unhedged    bool   // one leg of a configured pair open with the other flat
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	Mismatches []Mismatch
	CheckedAt  time.Time
}

// Clean reports whether the pass found no divergence.
func (r Report) Clean() bool { return len(r.Mismatches) == 0 }

// Options bundles the reconciler's constructor dependencies.
type Options struct {
	Venues               map[domain.VenueName]domain.VenueAdapter
	Pairs                []domain.ArbitragePair
	Positions            domain.PositionStore
	Intents              domain.IntentStore
	Audit                domain.AuditStore
	Incidents            IncidentSink
	Interval             time.Duration
	QtyTolerance         float64
	NotionalToleranceUSD float64
	Logger               *slog.Logger
}

// Reconciler runs the periodic journal-vs-venue comparison.
type Reconciler struct {
	venues      map[domain.VenueName]domain.VenueAdapter
	pairs       []domain.ArbitragePair
	positions   domain.PositionStore
	intents     domain.IntentStore
	audit       domain.AuditStore
	incidents   IncidentSink
	interval    time.Duration
	qtyTol      float64
	notionalTol float64
	logger      *slog.Logger
}

// New creates a Reconciler.
func New(opts Options) *Reconciler {
	return &Reconciler{
		venues:      opts.Venues,
		pairs:       opts.Pairs,
		positions:   opts.Positions,
		intents:     opts.Intents,
		audit:       opts.Audit,
		incidents:   opts.Incidents,
		interval:    opts.Interval,
		qtyTol:      opts.QtyTolerance,
		notionalTol: opts.NotionalToleranceUSD,
		logger:      opts.Logger.With(slog.String("component", "recon")),
	}
}

// Run reconciles on the configured interval until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("reconciler started", slog.Duration("interval", r.interval))
	defer r.logger.Info("reconciler stopped")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Reconcile(ctx); err != nil {
				r.logger.WarnContext(ctx, "reconciliation pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Reconcile runs one full pass and raises a P0 incident per divergence.
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	report := Report{CheckedAt: time.Now().UTC()}

	journaled, err := r.positions.List(ctx)
	if err != nil {
		return report, fmt.Errorf("recon: list journal positions: %w", err)
	}
	byKey := make(map[string]domain.Position, len(journaled))
	for _, p := range journaled {
		byKey[posKey(p.Venue, p.Symbol)] = p
	}

	for name, adapter := range r.venues {
		venuePositions, err := adapter.Positions(ctx)
		if err != nil {
			// An unreachable venue is the watchdog's problem; we only compare
			// what we can actually see.
			r.logger.WarnContext(ctx, "venue positions unavailable",
				slog.String("venue", string(name)),
				slog.String("error", err.Error()),
			)
			continue
		}

		seen := make(map[string]bool)
		for _, vp := range venuePositions {
			key := posKey(name, vp.Symbol)
			seen[key] = true
			jp := byKey[key]
			if m, ok := r.compare(jp, vp); ok {
				report.Mismatches = append(report.Mismatches, m)
			}
		}

		// Journal says we hold something the venue has no record of.
		for key, jp := range byKey {
			if jp.Venue != name || seen[key] || jp.Flat() {
				continue
			}
			report.Mismatches = append(report.Mismatches, Mismatch{
				Venue:      name,
				Symbol:     jp.Symbol,
				JournalQty: jp.Qty,
				VenueQty:   0,
				DiffQty:    jp.Qty,
				DiffUSD:    math.Abs(jp.Qty) * jp.AvgEntryPrice,
			})
		}

		if orphans, oerr := r.findOrphanOrders(ctx, name, adapter); oerr == nil {
			report.Mismatches = append(report.Mismatches, orphans...)
		}
	}

	report.Mismatches = append(report.Mismatches, r.checkPairBalance(byKey)...)

	for _, m := range report.Mismatches {
		summary := fmt.Sprintf("journal/venue divergence on %s %s: journal %v, venue %v",
			m.Venue, m.Symbol, m.JournalQty, m.VenueQty)
		if m.OrphanOrder != "" {
			summary = fmt.Sprintf("open order %s on %s %s unknown to the journal", m.OrphanOrder, m.Venue, m.Symbol)
		}
		if m.Unhedged {
			summary = fmt.Sprintf("unhedged directional exposure: %s %s holds %v with the pair's other leg flat",
				m.Venue, m.Symbol, m.JournalQty)
		}
		_, _ = r.incidents.RaiseIncident(ctx, domain.Incident{
			Kind:      domain.IncidentReconMismatch,
			Severity:  domain.SeverityP0,
			Component: "recon",
			Summary:   summary,
			Detail: map[string]any{
				"venue":    string(m.Venue),
				"symbol":   m.Symbol,
				"diff_qty": m.DiffQty,
				"diff_usd": m.DiffUSD,
				"unhedged": m.Unhedged,
			},
		})
	}

	if report.Clean() {
		r.logger.DebugContext(ctx, "reconciliation clean", slog.Int("venues", len(r.venues)))
	}
	return report, nil
}

// compare checks one journal position against the venue's view.
func (r *Reconciler) compare(jp domain.Position, vp domain.VenuePosition) (Mismatch, bool) {
	diff := vp.Qty - jp.Qty
	if math.Abs(diff) <= r.qtyTol {
		return Mismatch{}, false
	}
	mark := vp.MarkPrice
	if mark <= 0 {
		mark = jp.AvgEntryPrice
	}
	diffUSD := math.Abs(diff) * mark
	if diffUSD <= r.notionalTol {
		return Mismatch{}, false
	}
	return Mismatch{
		Venue:      vp.Venue,
		Symbol:     vp.Symbol,
		JournalQty: jp.Qty,
		VenueQty:   vp.Qty,
		DiffQty:    diff,
		DiffUSD:    diffUSD,
	}, true
}

// checkPairBalance flags directional exposure inside a configured pair: one
// leg open while the other side is flat. This is the case the per-position
// diff cannot see, because a lone leg the venue confirms still reconciles
// clean symbol by symbol.
func (r *Reconciler) checkPairBalance(byKey map[string]domain.Position) []Mismatch {
	var out []Mismatch
	for _, pair := range r.pairs {
		shortLegs := append([]domain.PairLeg{pair.Short}, pair.AltShortVenues...)

		longPos := byKey[posKey(pair.Long.Venue, pair.Long.Symbol)]
		shortQty := 0.0
		for _, leg := range shortLegs {
			shortQty += byKey[posKey(leg.Venue, leg.Symbol)].Qty
		}

		longOpen := math.Abs(longPos.Qty) > r.qtyTol
		shortOpen := math.Abs(shortQty) > r.qtyTol
		if longOpen == shortOpen {
			continue
		}

		if longOpen {
			out = append(out, unhedgedMismatch(longPos))
			continue
		}
		for _, leg := range shortLegs {
			if p := byKey[posKey(leg.Venue, leg.Symbol)]; math.Abs(p.Qty) > r.qtyTol {
				out = append(out, unhedgedMismatch(p))
			}
		}
	}
	return out
}

func unhedgedMismatch(p domain.Position) Mismatch {
	return Mismatch{
		Venue:      p.Venue,
		Symbol:     p.Symbol,
		JournalQty: p.Qty,
		VenueQty:   p.Qty,
		DiffQty:    p.Qty,
		DiffUSD:    math.Abs(p.Qty) * p.AvgEntryPrice,
		Unhedged:   true,
	}
}

// findOrphanOrders flags open venue orders whose client IDs the journal has
// never seen. An order we did not place is unaccounted risk.
func (r *Reconciler) findOrphanOrders(ctx context.Context, name domain.VenueName, adapter domain.VenueAdapter) ([]Mismatch, error) {
	symbols := make(map[string]bool)
	inflight, err := r.intents.ListInflight(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(inflight))
	for _, i := range inflight {
		known[i.ClientID] = true
		if i.Venue == name {
			symbols[i.Symbol] = true
		}
	}

	var out []Mismatch
	for symbol := range symbols {
		orders, err := adapter.OpenOrders(ctx, symbol)
		if err != nil {
			return out, err
		}
		for _, o := range orders {
			if known[o.ClientID] {
				continue
			}
			if _, gerr := r.intents.GetByClientID(ctx, o.ClientID); gerr == nil {
				continue
			}
			out = append(out, Mismatch{
				Venue:       name,
				Symbol:      symbol,
				OrphanOrder: o.ClientID,
			})
		}
	}
	return out, nil
}

// ApplyCorrection overwrites the journal position with the venue's view.
// Operator action only; every correction lands in the audit log with the
// before/after values.
func (r *Reconciler) ApplyCorrection(ctx context.Context, venue domain.VenueName, symbol, operator string) error {
	adapter, ok := r.venues[venue]
	if !ok {
		return fmt.Errorf("recon: unknown venue %s", venue)
	}
	venuePositions, err := adapter.Positions(ctx)
	if err != nil {
		return fmt.Errorf("recon: venue positions %s: %w", venue, err)
	}

	var truth *domain.VenuePosition
	for i := range venuePositions {
		if venuePositions[i].Symbol == symbol {
			truth = &venuePositions[i]
			break
		}
	}

	before, err := r.positions.Get(ctx, venue, symbol)
	if errors.Is(err, domain.ErrNotFound) {
		before = domain.Position{Venue: venue, Symbol: symbol}
	} else if err != nil {
		return fmt.Errorf("recon: load position %s %s: %w", venue, symbol, err)
	}

	after := domain.Position{
		Venue:     venue,
		Symbol:    symbol,
		UpdatedAt: time.Now().UTC(),
	}
	if truth != nil {
		after.Qty = truth.Qty
		after.AvgEntryPrice = truth.EntryPrice
		after.Leverage = truth.Leverage
		after.MarginMode = truth.MarginMode
	}
	after.RealizedPnL = before.RealizedPnL

	if err := r.positions.Upsert(ctx, after); err != nil {
		return fmt.Errorf("recon: apply correction %s %s: %w", venue, symbol, err)
	}

	r.logger.InfoContext(ctx, "position corrected from venue",
		slog.String("venue", string(venue)),
		slog.String("symbol", symbol),
		slog.String("operator", operator),
		slog.Float64("before_qty", before.Qty),
		slog.Float64("after_qty", after.Qty),
	)
	if r.audit != nil {
		_ = r.audit.Log(ctx, "position_corrected", map[string]any{
			"venue":      string(venue),
			"symbol":     symbol,
			"operator":   operator,
			"before_qty": before.Qty,
			"after_qty":  after.Qty,
		})
	}
	return nil
}

func posKey(venue domain.VenueName, symbol string) string {
	return string(venue) + ":" + symbol
}
