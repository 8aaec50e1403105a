// Package engine executes cross-venue hedge attempts as an explicit state
// machine: preflight, entry leg, hedge leg, and the reduce-only rescue branch
// when the hedge cannot be completed. The engine never mutates intents
// directly; every order goes through the journal.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/openquant/hedgebot/internal/domain"
	"github.com/openquant/hedgebot/internal/governor"
	"github.com/openquant/hedgebot/internal/journal"
)

// Engine drives one execution attempt at a time per pair; cross-replica
// exclusion comes from the distributed pair lock.
type Engine struct {
	journal *journal.Journal
	gov     *governor.Governor
	plans   domain.PlanStore
	venues  map[domain.VenueName]domain.VenueAdapter
	locks   domain.LockManager
	limiter domain.RateLimiter
	health  HealthSource
	metrics *Metrics
	logger  *slog.Logger

	riskCaps          domain.RiskCaps
	mode              domain.ExecMode
	strategy          string
	maxLatency        time.Duration
	slippageBudgetBps float64
	neutralityUSD     float64
	lockTTL           time.Duration
	ordersPerWindow   int
	rateWindow        time.Duration
}

// Options bundles the engine's constructor dependencies.
type Options struct {
	Journal           *journal.Journal
	Governor          *governor.Governor
	Plans             domain.PlanStore
	Venues            map[domain.VenueName]domain.VenueAdapter
	Locks             domain.LockManager
	Limiter           domain.RateLimiter
	Health            HealthSource
	Metrics           *Metrics
	RiskCaps          domain.RiskCaps
	Mode              domain.ExecMode
	Strategy          string
	MaxLatency        time.Duration
	SlippageBudgetBps float64
	NeutralityUSD     float64
	LockTTL           time.Duration
	OrdersPerWindow   int
	RateWindow        time.Duration
	Logger            *slog.Logger
}

// New creates an Engine.
func New(opts Options) *Engine {
	return &Engine{
		journal:           opts.Journal,
		gov:               opts.Governor,
		plans:             opts.Plans,
		venues:            opts.Venues,
		locks:             opts.Locks,
		limiter:           opts.Limiter,
		health:            opts.Health,
		metrics:           opts.Metrics,
		riskCaps:          opts.RiskCaps,
		mode:              opts.Mode,
		strategy:          opts.Strategy,
		maxLatency:        opts.MaxLatency,
		slippageBudgetBps: opts.SlippageBudgetBps,
		neutralityUSD:     opts.NeutralityUSD,
		lockTTL:           opts.LockTTL,
		ordersPerWindow:   opts.OrdersPerWindow,
		rateWindow:        opts.RateWindow,
		logger:            opts.Logger.With(slog.String("component", "engine")),
	}
}

func (e *Engine) caps() domain.RiskCaps { return e.riskCaps }

// Execute runs one hedge attempt for the pair at the requested size.
// Expected rejections (halted, preflight failure, cap breach, busy pair,
// rate limit) come back in the result rather than as errors; an error means
// the attempt itself broke.
func (e *Engine) Execute(ctx context.Context, pair domain.ArbitragePair, size float64) (domain.ExecutionResult, error) {
	started := time.Now().UTC()

	control := e.gov.Control()
	if !control.TradingAllowed() {
		return rejected(domain.RejectHalted, "", fmt.Sprintf("control mode is %s: %s", control.Mode, control.HoldReason)), nil
	}
	if reason, ok := e.gov.PairAllowed(pair.Key()); !ok {
		return rejected(domain.RejectRiskCap, "circuit_breaker", reason), nil
	}

	if e.limiter != nil {
		allowed, err := e.limiter.Allow(ctx, "orders:"+e.strategy, e.ordersPerWindow, e.rateWindow)
		if err != nil {
			return domain.ExecutionResult{}, fmt.Errorf("engine: rate limiter: %w", err)
		}
		if !allowed {
			return rejected(domain.RejectRateLimit, "", "order rate limit exhausted"), nil
		}
	}

	unlock, err := e.locks.Acquire(ctx, "pair:"+pair.Key(), e.lockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		return rejected(domain.RejectPairBusy, "", "another attempt holds the pair lock"), nil
	}
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("engine: acquire pair lock %s: %w", pair.Key(), err)
	}
	defer unlock()

	plan := &domain.ExecutionPlan{
		ID:        uuid.New().String(),
		Pair:      pair.Key(),
		Size:      size,
		Mode:      e.mode,
		State:     domain.PlanStateIdle,
		Simulated: control.SafeMode,
		CreatedAt: started,
		UpdatedAt: started,
	}
	plan.Advance(domain.PlanStatePreflight, "", time.Now().UTC())
	if err := e.plans.Create(ctx, *plan); err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("engine: create plan: %w", err)
	}

	report := e.preflight(ctx, pair, size)
	plan.EdgeBps = report.EdgeBps
	if !report.OK {
		failed, _ := report.Failed()
		e.finishPlan(ctx, plan, domain.PlanStateFailed, "preflight: "+failed.Name)
		e.observeCycle(ctx, started)
		return domain.ExecutionResult{
			Status:    domain.ExecStatusRejected,
			Plan:      plan,
			Preflight: &report,
			Reject:    &domain.Rejection{Kind: domain.RejectPreflight, Check: failed.Name, Reason: failed.Detail},
		}, nil
	}

	if control.SafeMode {
		e.finishPlan(ctx, plan, domain.PlanStateDone, "safe mode, no orders placed")
		e.logger.InfoContext(ctx, "safe-mode attempt simulated",
			slog.String("pair", pair.Key()),
			slog.Float64("edge_bps", report.EdgeBps),
		)
		return domain.ExecutionResult{Status: domain.ExecStatusSimulated, Plan: plan, Preflight: &report}, nil
	}

	// Entry leg.
	plan.Advance(domain.PlanStateLegA, "", time.Now().UTC())
	e.savePlan(ctx, plan)

	legA, err := e.placeEntryLeg(ctx, pair, plan, size)
	if err != nil {
		e.finishPlan(ctx, plan, domain.PlanStateFailed, "leg A: "+err.Error())
		e.observeCycle(ctx, started)
		return domain.ExecutionResult{Status: domain.ExecStatusFailed, Plan: plan, Preflight: &report}, fmt.Errorf("engine: leg A: %w", err)
	}
	plan.IntentIDs = append(plan.IntentIDs, legA.ID)
	plan.FilledQty = legA.FilledQty

	if legA.FilledQty <= 0 {
		// Nothing filled, nothing at risk. Not an incident.
		e.finishPlan(ctx, plan, domain.PlanStateFailed, "leg A unfilled")
		e.observeCycle(ctx, started)
		return domain.ExecutionResult{Status: domain.ExecStatusFailed, Plan: plan, Preflight: &report}, nil
	}
	legAFilledAt := time.Now().UTC()

	// Hedge leg, sized to what leg A actually filled.
	plan.Advance(domain.PlanStateLegB, "", legAFilledAt)
	e.savePlan(ctx, plan)

	legB, choice, hedgeErr := e.placeHedgeLeg(ctx, pair, plan, legA.FilledQty)
	hedgeMs := float64(time.Since(legAFilledAt).Milliseconds())
	e.observeHedge(ctx, pair, hedgeMs)

	if legB.ID != "" {
		plan.IntentIDs = append(plan.IntentIDs, legB.ID)
		plan.LegBVenue = choice.Leg.Venue
		plan.LegBScore = choice.Score
		plan.HedgedQty = legB.FilledQty
	}

	residualQty := legA.FilledQty - legB.FilledQty
	residualNotional := math.Abs(residualQty) * legA.AvgFillPrice

	if hedgeErr == nil && residualNotional <= e.neutralityUSD {
		plan.Advance(domain.PlanStateHedged, "", time.Now().UTC())
		e.finishPlan(ctx, plan, domain.PlanStateDone, "")
		e.observeCycle(ctx, started)
		e.logger.InfoContext(ctx, "hedge complete",
			slog.String("pair", pair.Key()),
			slog.String("plan_id", plan.ID),
			slog.Float64("qty", legA.FilledQty),
			slog.Float64("edge_bps", report.EdgeBps),
			slog.Float64("hedge_ms", hedgeMs),
		)
		return domain.ExecutionResult{
			Status:    domain.ExecStatusDone,
			Plan:      plan,
			Preflight: &report,
			FilledQty: legA.FilledQty,
			HedgedQty: legB.FilledQty,
		}, nil
	}

	// The hedge failed or left the book unbalanced: shed the unhedged
	// remainder with a reduce-only close on the entry venue.
	note := fmt.Sprintf("residual %.2f USD unhedged", residualNotional)
	if hedgeErr != nil {
		note = "hedge leg: " + hedgeErr.Error()
	}
	plan.Advance(domain.PlanStateHedgeOutA, note, time.Now().UTC())
	e.savePlan(ctx, plan)

	rescue, rescueErr := e.rescueEntryLeg(ctx, pair, plan, legA, residualQty)
	if rescue.ID != "" {
		plan.IntentIDs = append(plan.IntentIDs, rescue.ID)
	}
	if rescueErr != nil {
		e.finishPlan(ctx, plan, domain.PlanStateFailed, "rescue: "+rescueErr.Error())
		e.observeCycle(ctx, started)
		_, _ = e.gov.RaiseIncident(ctx, domain.Incident{
			Kind:      domain.IncidentRescueFailed,
			Severity:  domain.SeverityP0,
			Component: "engine",
			Summary:   fmt.Sprintf("rescue of %s failed with %.2f USD unhedged", pair.Key(), residualNotional),
			Detail:    map[string]any{"pair": pair.Key(), "plan_id": plan.ID, "residual_usd": residualNotional},
		})
		return domain.ExecutionResult{Status: domain.ExecStatusFailed, Plan: plan, Preflight: &report, FilledQty: legA.FilledQty, HedgedQty: legB.FilledQty},
			&domain.RescueFailedError{Pair: pair.Key(), Err: rescueErr}
	}

	// Rescue closed the exposure; record the realized cost and the incident.
	// A hedge leg that had to be abandoned is a P0: the attempt is resolved
	// but trading halts until an operator has looked at why.
	rescuePnL := (rescue.AvgFillPrice - legA.AvgFillPrice) * rescue.FilledQty
	e.gov.ObserveRealized(ctx, rescuePnL)
	e.gov.RecordRescue(ctx, pair.Key())
	_, _ = e.gov.RaiseIncident(ctx, domain.Incident{
		Kind:      domain.IncidentLegBFailed,
		Severity:  domain.SeverityP0,
		Component: "engine",
		Summary:   fmt.Sprintf("hedge leg failed for %s, entry rescued at %.2f USD realized", pair.Key(), rescuePnL),
		Detail:    map[string]any{"pair": pair.Key(), "plan_id": plan.ID, "rescue_pnl_usd": rescuePnL},
	})

	e.finishPlan(ctx, plan, domain.PlanStateRescued, "")
	e.observeCycle(ctx, started)
	return domain.ExecutionResult{
		Status:    domain.ExecStatusRescued,
		Plan:      plan,
		Preflight: &report,
		FilledQty: legA.FilledQty,
		HedgedQty: legB.FilledQty,
	}, nil
}

// placeEntryLeg submits leg A: an IOC taker order, or in maker-fallback mode
// a post-only attempt at the bid that degrades to IOC when it does not fill
// synchronously.
func (e *Engine) placeEntryLeg(ctx context.Context, pair domain.ArbitragePair, plan *domain.ExecutionPlan, size float64) (domain.OrderIntent, error) {
	adapter := e.venues[pair.Long.Venue]
	book, err := adapter.BookTop(ctx, pair.Long.Symbol)
	if err != nil {
		return domain.OrderIntent{}, fmt.Errorf("book %s: %w", pair.Long.String(), err)
	}
	if book.AskPrice <= 0 {
		return domain.OrderIntent{}, fmt.Errorf("empty ask on %s", pair.Long.String())
	}

	legCtx, cancel := context.WithTimeout(ctx, e.maxLatency)
	defer cancel()

	if e.mode == domain.ExecModeMakerFallback && book.BidPrice > 0 {
		maker := e.newIntent(plan, pair.Long, domain.OrderSideBuy, domain.OrderTypeLimit, domain.TimeInForceGTC, book.BidPrice, size, "leg_a_maker")
		maker.PostOnly = true
		placed, err := e.journal.Submit(legCtx, maker)
		if err == nil && placed.FilledQty > 0 {
			return placed, nil
		}
		if err == nil && placed.State == domain.IntentStateAck {
			// Resting unfilled; a maker entry that doesn't fill immediately
			// would leave the edge decaying while we wait. Cancel and take.
			if cerr := adapter.CancelOrder(legCtx, maker.Symbol, maker.ClientID); cerr != nil {
				return placed, fmt.Errorf("cancel resting maker order: %w", cerr)
			}
			if _, terr := e.journal.Transition(legCtx, placed.ID, domain.IntentStateCanceled); terr != nil {
				return placed, terr
			}
		}
		// Post-only rejection or cancel: fall through to the taker path.
	}

	limit := book.AskPrice * (1 + e.slippageBudgetBps/10_000)
	taker := e.newIntent(plan, pair.Long, domain.OrderSideBuy, domain.OrderTypeLimit, domain.TimeInForceIOC, limit, size, "leg_a")
	return e.journal.Submit(legCtx, taker)
}

// placeHedgeLeg selects the hedge venue and submits the sell sized to the
// entry's actual fill.
func (e *Engine) placeHedgeLeg(ctx context.Context, pair domain.ArbitragePair, plan *domain.ExecutionPlan, qty float64) (domain.OrderIntent, legBChoice, error) {
	choice, err := e.selectLegB(ctx, pair, qty)
	if err != nil {
		return domain.OrderIntent{}, legBChoice{}, err
	}
	if choice.Book.BidPrice <= 0 {
		return domain.OrderIntent{}, choice, fmt.Errorf("empty bid on %s", choice.Leg.String())
	}

	legCtx, cancel := context.WithTimeout(ctx, e.maxLatency)
	defer cancel()

	limit := choice.Book.BidPrice * (1 - e.slippageBudgetBps/10_000)
	intent := e.newIntent(plan, choice.Leg, domain.OrderSideSell, domain.OrderTypeLimit, domain.TimeInForceIOC, limit, qty, "leg_b")
	placed, err := e.journal.Submit(legCtx, intent)
	return placed, choice, err
}

// rescueEntryLeg closes the unhedged remainder of leg A with a reduce-only
// market IOC. Qty is in entry-leg units.
func (e *Engine) rescueEntryLeg(ctx context.Context, pair domain.ArbitragePair, plan *domain.ExecutionPlan, legA domain.OrderIntent, qty float64) (domain.OrderIntent, error) {
	if qty <= 0 {
		return domain.OrderIntent{}, fmt.Errorf("nothing to rescue, residual qty %v", qty)
	}
	legCtx, cancel := context.WithTimeout(ctx, e.maxLatency)
	defer cancel()

	intent := e.newIntent(plan, pair.Long, legA.Side.Opposite(), domain.OrderTypeMarket, domain.TimeInForceIOC, 0, qty, "rescue")
	intent.ReduceOnly = true
	placed, err := e.journal.Submit(legCtx, intent)
	if err != nil {
		return placed, err
	}
	if placed.Remaining() > 1e-9 {
		return placed, fmt.Errorf("rescue filled %v of %v", placed.FilledQty, qty)
	}
	return placed, nil
}

// newIntent builds an intent with the deterministic client identifier for
// this plan and leg. Re-deriving the same (plan, leg) yields the same ID, so
// a venue that already saw the order de-duplicates a retry.
func (e *Engine) newIntent(plan *domain.ExecutionPlan, leg domain.PairLeg, side domain.OrderSide, typ domain.OrderType, tif domain.TimeInForce, price, qty float64, legTag string) domain.OrderIntent {
	now := time.Now().UTC()
	return domain.OrderIntent{
		ID:          uuid.New().String(),
		ClientID:    journal.ClientID(e.strategy, leg.Venue, leg.Symbol, side, now, journal.DefaultBucket, plan.ID+"/"+legTag),
		PlanID:      plan.ID,
		Venue:       leg.Venue,
		Symbol:      leg.Symbol,
		Side:        side,
		Type:        typ,
		TimeInForce: tif,
		Price:       price,
		Qty:         qty,
		Strategy:    e.strategy,
	}
}

// Flatten closes every open position on the venue (or just one symbol) with
// reduce-only market orders. It never opens exposure.
func (e *Engine) Flatten(ctx context.Context, venue domain.VenueName, symbol string) ([]domain.FlattenResult, error) {
	positions, err := e.journal.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: flatten %s: %w", venue, err)
	}

	var results []domain.FlattenResult
	for _, pos := range positions {
		if pos.Venue != venue || pos.Flat() {
			continue
		}
		if symbol != "" && pos.Symbol != symbol {
			continue
		}

		side := domain.OrderSideSell
		if pos.Qty < 0 {
			side = domain.OrderSideBuy
		}
		qty := math.Abs(pos.Qty)

		now := time.Now().UTC()
		intent := domain.OrderIntent{
			ID:          uuid.New().String(),
			ClientID:    journal.ClientID(e.strategy, pos.Venue, pos.Symbol, side, now, journal.DefaultBucket, "flatten"),
			Venue:       pos.Venue,
			Symbol:      pos.Symbol,
			Side:        side,
			Type:        domain.OrderTypeMarket,
			TimeInForce: domain.TimeInForceIOC,
			Qty:         qty,
			ReduceOnly:  true,
			Strategy:    e.strategy,
		}
		placed, err := e.journal.Submit(ctx, intent)
		if err != nil {
			return results, fmt.Errorf("engine: flatten %s %s: %w", pos.Venue, pos.Symbol, err)
		}
		results = append(results, domain.FlattenResult{
			Venue:     pos.Venue,
			Symbol:    pos.Symbol,
			IntentIDs: []string{placed.ID},
			ClosedQty: placed.FilledQty,
			Remaining: qty - placed.FilledQty,
		})
	}

	// Flattening is an emergency exit, not a trade: once it completes the
	// control mode is at least HOLD so nothing re-enters behind it.
	if control := e.gov.Control(); control.Mode == domain.ModeRun {
		if err := e.gov.Hold(ctx, "flatten", ""); err != nil {
			return results, fmt.Errorf("engine: flatten %s: hold: %w", venue, err)
		}
	}
	return results, nil
}

// Preview answers "what would an attempt at this size do right now": it runs
// the full preflight and returns the simulated plan. No lock is taken, no
// order budget is spent, no order is placed, and the control state is only
// read.
func (e *Engine) Preview(ctx context.Context, pair domain.ArbitragePair, size float64) (domain.ExecutionResult, error) {
	now := time.Now().UTC()
	plan := &domain.ExecutionPlan{
		ID:        uuid.New().String(),
		Pair:      pair.Key(),
		Size:      size,
		Mode:      e.mode,
		State:     domain.PlanStateIdle,
		Simulated: true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	plan.Advance(domain.PlanStatePreflight, "", now)

	report := e.preflight(ctx, pair, size)
	plan.EdgeBps = report.EdgeBps
	if !report.OK {
		failed, _ := report.Failed()
		plan.Advance(domain.PlanStateFailed, "preflight: "+failed.Name, time.Now().UTC())
		return domain.ExecutionResult{
			Status:    domain.ExecStatusRejected,
			Plan:      plan,
			Preflight: &report,
			Reject:    &domain.Rejection{Kind: domain.RejectPreflight, Check: failed.Name, Reason: failed.Detail},
		}, nil
	}

	plan.Advance(domain.PlanStateDone, "preview, no orders placed", time.Now().UTC())
	return domain.ExecutionResult{Status: domain.ExecStatusSimulated, Plan: plan, Preflight: &report}, nil
}

// LastPlan returns the most recent plan for the pair.
func (e *Engine) LastPlan(ctx context.Context, pairKey string) (domain.ExecutionPlan, error) {
	return e.plans.GetLast(ctx, pairKey)
}

// Latencies exposes the current p95 figures for the status surface.
func (e *Engine) Latencies() LatencySnapshot {
	if e.metrics == nil {
		return LatencySnapshot{}
	}
	return e.metrics.Latencies()
}

func (e *Engine) observeHedge(ctx context.Context, pair domain.ArbitragePair, ms float64) {
	if ms > float64(e.maxLatency.Milliseconds()) {
		_, _ = e.gov.RaiseIncident(ctx, domain.Incident{
			Kind:      domain.IncidentHedgeLatency,
			Severity:  domain.SeverityP0,
			Component: "engine",
			Summary:   fmt.Sprintf("hedge for %s took %.0fms, deadline %s", pair.Key(), ms, e.maxLatency),
			Detail:    map[string]any{"pair": pair.Key(), "hedge_ms": ms},
		})
	}
	if e.metrics == nil {
		return
	}
	if p95, breached := e.metrics.ObserveHedgeLatency(ms); breached {
		_, _ = e.gov.RaiseIncident(ctx, domain.Incident{
			Kind:      domain.IncidentSLABreach,
			Severity:  domain.SeverityP0,
			Component: "engine",
			Summary:   fmt.Sprintf("hedge latency p95 %.0fms breached ceiling", p95),
			Detail:    map[string]any{"metric": "hedge_latency_ms", "p95": p95},
		})
	}
}

func (e *Engine) observeCycle(ctx context.Context, started time.Time) {
	if e.metrics == nil {
		return
	}
	ms := float64(time.Since(started).Milliseconds())
	if p95, breached := e.metrics.ObserveOrderCycle(ms); breached {
		_, _ = e.gov.RaiseIncident(ctx, domain.Incident{
			Kind:      domain.IncidentSLABreach,
			Severity:  domain.SeverityP0,
			Component: "engine",
			Summary:   fmt.Sprintf("order cycle p95 %.0fms breached ceiling", p95),
			Detail:    map[string]any{"metric": "order_cycle_ms", "p95": p95},
		})
	}
}

func (e *Engine) finishPlan(ctx context.Context, plan *domain.ExecutionPlan, state domain.PlanState, note string) {
	now := time.Now().UTC()
	plan.Advance(state, note, now)
	if state.Terminal() {
		plan.CompletedAt = &now
	}
	e.savePlan(ctx, plan)
}

func (e *Engine) savePlan(ctx context.Context, plan *domain.ExecutionPlan) {
	if err := e.plans.Update(ctx, *plan); err != nil {
		e.logger.WarnContext(ctx, "plan update failed",
			slog.String("plan_id", plan.ID),
			slog.String("state", string(plan.State)),
			slog.String("error", err.Error()),
		)
	}
}

func rejected(kind domain.RejectKind, capName, reason string) domain.ExecutionResult {
	return domain.ExecutionResult{
		Status: domain.ExecStatusRejected,
		Reject: &domain.Rejection{Kind: kind, Cap: capName, Reason: reason},
	}
}
