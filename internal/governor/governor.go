// Package governor is the single authority for whether any trade may proceed
// and for the global halt/resume lifecycle. Control-state transitions are
// linearized through a single writer holding an atomically swapped snapshot;
// readers always see either the previous or the new state, never a partial
// mutation.
package governor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openquant/hedgebot/internal/domain"
)

// controlChannel is the signal-bus channel control-state changes broadcast on.
const controlChannel = "control_state"

// Sealer computes and verifies the integrity seal on persisted control
// state. Implemented by integrity.Sealer; nil disables sealing.
type Sealer interface {
	Seal(state domain.ControlState) string
	Verify(state domain.ControlState) error
}

// Alerter delivers operator notifications. Implemented by notify.Notifier.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// HealthSource reports the watchdog's venue classification. Bound after
// construction because the watchdog reports its incidents back through the
// governor.
type HealthSource interface {
	Health(venue domain.VenueName) domain.VenueHealth
}

// degradedCapScale is the margin of safety applied to a DEGRADED venue: its
// exposure caps shrink to this fraction until the watchdog trusts it again.
const degradedCapScale = 0.5

// Governor owns the control state and evaluates every proposed trade against
// the configured caps, the circuit breaker, the stress tester, and the daily
// loss cap.
type Governor struct {
	caps      domain.RiskCaps
	pairs     []domain.ArbitragePair
	controlDB domain.ControlStore
	incidents domain.IncidentStore
	positions domain.PositionStore
	prices    domain.PriceCache
	audit     domain.AuditStore
	bus       domain.SignalBus
	sealer    Sealer
	alerter   Alerter
	logger    *slog.Logger

	breaker   *Breaker
	stress    *StressTester
	dailyLoss *DailyLossTracker
	health    HealthSource

	evalInterval time.Duration
	rescueWindow time.Duration
	rescueTrips  int

	// writeMu makes control mutations single-writer; control holds the
	// immutable snapshot readers copy from.
	writeMu sync.Mutex
	control atomic.Pointer[domain.ControlState]

	riskSnap atomic.Pointer[domain.RiskSnapshot]

	rescueMu sync.Mutex
	rescues  map[string][]time.Time // pair key -> rescue times in window
}

// Options bundles the governor's constructor dependencies.
type Options struct {
	Caps         domain.RiskCaps
	Pairs        []domain.ArbitragePair
	ControlStore domain.ControlStore
	Incidents    domain.IncidentStore
	Positions    domain.PositionStore
	Prices       domain.PriceCache
	Audit        domain.AuditStore
	Bus          domain.SignalBus
	Sealer       Sealer
	Alerter      Alerter
	Breaker      *Breaker
	Stress       *StressTester
	DailyLoss    *DailyLossTracker
	EvalInterval time.Duration
	RescueWindow time.Duration
	RescueTrips  int
	Logger       *slog.Logger
}

// BindHealth attaches the venue health source. Call during wiring, before
// the governor starts evaluating intents.
func (g *Governor) BindHealth(h HealthSource) {
	g.health = h
}

// New creates a Governor. Call Start before using it.
func New(opts Options) *Governor {
	return &Governor{
		caps:         opts.Caps,
		pairs:        opts.Pairs,
		controlDB:    opts.ControlStore,
		incidents:    opts.Incidents,
		positions:    opts.Positions,
		prices:       opts.Prices,
		audit:        opts.Audit,
		bus:          opts.Bus,
		sealer:       opts.Sealer,
		alerter:      opts.Alerter,
		breaker:      opts.Breaker,
		stress:       opts.Stress,
		dailyLoss:    opts.DailyLoss,
		evalInterval: opts.EvalInterval,
		rescueWindow: opts.RescueWindow,
		rescueTrips:  opts.RescueTrips,
		rescues:      make(map[string][]time.Time),
		logger:       opts.Logger.With(slog.String("component", "governor")),
	}
}

// Start loads the persisted control state and verifies its integrity seal.
// A failed verification forces HOLD with a tamper incident; the flag never
// auto-clears.
func (g *Governor) Start(ctx context.Context) error {
	state, err := g.controlDB.Load(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		state = domain.ControlState{Mode: domain.ModeHold, HoldReason: "initial state", UpdatedAt: time.Now().UTC()}
		state.Version = 1
		if g.sealer != nil {
			state.Seal = g.sealer.Seal(state)
		}
		if err := g.controlDB.Save(ctx, state); err != nil {
			return fmt.Errorf("governor: persist initial control state: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("governor: load control state: %w", err)
	}

	g.control.Store(&state)

	if g.sealer != nil && !errors.Is(err, domain.ErrNotFound) {
		if verr := g.sealer.Verify(state); verr != nil {
			g.logger.ErrorContext(ctx, "control state tamper detected",
				slog.Int64("version", state.Version),
			)
			if _, ierr := g.RaiseIncident(ctx, domain.Incident{
				Kind:      domain.IncidentTamperDetected,
				Severity:  domain.SeverityP0,
				Component: "governor",
				Summary:   "persisted control state failed integrity verification",
			}); ierr != nil {
				return ierr
			}
			return nil
		}
	}
	return nil
}

// Control returns an immutable copy of the current control state. Readers
// must never hold this across a suspension point expecting freshness.
func (g *Governor) Control() domain.ControlState {
	s := g.control.Load()
	if s == nil {
		return domain.ControlState{Mode: domain.ModeHold, HoldReason: "governor not started"}
	}
	cp := *s
	cp.Approvals = append([]domain.ResumeApproval(nil), s.Approvals...)
	if s.ResumeRequest != nil {
		req := *s.ResumeRequest
		cp.ResumeRequest = &req
	}
	return cp
}

// mutate applies fn to a copy of the control state under the single-writer
// lock, persists it with a version bump, swaps the snapshot, and broadcasts
// the change.
func (g *Governor) mutate(ctx context.Context, event string, fn func(*domain.ControlState) error) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	next := g.Control()
	if err := fn(&next); err != nil {
		return err
	}
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	if g.sealer != nil {
		next.Seal = g.sealer.Seal(next)
	}

	if err := g.controlDB.Save(ctx, next); err != nil {
		return fmt.Errorf("governor: save control state v%d: %w", next.Version, err)
	}
	g.control.Store(&next)

	if g.audit != nil {
		_ = g.audit.Log(ctx, "control_"+event, map[string]any{
			"mode":      string(next.Mode),
			"safe_mode": next.SafeMode,
			"reason":    next.HoldReason,
			"version":   next.Version,
		})
	}
	if g.bus != nil {
		payload, _ := json.Marshal(map[string]any{
			"event":     event,
			"mode":      string(next.Mode),
			"safe_mode": next.SafeMode,
			"version":   next.Version,
		})
		if err := g.bus.Publish(ctx, controlChannel, payload); err != nil {
			g.logger.WarnContext(ctx, "control broadcast failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Hold transitions RUN → HOLD. It is a no-op in HOLD with the same reason
// and refused in KILL (KILL never auto-resumes, and never downgrades).
func (g *Governor) Hold(ctx context.Context, reason, incidentID string) error {
	cur := g.Control()
	if cur.Mode == domain.ModeKill {
		return domain.ErrKilled
	}
	if cur.Mode == domain.ModeHold && cur.HoldReason == reason {
		return nil
	}
	g.logger.WarnContext(ctx, "entering HOLD", slog.String("reason", reason))
	err := g.mutate(ctx, "hold", func(s *domain.ControlState) error {
		s.Mode = domain.ModeHold
		s.HoldReason = reason
		s.HoldIncidentID = incidentID
		s.ResumeRequest = nil
		s.Approvals = nil
		return nil
	})
	if err == nil {
		g.alert(ctx, "hold", "trading halted", reason)
	}
	return err
}

// Kill forces the terminal KILL mode. Only an operator restart in a safe
// state leaves it.
func (g *Governor) Kill(ctx context.Context, reason string) error {
	g.logger.ErrorContext(ctx, "entering KILL", slog.String("reason", reason))
	err := g.mutate(ctx, "kill", func(s *domain.ControlState) error {
		s.Mode = domain.ModeKill
		s.HoldReason = reason
		s.ResumeRequest = nil
		s.Approvals = nil
		return nil
	})
	if err == nil {
		g.alert(ctx, "kill", "kill switch engaged", reason)
	}
	return err
}

// SetSafeMode toggles the dry-run flag. Safe mode stops execution after
// preflight and returns simulated plans.
func (g *Governor) SetSafeMode(ctx context.Context, on bool) error {
	return g.mutate(ctx, "safe_mode", func(s *domain.ControlState) error {
		s.SafeMode = on
		return nil
	})
}

// RequestResume opens a resume request for the current HOLD and returns the
// approval token. Any prior pending approvals are discarded.
func (g *Governor) RequestResume(ctx context.Context, reason, operator string) (string, error) {
	cur := g.Control()
	if cur.Mode == domain.ModeKill {
		return "", domain.ErrKilled
	}
	if cur.Mode != domain.ModeHold {
		return "", fmt.Errorf("governor: resume requested but mode is %s", cur.Mode)
	}
	token := uuid.New().String()
	err := g.mutate(ctx, "resume_requested", func(s *domain.ControlState) error {
		s.ResumeRequest = &domain.ResumeRequest{
			Reason:      reason,
			Operator:    operator,
			Token:       token,
			RequestedAt: time.Now().UTC(),
		}
		s.Approvals = nil
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// ApproveResume records one operator approval. The HOLD → RUN transition
// happens only when (a) the triggering P0 incident carries a root cause,
// (b) two distinct operators have approved, and (c) the halting condition no
// longer holds. A single approval never resumes trading.
func (g *Governor) ApproveResume(ctx context.Context, operator, token string) (domain.ControlState, error) {
	cur := g.Control()
	if cur.Mode != domain.ModeHold {
		return cur, fmt.Errorf("governor: approve resume but mode is %s", cur.Mode)
	}
	if cur.ResumeRequest == nil || cur.ResumeRequest.Token != token {
		return cur, errors.New("governor: no matching resume request")
	}
	for _, a := range cur.Approvals {
		if a.Operator == operator {
			return cur, fmt.Errorf("governor: operator %s already approved", operator)
		}
	}

	err := g.mutate(ctx, "resume_approved", func(s *domain.ControlState) error {
		s.Approvals = append(s.Approvals, domain.ResumeApproval{
			Operator: operator,
			Token:    token,
			At:       time.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		return cur, err
	}

	cur = g.Control()
	if len(cur.Approvals) < 2 {
		g.logger.InfoContext(ctx, "resume approval recorded, awaiting second operator",
			slog.String("operator", operator),
		)
		return cur, nil
	}

	// Two-man rule satisfied; verify the remaining gates before resuming.
	if cur.HoldIncidentID != "" {
		inc, ierr := g.incidents.GetByID(ctx, cur.HoldIncidentID)
		if ierr != nil {
			return cur, fmt.Errorf("governor: load hold incident: %w", ierr)
		}
		if inc.Severity == domain.SeverityP0 && !inc.Resolved() {
			return cur, fmt.Errorf("governor: incident %s has no recorded root cause", inc.ID)
		}
	}
	if reason := g.resumeBlocker(ctx); reason != "" {
		return cur, fmt.Errorf("governor: hold condition still active: %s", reason)
	}

	err = g.mutate(ctx, "resume", func(s *domain.ControlState) error {
		s.Mode = domain.ModeRun
		s.HoldReason = ""
		s.HoldIncidentID = ""
		s.ResumeRequest = nil
		s.Approvals = nil
		return nil
	})
	if err != nil {
		return cur, err
	}
	g.alert(ctx, "resume", "trading resumed", "two-operator approval complete")
	return g.Control(), nil
}

// resumeBlocker returns a non-empty description when a halting condition is
// still active.
func (g *Governor) resumeBlocker(ctx context.Context) string {
	now := time.Now().UTC()
	if g.dailyLoss != nil && g.dailyLoss.Breached(now) {
		return "daily loss cap breached until UTC midnight"
	}
	if g.breaker != nil {
		if tripped := g.breaker.Tripped(); len(tripped) > 0 {
			for pair, reason := range tripped {
				return fmt.Sprintf("circuit breaker open for %s (%s)", pair, reason)
			}
		}
	}
	open, err := g.incidents.ListOpen(ctx)
	if err != nil {
		return fmt.Sprintf("incident store unavailable: %v", err)
	}
	for _, inc := range open {
		if inc.Severity == domain.SeverityP0 && !inc.Resolved() {
			return fmt.Sprintf("unresolved P0 incident %s (%s)", inc.ID, inc.Kind)
		}
	}
	return ""
}

// Autopilot decides whether trading may resume automatically after a
// restart. Refusals are recorded with their reason.
func (g *Governor) Autopilot(ctx context.Context) (bool, string) {
	cur := g.Control()
	if cur.Mode == domain.ModeKill {
		g.recordAutopilotRefusal(ctx, "mode is KILL")
		return false, "mode is KILL"
	}
	if g.stress != nil {
		if blocks := g.stress.HardBlocks(); len(blocks) > 0 {
			reason := fmt.Sprintf("stress hard block on %v", blocks)
			g.recordAutopilotRefusal(ctx, reason)
			return false, reason
		}
	}
	if reason := g.resumeBlocker(ctx); reason != "" {
		g.recordAutopilotRefusal(ctx, reason)
		return false, reason
	}
	return true, ""
}

func (g *Governor) recordAutopilotRefusal(ctx context.Context, reason string) {
	g.logger.WarnContext(ctx, "autopilot resume refused", slog.String("reason", reason))
	if g.audit != nil {
		_ = g.audit.Log(ctx, "autopilot_refused", map[string]any{"reason": reason})
	}
}

// Validate checks a proposed intent against every cap in order and returns
// the first violation as the rejection reason. Reduce-only intents can only
// shrink risk, so they bypass the exposure-increasing caps and keep only the
// leverage check. A DEGRADED venue keeps trading but with its exposure caps
// scaled down.
func (g *Governor) Validate(ctx context.Context, intent domain.OrderIntent, snap domain.RiskSnapshot) domain.Decision {
	notional := intent.Price * intent.Qty

	symbolCap := g.caps.MaxExposurePerSymbolUSD
	venueCap := g.caps.MaxExposurePerVenueUSD
	capNote := ""
	if g.health != nil && g.health.Health(intent.Venue).Status == domain.VenueDegraded {
		symbolCap *= degradedCapScale
		venueCap *= degradedCapScale
		capNote = " (venue degraded, caps tightened)"
	}

	if !intent.ReduceOnly {
		if snap.TotalNotionalUSD+notional > g.caps.MaxTotalNotionalUSD {
			return domain.Deny(domain.CapMaxTotalNotional,
				fmt.Sprintf("%.2f + %.2f exceeds %.2f", snap.TotalNotionalUSD, notional, g.caps.MaxTotalNotionalUSD))
		}
		if snap.OpenPositions+1 > g.caps.MaxOpenPositions {
			return domain.Deny(domain.CapMaxOpenPositions,
				fmt.Sprintf("%d open positions at cap %d", snap.OpenPositions, g.caps.MaxOpenPositions))
		}
		if snap.PerSymbolUSD[intent.Symbol]+notional > symbolCap {
			return domain.Deny(domain.CapMaxExposureSymbol,
				fmt.Sprintf("symbol %s exposure would exceed %.2f%s", intent.Symbol, symbolCap, capNote))
		}
		if snap.PerVenueUSD[intent.Venue]+notional > venueCap {
			return domain.Deny(domain.CapMaxExposureVenue,
				fmt.Sprintf("venue %s exposure would exceed %.2f%s", intent.Venue, venueCap, capNote))
		}
	}

	if lev := snap.PerVenueLeverage[intent.Venue]; lev > g.caps.MaxLeveragePerVenue {
		return domain.Deny(domain.CapMaxLeverageVenue,
			fmt.Sprintf("venue %s leverage %d exceeds %d", intent.Venue, lev, g.caps.MaxLeveragePerVenue))
	}

	if !intent.ReduceOnly {
		delta := snap.CrossVenueDeltaUSD
		if intent.Side == domain.OrderSideBuy {
			delta += notional
		} else {
			delta -= notional
		}
		if math.Abs(delta) > g.caps.CrossVenueDeltaAbsMaxUSD+g.hedgeAllowance(notional) {
			return domain.Deny(domain.CapCrossVenueDeltaAbs,
				fmt.Sprintf("projected cross-venue delta %.2f exceeds %.2f", delta, g.caps.CrossVenueDeltaAbsMaxUSD))
		}
		if g.dailyLoss != nil && g.dailyLoss.Breached(time.Now().UTC()) {
			return domain.Deny(domain.CapDailyLoss, "daily loss cap breached")
		}
		if g.stress != nil && g.stress.Blocked(intent.Symbol) {
			return domain.Deny(domain.CapStressLimit,
				fmt.Sprintf("symbol %s blocked by stress limit", intent.Symbol))
		}
	}

	return domain.Allow()
}

// hedgeAllowance lets the first leg of a hedge exceed the cross-venue delta
// cap transiently: the delta check would otherwise reject every entry whose
// second leg has not filled yet.
func (g *Governor) hedgeAllowance(legNotional float64) float64 {
	return legNotional
}

// PairAllowed reports whether new entries on the pair are currently allowed
// by the circuit breaker.
func (g *Governor) PairAllowed(pairKey string) (string, bool) {
	if g.breaker == nil {
		return "", true
	}
	reason, degraded := g.breaker.Degraded(pairKey)
	return reason, !degraded
}

// ObserveSpread feeds the circuit breaker and raises a breaker incident on a
// fresh trip.
func (g *Governor) ObserveSpread(ctx context.Context, pairKey string, spreadBps float64, at time.Time) {
	if g.breaker == nil {
		return
	}
	if reason := g.breaker.Observe(pairKey, spreadBps, at); reason != "" {
		_, _ = g.RaiseIncident(ctx, domain.Incident{
			Kind:      domain.IncidentBreakerTripped,
			Severity:  domain.SeverityP1,
			Component: "governor",
			Summary:   fmt.Sprintf("circuit breaker tripped for %s: %s", pairKey, reason),
			Detail:    map[string]any{"pair": pairKey},
		})
	}
}

// ResetBreaker is the manual-only re-enable of a degraded pair.
func (g *Governor) ResetBreaker(ctx context.Context, pairKey, operator string) {
	if g.breaker == nil {
		return
	}
	g.breaker.Reset(pairKey)
	g.logger.InfoContext(ctx, "circuit breaker reset",
		slog.String("pair", pairKey),
		slog.String("operator", operator),
	)
	if g.audit != nil {
		_ = g.audit.Log(ctx, "breaker_reset", map[string]any{"pair": pairKey, "operator": operator})
	}
}

// ObserveRealized records realized PnL from a closed or rescued trade and
// enforces the daily loss cap.
func (g *Governor) ObserveRealized(ctx context.Context, pnlUSD float64) {
	if g.dailyLoss == nil {
		return
	}
	if g.dailyLoss.Add(pnlUSD, time.Now().UTC()) {
		inc, _ := g.RaiseIncident(ctx, domain.Incident{
			Kind:      domain.IncidentDailyLossCap,
			Severity:  domain.SeverityP0,
			Component: "governor",
			Summary:   fmt.Sprintf("daily realized loss reached %.2f USD", -g.dailyLoss.Realized(time.Now().UTC())),
		})
		_ = g.Hold(ctx, "daily_loss_cap_breach", inc.ID)
	}
}

// RecordRescue counts a rescue for the pair; hitting the configured trip
// count inside the rolling window opens the pair's breaker and raises an
// incident.
func (g *Governor) RecordRescue(ctx context.Context, pairKey string) {
	g.rescueMu.Lock()
	now := time.Now().UTC()
	times := append(g.rescues[pairKey], now)
	cutoff := now.Add(-g.rescueWindow)
	pruned := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	g.rescues[pairKey] = pruned
	tripped := len(pruned) >= g.rescueTrips
	g.rescueMu.Unlock()

	if tripped && g.breaker != nil {
		if _, already := g.breaker.Degraded(pairKey); !already {
			g.breaker.Trip(pairKey, fmt.Sprintf("%d rescues within %s", len(pruned), g.rescueWindow))
			_, _ = g.RaiseIncident(ctx, domain.Incident{
				Kind:      domain.IncidentBreakerTripped,
				Severity:  domain.SeverityP0,
				Component: "governor",
				Summary:   fmt.Sprintf("repeated rescues tripped breaker for %s", pairKey),
				Detail:    map[string]any{"pair": pairKey, "rescues": len(pruned)},
			})
		}
	}
}

// RaiseIncident persists the incident, notifies operators, and forces the
// control mode that the severity and kind demand: a failed rescue means the
// system can no longer shed risk automatically and forces KILL; any other
// P0 forces HOLD.
func (g *Governor) RaiseIncident(ctx context.Context, inc domain.Incident) (domain.Incident, error) {
	if inc.ID == "" {
		inc.ID = uuid.New().String()
	}
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = time.Now().UTC()
	}
	if err := g.incidents.Create(ctx, inc); err != nil {
		return inc, fmt.Errorf("governor: create incident: %w", err)
	}
	g.logger.WarnContext(ctx, "incident raised",
		slog.String("incident_id", inc.ID),
		slog.String("kind", inc.Kind),
		slog.String("severity", string(inc.Severity)),
	)
	g.alert(ctx, "incident", fmt.Sprintf("[%s] %s", inc.Severity, inc.Kind), inc.Summary)

	if inc.Severity == domain.SeverityP0 {
		if inc.Kind == domain.IncidentRescueFailed {
			if err := g.Kill(ctx, inc.Kind); err != nil && !errors.Is(err, domain.ErrKilled) {
				return inc, err
			}
		} else {
			if err := g.Hold(ctx, inc.Kind, inc.ID); err != nil && !errors.Is(err, domain.ErrKilled) {
				return inc, err
			}
		}
	}
	return inc, nil
}

// AckIncident records the operator acknowledgement and root cause.
func (g *Governor) AckIncident(ctx context.Context, id, operator, rootCause string) error {
	if err := g.incidents.Ack(ctx, id, operator, rootCause); err != nil {
		return fmt.Errorf("governor: ack incident %s: %w", id, err)
	}
	if g.audit != nil {
		_ = g.audit.Log(ctx, "incident_acked", map[string]any{
			"incident_id": id, "operator": operator,
		})
	}
	return nil
}

// Incidents lists recent incidents for the control surface.
func (g *Governor) Incidents(ctx context.Context, limit int) ([]domain.Incident, error) {
	return g.incidents.ListRecent(ctx, limit)
}

// Snapshot recomputes the risk snapshot from the journal-derived positions
// and cached marks, caches it for RiskSnapshot(), and returns it.
func (g *Governor) Snapshot(ctx context.Context) (domain.RiskSnapshot, error) {
	positions, err := g.positions.ListOpen(ctx)
	if err != nil {
		return domain.RiskSnapshot{}, fmt.Errorf("governor: list positions: %w", err)
	}

	now := time.Now().UTC()
	snap := domain.RiskSnapshot{
		PerSymbolUSD:     make(map[string]float64),
		PerVenueUSD:      make(map[domain.VenueName]float64),
		PerVenueLeverage: make(map[domain.VenueName]int),
		CapUtilization:   make(map[string]float64),
		TakenAt:          now,
	}
	marks := make(map[string]float64, len(positions))

	for _, p := range positions {
		mark := p.AvgEntryPrice
		if g.prices != nil {
			if m, _, perr := g.prices.GetMark(ctx, p.Venue, p.Symbol); perr == nil && m > 0 {
				mark = m
			}
		}
		marks[markKey(p.Venue, p.Symbol)] = mark

		notional := p.Notional(mark)
		signed := p.Qty * mark
		snap.TotalNotionalUSD += notional
		snap.PerSymbolUSD[p.Symbol] += notional
		snap.PerVenueUSD[p.Venue] += notional
		snap.CrossVenueDeltaUSD += signed
		snap.UnrealizedPnL += (mark - p.AvgEntryPrice) * p.Qty
		snap.OpenPositions++
		if p.Leverage > snap.PerVenueLeverage[p.Venue] {
			snap.PerVenueLeverage[p.Venue] = p.Leverage
		}
	}
	if g.dailyLoss != nil {
		snap.RealizedPnLToday = g.dailyLoss.Realized(now)
	}

	if g.caps.MaxTotalNotionalUSD > 0 {
		snap.CapUtilization[domain.CapMaxTotalNotional] = snap.TotalNotionalUSD / g.caps.MaxTotalNotionalUSD
	}
	if g.caps.MaxOpenPositions > 0 {
		snap.CapUtilization[domain.CapMaxOpenPositions] = float64(snap.OpenPositions) / float64(g.caps.MaxOpenPositions)
	}
	if g.caps.CrossVenueDeltaAbsMaxUSD > 0 {
		snap.CapUtilization[domain.CapCrossVenueDeltaAbs] = math.Abs(snap.CrossVenueDeltaUSD) / g.caps.CrossVenueDeltaAbsMaxUSD
	}
	if g.caps.DailyLossCapUSD > 0 && snap.RealizedPnLToday < 0 {
		snap.CapUtilization[domain.CapDailyLoss] = -snap.RealizedPnLToday / g.caps.DailyLossCapUSD
	}

	if g.stress != nil {
		g.stress.Evaluate(positions, marks)
	}

	g.riskSnap.Store(&snap)
	return snap, nil
}

// RiskSnapshot returns the most recently computed snapshot without touching
// storage; the zero snapshot before the first computation.
func (g *Governor) RiskSnapshot() domain.RiskSnapshot {
	if s := g.riskSnap.Load(); s != nil {
		return *s
	}
	return domain.RiskSnapshot{}
}

// Run is the governor's evaluation tick: recompute the risk snapshot and
// stress result, and check quote staleness for every configured pair.
func (g *Governor) Run(ctx context.Context) error {
	g.logger.Info("governor started", slog.Duration("interval", g.evalInterval))
	defer g.logger.Info("governor stopped")

	ticker := time.NewTicker(g.evalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := g.Snapshot(ctx); err != nil {
				g.logger.WarnContext(ctx, "risk snapshot failed", slog.String("error", err.Error()))
			}
			if g.breaker != nil {
				now := time.Now().UTC()
				for _, p := range g.pairs {
					if reason := g.breaker.CheckStale(p.Key(), now); reason != "" {
						_, _ = g.RaiseIncident(ctx, domain.Incident{
							Kind:      domain.IncidentBreakerTripped,
							Severity:  domain.SeverityP1,
							Component: "governor",
							Summary:   fmt.Sprintf("stale quotes tripped breaker for %s: %s", p.Key(), reason),
							Detail:    map[string]any{"pair": p.Key()},
						})
					}
				}
			}
		}
	}
}

func (g *Governor) alert(ctx context.Context, event, title, message string) {
	if g.alerter == nil {
		return
	}
	if err := g.alerter.Notify(ctx, event, title, message); err != nil {
		g.logger.WarnContext(ctx, "alert delivery failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
