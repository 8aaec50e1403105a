package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openquant/hedgebot/internal/config"
	"github.com/openquant/hedgebot/internal/domain"
	"github.com/openquant/hedgebot/internal/engine"
	"github.com/openquant/hedgebot/internal/governor"
	"github.com/openquant/hedgebot/internal/journal"
	"github.com/openquant/hedgebot/internal/recon"
	"github.com/openquant/hedgebot/internal/watchdog"
)

// controlChannel is the redis pub/sub channel the governor broadcasts control
// state transitions on.
const controlChannel = "control_state"

// runtime is the fully built component graph shared by the modes.
type runtime struct {
	journal *journal.Journal
	gov     *governor.Governor
	watch   *watchdog.Watchdog
	recon   *recon.Reconciler
	engine  *engine.Engine
	pairs   []pairRun
}

// pairRun binds one configured pair to its per-attempt order size.
type pairRun struct {
	pair domain.ArbitragePair
	qty  float64
}

// buildRuntime constructs and starts the journal, governor, watchdog,
// reconciler, and engine from the wired dependencies.
func (a *App) buildRuntime(ctx context.Context, deps *Dependencies) (*runtime, error) {
	jnl := journal.New(deps.Intents, deps.Fills, deps.Positions, deps.Audit, a.venues, a.logger)

	caps := riskCaps(a.cfg.Risk)
	pairs := make([]domain.ArbitragePair, 0, len(a.cfg.Pairs))
	runs := make([]pairRun, 0, len(a.cfg.Pairs))
	for _, pc := range a.cfg.Pairs {
		p := pc.Pair()
		pairs = append(pairs, p)
		runs = append(runs, pairRun{pair: p, qty: pc.OrderQty})
	}

	var sealer governor.Sealer
	if deps.Sealer != nil {
		sealer = deps.Sealer
	}
	var alerter governor.Alerter
	if deps.Notifier != nil {
		alerter = deps.Notifier
	}

	gov := governor.New(governor.Options{
		Caps:         caps,
		Pairs:        pairs,
		ControlStore: deps.Control,
		Incidents:    deps.Incidents,
		Positions:    deps.Positions,
		Prices:       deps.Prices,
		Audit:        deps.Audit,
		Bus:          deps.Bus,
		Sealer:       sealer,
		Alerter:      alerter,
		Breaker:      governor.NewBreaker(a.cfg.Risk.SpreadVolThresholdBps, a.cfg.Risk.QuoteStalenessMax.Duration),
		Stress:       governor.NewStressTester(a.cfg.Risk.StressShockPct, a.cfg.Risk.StressLimitUSD),
		DailyLoss:    governor.NewDailyLossTracker(a.cfg.Risk.DailyLossCapUSD),
		EvalInterval: a.cfg.Risk.EvalInterval.Duration,
		RescueWindow: a.cfg.Risk.RescueWindow.Duration,
		RescueTrips:  a.cfg.Risk.RescueTrips,
		Logger:       a.logger,
	})
	if err := gov.Start(ctx); err != nil {
		return nil, fmt.Errorf("start governor: %w", err)
	}

	wsURLs := make(map[domain.VenueName]string, len(a.cfg.Watchdog.WSProbeURLs))
	for venue, url := range a.cfg.Watchdog.WSProbeURLs {
		wsURLs[domain.VenueName(venue)] = url
	}
	watch := watchdog.New(watchdog.Options{
		Venues:        a.venues,
		Incidents:     gov,
		ProbeInterval: a.cfg.Watchdog.ProbeInterval.Duration,
		ProbeTimeout:  a.cfg.Watchdog.ProbeTimeout.Duration,
		WindowSize:    a.cfg.Watchdog.WindowSize.Duration,
		DownRate:      a.cfg.Watchdog.DownErrorRate,
		DegradedRate:  a.cfg.Watchdog.DegradedErrorRate,
		StableWindows: a.cfg.Watchdog.StableWindows,
		WSProbeURLs:   wsURLs,
		Logger:        a.logger,
	})
	// The watchdog raises incidents through the governor; the governor in
	// turn tightens caps for venues the watchdog marks DEGRADED.
	gov.BindHealth(watch)

	rec := recon.New(recon.Options{
		Venues:               a.venues,
		Pairs:                pairs,
		Positions:            deps.Positions,
		Intents:              deps.Intents,
		Audit:                deps.Audit,
		Incidents:            gov,
		Interval:             a.cfg.Recon.Interval.Duration,
		QtyTolerance:         a.cfg.Recon.QtyTolerance,
		NotionalToleranceUSD: a.cfg.Recon.NotionalToleranceUSD,
		Logger:               a.logger,
	})

	metrics := engine.NewMetrics(
		a.cfg.Engine.OrderCycleP95CeilingMs,
		a.cfg.Engine.HedgeLatencyP95CeilingMs,
	)
	eng := engine.New(engine.Options{
		Journal:           jnl,
		Governor:          gov,
		Plans:             deps.Plans,
		Venues:            a.venues,
		Locks:             deps.Locks,
		Limiter:           deps.Limiter,
		Health:            watch,
		Metrics:           metrics,
		RiskCaps:          caps,
		Mode:              domain.ExecMode(a.cfg.Engine.Mode),
		Strategy:          a.cfg.Engine.Strategy,
		MaxLatency:        time.Duration(a.cfg.Engine.MaxLatencyMs) * time.Millisecond,
		SlippageBudgetBps: a.cfg.Engine.SlippageBudgetBps,
		NeutralityUSD:     a.cfg.Engine.NeutralityToleranceUSD,
		LockTTL:           a.cfg.Engine.PairLockTTL.Duration,
		OrdersPerWindow:   a.cfg.Engine.OrdersPerWindow,
		RateWindow:        a.cfg.Engine.RateWindow.Duration,
		Logger:            a.logger,
	})

	return &runtime{journal: jnl, gov: gov, watch: watch, recon: rec, engine: eng, pairs: runs}, nil
}

func riskCaps(rc config.RiskConfig) domain.RiskCaps {
	return domain.RiskCaps{
		MaxTotalNotionalUSD:      rc.MaxTotalNotionalUSD,
		MaxOpenPositions:         rc.MaxOpenPositions,
		MaxExposurePerSymbolUSD:  rc.MaxExposurePerSymbolUSD,
		MaxExposurePerVenueUSD:   rc.MaxExposurePerVenueUSD,
		MaxLeveragePerVenue:      rc.MaxLeveragePerVenue,
		CrossVenueDeltaAbsMaxUSD: rc.CrossVenueDeltaAbsMaxUSD,
		DailyLossCapUSD:          rc.DailyLossCapUSD,
		StressShockPct:           rc.StressShockPct,
		StressLimitUSD:           rc.StressLimitUSD,
	}
}

// TradeMode runs the full stack: restart recovery, the risk/watchdog/recon
// loops, the market data feed, and the per-pair execution scan.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	rt, err := a.buildRuntime(ctx, deps)
	if err != nil {
		return fmt.Errorf("trade mode: %w", err)
	}

	// Restart safety first: resolve every in-flight intent before any new
	// order is considered.
	recovered, err := rt.journal.RecoverInflight(ctx)
	if err != nil {
		return fmt.Errorf("trade mode: recover inflight: %w", err)
	}
	if len(recovered) > 0 {
		a.logger.InfoContext(ctx, "recovered inflight intents", slog.Int("count", len(recovered)))
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return rt.gov.Run(ctx) })
	g.Go(func() error { return rt.watch.Run(ctx) })
	g.Go(func() error { return rt.recon.Run(ctx) })
	g.Go(func() error { return a.runMarkFeed(ctx, deps, rt.pairs) })
	g.Go(func() error { return a.watchControlChannel(ctx, deps) })
	g.Go(func() error { return a.runScanLoop(ctx, rt) })

	if deps.Archiver != nil && a.cfg.S3.RetentionDays > 0 {
		g.Go(func() error { return a.runArchiveLoop(ctx, deps) })
	}

	return g.Wait()
}

// MonitorMode runs the observation stack only: watchdog, reconciliation, risk
// evaluation, and the market data feed. No orders are placed.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	rt, err := a.buildRuntime(ctx, deps)
	if err != nil {
		return fmt.Errorf("monitor mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return rt.gov.Run(ctx) })
	g.Go(func() error { return rt.watch.Run(ctx) })
	g.Go(func() error { return rt.recon.Run(ctx) })
	g.Go(func() error { return a.runMarkFeed(ctx, deps, rt.pairs) })
	g.Go(func() error { return a.watchControlChannel(ctx, deps) })

	return g.Wait()
}

// RecoverMode resolves in-flight intents, runs one reconciliation pass, and
// exits. Intended for manual use after an unclean shutdown.
func (a *App) RecoverMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting recover mode")

	rt, err := a.buildRuntime(ctx, deps)
	if err != nil {
		return fmt.Errorf("recover mode: %w", err)
	}

	recovered, err := rt.journal.RecoverInflight(ctx)
	if err != nil {
		return fmt.Errorf("recover mode: recover inflight: %w", err)
	}
	for _, intent := range recovered {
		a.logger.InfoContext(ctx, "intent resolved",
			slog.String("intent_id", intent.ID),
			slog.String("client_id", intent.ClientID),
			slog.String("state", string(intent.State)),
			slog.Float64("filled_qty", intent.FilledQty),
		)
	}

	report, err := rt.recon.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("recover mode: reconcile: %w", err)
	}
	a.logger.InfoContext(ctx, "recovery complete",
		slog.Int("intents_resolved", len(recovered)),
		slog.Int("mismatches", len(report.Mismatches)),
		slog.Bool("clean", report.Clean()),
	)
	return nil
}

// runScanLoop attempts each configured pair on the scan interval. Rejections
// are the common case (no edge, halted, busy) and only logged; a rescue
// failure has already raised its P0 and killed trading, so the loop keeps
// running and subsequent attempts reject on control state.
func (a *App) runScanLoop(ctx context.Context, rt *runtime) error {
	interval := a.cfg.Engine.ScanInterval.Duration
	a.logger.InfoContext(ctx, "execution scan started",
		slog.Duration("interval", interval),
		slog.Int("pairs", len(rt.pairs)),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for _, run := range rt.pairs {
			result, err := rt.engine.Execute(ctx, run.pair, run.qty)
			if err != nil {
				var rescueErr *domain.RescueFailedError
				if errors.As(err, &rescueErr) {
					a.logger.ErrorContext(ctx, "rescue failed, trading killed",
						slog.String("pair", run.pair.Key()),
						slog.String("error", err.Error()),
					)
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				a.logger.ErrorContext(ctx, "execution attempt failed",
					slog.String("pair", run.pair.Key()),
					slog.String("error", err.Error()),
				)
				continue
			}

			switch result.Status {
			case domain.ExecStatusRejected:
				a.logger.DebugContext(ctx, "attempt rejected",
					slog.String("pair", run.pair.Key()),
					slog.String("kind", string(result.Reject.Kind)),
					slog.String("reason", result.Reject.Reason),
				)
			case domain.ExecStatusFailed:
				a.logger.WarnContext(ctx, "attempt failed without fill",
					slog.String("pair", run.pair.Key()),
				)
			case domain.ExecStatusDone, domain.ExecStatusSimulated, domain.ExecStatusRescued:
				a.logger.InfoContext(ctx, "attempt finished",
					slog.String("pair", run.pair.Key()),
					slog.String("status", string(result.Status)),
					slog.Float64("filled_qty", result.FilledQty),
					slog.Float64("hedged_qty", result.HedgedQty),
				)
			}
		}
	}
}

// runMarkFeed polls each pair leg's venue for mark price and top-of-book and
// publishes them into the caches the governor and selector read from.
func (a *App) runMarkFeed(ctx context.Context, deps *Dependencies, pairs []pairRun) error {
	type leg struct {
		venue  domain.VenueName
		symbol string
	}
	seen := map[leg]bool{}
	var legs []leg
	add := func(l domain.PairLeg) {
		k := leg{l.Venue, l.Symbol}
		if !seen[k] {
			seen[k] = true
			legs = append(legs, k)
		}
	}
	for _, run := range pairs {
		add(run.pair.Long)
		add(run.pair.Short)
		for _, alt := range run.pair.AltShortVenues {
			add(alt)
		}
	}

	ticker := time.NewTicker(a.cfg.Engine.ScanInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for _, l := range legs {
			adapter, ok := a.venues[l.venue]
			if !ok {
				continue
			}
			if mark, err := adapter.MarkPrice(ctx, l.symbol); err == nil && mark > 0 {
				if err := deps.Prices.SetMark(ctx, l.venue, l.symbol, mark, time.Now().UTC()); err != nil {
					a.logger.WarnContext(ctx, "mark cache write failed",
						slog.String("venue", string(l.venue)),
						slog.String("symbol", l.symbol),
						slog.String("error", err.Error()),
					)
				}
			}
			if top, err := adapter.BookTop(ctx, l.symbol); err == nil {
				_ = deps.Books.SetTop(ctx, top)
			}
		}
	}
}

// watchControlChannel logs control-state broadcasts so every replica's log
// carries the transition trail, not just the one that performed the write.
func (a *App) watchControlChannel(ctx context.Context, deps *Dependencies) error {
	ch, err := deps.Bus.Subscribe(ctx, controlChannel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", controlChannel, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			a.logger.InfoContext(ctx, "control state broadcast",
				slog.String("payload", string(payload)),
			)
		}
	}
}

// runArchiveLoop uploads journal records older than the retention cutoff to
// object storage once a day. Primary rows are never deleted.
func (a *App) runArchiveLoop(ctx context.Context, deps *Dependencies) error {
	run := func() {
		cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.S3.RetentionDays)
		count, err := deps.Archiver.ArchiveAll(ctx, cutoff)
		if err != nil {
			a.logger.ErrorContext(ctx, "journal archive failed",
				slog.Time("cutoff", cutoff),
				slog.String("error", err.Error()),
			)
			return
		}
		a.logger.InfoContext(ctx, "journal archive complete",
			slog.Time("cutoff", cutoff),
			slog.Int64("records", count),
		)
	}

	run()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			run()
		}
	}
}
