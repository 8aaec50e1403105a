package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openquant/hedgebot/internal/domain"
	"github.com/openquant/hedgebot/internal/governor"
	"github.com/openquant/hedgebot/internal/journal"
	"github.com/openquant/hedgebot/internal/store/memory"
	"github.com/openquant/hedgebot/internal/venue/paper"
)

const testStrategy = "xvenue_hedge"

// flakyVenue wraps the paper venue to fail specific order classes, for the
// failure branches the simulator would otherwise never take.
type flakyVenue struct {
	*paper.Venue
	failReduceOnly bool
}

func (v *flakyVenue) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (domain.PlaceOrderResult, error) {
	if v.failReduceOnly && req.ReduceOnly {
		return domain.PlaceOrderResult{}, errors.New("position side mismatch")
	}
	return v.Venue.PlaceOrder(ctx, req)
}

type engineFixture struct {
	engine    *Engine
	gov       *governor.Governor
	breaker   *governor.Breaker
	journal   *journal.Journal
	intents   *memory.IntentStore
	positions *memory.PositionStore
	incidents *memory.IncidentStore
	plans     *memory.PlanStore
	locks     *memory.LockManager
	limiter   *memory.RateLimiter
	long      *paper.Venue
	short     *paper.Venue
	pair      domain.ArbitragePair
}

func testPair() domain.ArbitragePair {
	return domain.ArbitragePair{
		Long:           domain.PairLeg{Venue: "binance", Symbol: "BTCUSDT"},
		Short:          domain.PairLeg{Venue: "okx", Symbol: "BTCUSDT"},
		MinEdgeBps:     5,
		MaxSlippageBps: 3,
		Leverage:       2,
		MarginMode:     "cross",
	}
}

// newEngineFixture builds a full execution stack over in-memory stores and
// paper venues. The default books leave a comfortable edge on the pair; the
// governor starts in RUN via the two-operator path.
func newEngineFixture(t *testing.T, mode domain.ExecMode, venues map[domain.VenueName]domain.VenueAdapter) *engineFixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &engineFixture{
		long:      paper.New("binance"),
		short:     paper.New("okx"),
		intents:   memory.NewIntentStore(),
		positions: memory.NewPositionStore(),
		incidents: memory.NewIncidentStore(),
		plans:     memory.NewPlanStore(),
		locks:     memory.NewLockManager(),
		limiter:   memory.NewRateLimiter(),
		pair:      testPair(),
	}
	f.long.SetBook(domain.BookTop{Symbol: "BTCUSDT", BidPrice: 99.8, BidQty: 50, AskPrice: 100.0, AskQty: 50})
	f.short.SetBook(domain.BookTop{Symbol: "BTCUSDT", BidPrice: 100.5, BidQty: 50, AskPrice: 100.7, AskQty: 50})

	if venues == nil {
		venues = map[domain.VenueName]domain.VenueAdapter{
			"binance": f.long,
			"okx":     f.short,
		}
	}

	f.journal = journal.New(f.intents, memory.NewFillStore(), f.positions, memory.NewAuditStore(), venues, logger)

	caps := domain.RiskCaps{
		MaxTotalNotionalUSD:      100_000,
		MaxOpenPositions:         8,
		MaxExposurePerSymbolUSD:  25_000,
		MaxExposurePerVenueUSD:   60_000,
		MaxLeveragePerVenue:      5,
		CrossVenueDeltaAbsMaxUSD: 500,
		DailyLossCapUSD:          1_000_000,
		StressShockPct:           0.10,
		StressLimitUSD:           1_000_000,
	}
	// A breaker that only trips when told to, so execution tests control it.
	f.breaker = governor.NewBreaker(1e9, time.Hour)
	f.gov = governor.New(governor.Options{
		Caps:         caps,
		ControlStore: memory.NewControlStore(),
		Incidents:    f.incidents,
		Positions:    f.positions,
		Prices:       memory.NewPriceCache(),
		Audit:        memory.NewAuditStore(),
		Breaker:      f.breaker,
		Stress:       governor.NewStressTester(0.10, 1_000_000),
		DailyLoss:    governor.NewDailyLossTracker(1_000_000),
		RescueWindow: 10 * time.Minute,
		RescueTrips:  2,
		Logger:       logger,
	})
	require.NoError(t, f.gov.Start(ctx))

	f.engine = New(Options{
		Journal:           f.journal,
		Governor:          f.gov,
		Plans:             f.plans,
		Venues:            venues,
		Locks:             f.locks,
		Limiter:           f.limiter,
		Metrics:           NewMetrics(2_500, 2_000),
		RiskCaps:          caps,
		Mode:              mode,
		Strategy:          testStrategy,
		MaxLatency:        1500 * time.Millisecond,
		SlippageBudgetBps: 3,
		NeutralityUSD:     5,
		LockTTL:           30 * time.Second,
		OrdersPerWindow:   100,
		RateWindow:        time.Second,
		Logger:            logger,
	})
	return f
}

func (f *engineFixture) run(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	token, err := f.gov.RequestResume(ctx, "test setup", "alice")
	require.NoError(t, err)
	_, err = f.gov.ApproveResume(ctx, "alice", token)
	require.NoError(t, err)
	state, err := f.gov.ApproveResume(ctx, "bob", token)
	require.NoError(t, err)
	require.Equal(t, domain.ModeRun, state.Mode)
}

func TestExecuteHedgesBothLegs(t *testing.T) {
	f := newEngineFixture(t, domain.ExecModeIOC, nil)
	f.run(t)
	ctx := context.Background()

	res, err := f.engine.Execute(ctx, f.pair, 2)
	require.NoError(t, err)

	assert.Equal(t, domain.ExecStatusDone, res.Status)
	assert.Equal(t, 2.0, res.FilledQty)
	assert.Equal(t, 2.0, res.HedgedQty)
	require.NotNil(t, res.Plan)
	assert.Equal(t, domain.PlanStateDone, res.Plan.State)
	assert.Len(t, res.Plan.IntentIDs, 2)
	require.NotNil(t, res.Preflight)
	assert.True(t, res.Preflight.OK)

	// Journal-derived exposure is delta neutral.
	long, err := f.positions.Get(ctx, "binance", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2.0, long.Qty)
	short, err := f.positions.Get(ctx, "okx", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, -2.0, short.Qty)

	// The plan is the persisted audit trail of the attempt.
	saved, err := f.engine.LastPlan(ctx, f.pair.Key())
	require.NoError(t, err)
	assert.Equal(t, res.Plan.ID, saved.ID)
	assert.Equal(t, domain.PlanStateDone, saved.State)
	require.NotNil(t, saved.CompletedAt)
}

func TestExecuteRejectsWhenHalted(t *testing.T) {
	f := newEngineFixture(t, domain.ExecModeIOC, nil)
	// Governor starts in HOLD; no resume.
	res, err := f.engine.Execute(context.Background(), f.pair, 2)
	require.NoError(t, err)
	require.NotNil(t, res.Reject)
	assert.Equal(t, domain.RejectHalted, res.Reject.Kind)

	inflight, err := f.intents.ListInflight(context.Background())
	require.NoError(t, err)
	assert.Empty(t, inflight, "a halted attempt must not touch a venue")
}

func TestExecuteRejectsTrippedPair(t *testing.T) {
	f := newEngineFixture(t, domain.ExecModeIOC, nil)
	f.run(t)
	f.breaker.Trip(f.pair.Key(), "repeated rescues")

	res, err := f.engine.Execute(context.Background(), f.pair, 2)
	require.NoError(t, err)
	require.NotNil(t, res.Reject)
	assert.Equal(t, domain.RejectRiskCap, res.Reject.Kind)
	assert.Equal(t, "circuit_breaker", res.Reject.Cap)
}

func TestExecuteRejectsWhenPairBusy(t *testing.T) {
	f := newEngineFixture(t, domain.ExecModeIOC, nil)
	f.run(t)
	ctx := context.Background()

	unlock, err := f.locks.Acquire(ctx, "pair:"+f.pair.Key(), time.Minute)
	require.NoError(t, err)
	defer unlock()

	res, err := f.engine.Execute(ctx, f.pair, 2)
	require.NoError(t, err)
	require.NotNil(t, res.Reject)
	assert.Equal(t, domain.RejectPairBusy, res.Reject.Kind)
}

func TestExecuteRejectsWhenRateLimited(t *testing.T) {
	f := newEngineFixture(t, domain.ExecModeIOC, nil)
	f.run(t)
	ctx := context.Background()

	// Exhaust the strategy's order budget for this window.
	for i := 0; i < 100; i++ {
		_, err := f.limiter.Allow(ctx, "orders:"+testStrategy, 100, time.Minute)
		require.NoError(t, err)
	}

	res, err := f.engine.Execute(ctx, f.pair, 2)
	require.NoError(t, err)
	require.NotNil(t, res.Reject)
	assert.Equal(t, domain.RejectRateLimit, res.Reject.Kind)
}

func TestExecuteRejectsThinEdge(t *testing.T) {
	f := newEngineFixture(t, domain.ExecModeIOC, nil)
	f.run(t)
	ctx := context.Background()

	// Gross edge 150/100075 is 14.99bps; minus 8.6bps fees and the 3bps
	// slippage budget that is 3.39bps, below the pair's 6bps minimum.
	f.long.SetBook(domain.BookTop{Symbol: "BTCUSDT", BidPrice: 99_990, BidQty: 50, AskPrice: 100_000, AskQty: 50})
	f.short.SetBook(domain.BookTop{Symbol: "BTCUSDT", BidPrice: 100_150, BidQty: 50, AskPrice: 100_160, AskQty: 50})
	f.long.SetFees(domain.FeeSchedule{MakerBps: 1, TakerBps: 4.3})
	f.short.SetFees(domain.FeeSchedule{MakerBps: 1, TakerBps: 4.3})
	pair := f.pair
	pair.MinEdgeBps = 6

	res, err := f.engine.Execute(ctx, pair, 0.001)
	require.NoError(t, err)
	require.NotNil(t, res.Reject)
	assert.Equal(t, domain.RejectPreflight, res.Reject.Kind)
	assert.Equal(t, domain.CheckEdge, res.Reject.Check)
	require.NotNil(t, res.Preflight)
	assert.InDelta(t, 3.39, res.Preflight.EdgeBps, 0.01)

	inflight, err := f.intents.ListInflight(ctx)
	require.NoError(t, err)
	assert.Empty(t, inflight, "a failed preflight places nothing")

	plan, err := f.engine.LastPlan(ctx, pair.Key())
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStateFailed, plan.State)
}

func TestExecuteSafeModeSimulates(t *testing.T) {
	f := newEngineFixture(t, domain.ExecModeIOC, nil)
	f.run(t)
	ctx := context.Background()
	require.NoError(t, f.gov.SetSafeMode(ctx, true))

	res, err := f.engine.Execute(ctx, f.pair, 2)
	require.NoError(t, err)

	assert.Equal(t, domain.ExecStatusSimulated, res.Status)
	require.NotNil(t, res.Plan)
	assert.True(t, res.Plan.Simulated)
	assert.Empty(t, res.Plan.IntentIDs, "safe mode stops after preflight")
}

func TestExecuteRescuesUnhedgedRemainder(t *testing.T) {
	f := newEngineFixture(t, domain.ExecModeIOC, nil)
	f.run(t)
	ctx := context.Background()

	// The hedge book only absorbs a quarter of the entry size.
	f.short.SetBook(domain.BookTop{Symbol: "BTCUSDT", BidPrice: 100.5, BidQty: 0.5, AskPrice: 100.7, AskQty: 50})

	res, err := f.engine.Execute(ctx, f.pair, 2)
	require.NoError(t, err)

	assert.Equal(t, domain.ExecStatusRescued, res.Status)
	assert.Equal(t, 2.0, res.FilledQty)
	assert.Equal(t, 0.5, res.HedgedQty)
	require.NotNil(t, res.Plan)
	assert.Equal(t, domain.PlanStateRescued, res.Plan.State)
	assert.Len(t, res.Plan.IntentIDs, 3, "entry, partial hedge, rescue")

	// The rescue closed the unhedged 1.5 on the entry venue.
	long, err := f.positions.Get(ctx, "binance", "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, long.Qty, 1e-9)

	open, err := f.incidents.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, domain.IncidentLegBFailed, open[0].Kind)
	assert.Equal(t, domain.SeverityP0, open[0].Severity)

	// Even a clean rescue halts trading until an operator reviews why the
	// hedge leg could not be completed.
	assert.Equal(t, domain.ModeHold, f.gov.Control().Mode)
	assert.Equal(t, domain.IncidentLegBFailed, f.gov.Control().HoldReason)
}

func TestExecutePartialEntryResizesHedge(t *testing.T) {
	f := newEngineFixture(t, domain.ExecModeIOC, nil)
	f.run(t)
	ctx := context.Background()

	// The entry book only has 0.6 at the ask, so the IOC entry part-fills
	// and the hedge must be sized to the actual fill, not the request.
	f.long.SetBook(domain.BookTop{Symbol: "BTCUSDT", BidPrice: 99.8, BidQty: 50, AskPrice: 100.0, AskQty: 0.6})

	res, err := f.engine.Execute(ctx, f.pair, 2)
	require.NoError(t, err)

	assert.Equal(t, domain.ExecStatusDone, res.Status)
	assert.InDelta(t, 0.6, res.FilledQty, 1e-9)
	assert.InDelta(t, 0.6, res.HedgedQty, 1e-9)

	intents, err := f.intents.ListByPlan(ctx, res.Plan.ID)
	require.NoError(t, err)
	var hedge *domain.OrderIntent
	for i := range intents {
		if intents[i].Side == domain.OrderSideSell {
			hedge = &intents[i]
		}
	}
	require.NotNil(t, hedge)
	assert.InDelta(t, 0.6, hedge.Qty, 1e-9, "the hedge is placed for exactly the entry fill")

	long, err := f.positions.Get(ctx, "binance", "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 0.6, long.Qty, 1e-9)
	short, err := f.positions.Get(ctx, "okx", "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, -0.6, short.Qty, 1e-9)
}

func TestExecuteFailedRescueForcesKill(t *testing.T) {
	long := &flakyVenue{Venue: paper.New("binance"), failReduceOnly: true}
	short := paper.New("okx")
	venues := map[domain.VenueName]domain.VenueAdapter{"binance": long, "okx": short}

	f := newEngineFixture(t, domain.ExecModeIOC, venues)
	long.SetBook(domain.BookTop{Symbol: "BTCUSDT", BidPrice: 99.8, BidQty: 50, AskPrice: 100.0, AskQty: 50})
	short.SetBook(domain.BookTop{Symbol: "BTCUSDT", BidPrice: 100.5, BidQty: 0.5, AskPrice: 100.7, AskQty: 50})
	f.run(t)
	ctx := context.Background()

	res, err := f.engine.Execute(ctx, f.pair, 2)
	require.Error(t, err)

	var rescueErr *domain.RescueFailedError
	require.ErrorAs(t, err, &rescueErr)
	assert.Equal(t, f.pair.Key(), rescueErr.Pair)
	assert.Equal(t, domain.ExecStatusFailed, res.Status)

	assert.Equal(t, domain.ModeKill, f.gov.Control().Mode,
		"unable to shed risk automatically: kill switch")

	open, err := f.incidents.ListOpen(ctx)
	require.NoError(t, err)
	kinds := make([]string, len(open))
	for i, inc := range open {
		kinds[i] = inc.Kind
	}
	assert.Contains(t, kinds, domain.IncidentRescueFailed)
}

func TestExecuteMakerFallbackCancelsRestingEntry(t *testing.T) {
	f := newEngineFixture(t, domain.ExecModeMakerFallback, nil)
	f.run(t)
	ctx := context.Background()

	res, err := f.engine.Execute(ctx, f.pair, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecStatusDone, res.Status)

	// The post-only bid rested, was canceled, and the taker retry filled.
	intents, err := f.intents.ListByPlan(ctx, res.Plan.ID)
	require.NoError(t, err)
	require.Len(t, intents, 3)

	var maker, taker *domain.OrderIntent
	for i := range intents {
		switch {
		case intents[i].PostOnly:
			maker = &intents[i]
		case intents[i].Side == domain.OrderSideBuy:
			taker = &intents[i]
		}
	}
	require.NotNil(t, maker)
	require.NotNil(t, taker)
	assert.Equal(t, domain.IntentStateCanceled, maker.State)
	assert.Equal(t, domain.TimeInForceGTC, maker.TimeInForce)
	assert.Equal(t, domain.IntentStateFilled, taker.State)
	assert.Equal(t, domain.TimeInForceIOC, taker.TimeInForce)
}

func TestFlattenClosesVenueExposure(t *testing.T) {
	f := newEngineFixture(t, domain.ExecModeIOC, nil)
	f.run(t)
	ctx := context.Background()

	_, err := f.engine.Execute(ctx, f.pair, 2)
	require.NoError(t, err)

	results, err := f.engine.Flatten(ctx, "binance", "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 2.0, results[0].ClosedQty)
	assert.InDelta(t, 0, results[0].Remaining, 1e-9)

	pos, err := f.positions.Get(ctx, "binance", "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, pos.Flat())

	// The short venue is untouched.
	short, err := f.positions.Get(ctx, "okx", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, -2.0, short.Qty)

	// Flattening is the way out, not a pause: trading stays halted after.
	assert.Equal(t, domain.ModeHold, f.gov.Control().Mode)
	assert.Equal(t, "flatten", f.gov.Control().HoldReason)
}

func TestFlattenKeepsKillMode(t *testing.T) {
	f := newEngineFixture(t, domain.ExecModeIOC, nil)
	f.run(t)
	ctx := context.Background()

	_, err := f.engine.Execute(ctx, f.pair, 2)
	require.NoError(t, err)
	require.NoError(t, f.gov.Kill(ctx, "operator kill"))

	_, err = f.engine.Flatten(ctx, "binance", "")
	require.NoError(t, err)
	assert.Equal(t, domain.ModeKill, f.gov.Control().Mode, "KILL never downgrades to HOLD")
}

func TestPreviewSimulatesWithoutMutation(t *testing.T) {
	f := newEngineFixture(t, domain.ExecModeIOC, nil)
	ctx := context.Background()

	// The governor is still in its initial HOLD; a preview is a read-only
	// question and must work anyway.
	before := f.gov.Control()

	res, err := f.engine.Preview(ctx, f.pair, 2)
	require.NoError(t, err)

	assert.Equal(t, domain.ExecStatusSimulated, res.Status)
	require.NotNil(t, res.Plan)
	assert.True(t, res.Plan.Simulated)
	assert.Empty(t, res.Plan.IntentIDs)
	require.NotNil(t, res.Preflight)
	assert.True(t, res.Preflight.OK)
	assert.Greater(t, res.Preflight.EdgeBps, 0.0)

	inflight, err := f.intents.ListInflight(ctx)
	require.NoError(t, err)
	assert.Empty(t, inflight, "a preview never touches a venue")

	after := f.gov.Control()
	assert.Equal(t, before.Mode, after.Mode)
	assert.Equal(t, before.Version, after.Version, "a preview never writes control state")

	_, err = f.engine.LastPlan(ctx, f.pair.Key())
	assert.ErrorIs(t, err, domain.ErrNotFound, "preview plans are not persisted")
}

func TestPreviewEdgeIncludesFundingDifferential(t *testing.T) {
	f := newEngineFixture(t, domain.ExecModeIOC, nil)
	ctx := context.Background()

	res, err := f.engine.Preview(ctx, f.pair, 2)
	require.NoError(t, err)
	require.NotNil(t, res.Preflight)
	base := res.Preflight.EdgeBps

	// The short leg pays us 3bps of funding more than the long leg costs;
	// the edge improves by exactly the differential.
	next := time.Now().UTC().Add(8 * time.Hour)
	f.long.SetFunding("BTCUSDT", domain.FundingInfo{Rate: 0.0001, NextFundingAt: next, Interval: 8 * time.Hour})
	f.short.SetFunding("BTCUSDT", domain.FundingInfo{Rate: 0.0004, NextFundingAt: next, Interval: 8 * time.Hour})

	res, err = f.engine.Preview(ctx, f.pair, 2)
	require.NoError(t, err)
	require.NotNil(t, res.Preflight)
	assert.InDelta(t, base+3, res.Preflight.EdgeBps, 1e-9)
}
