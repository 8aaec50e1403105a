package recon

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openquant/hedgebot/internal/domain"
	"github.com/openquant/hedgebot/internal/store/memory"
	"github.com/openquant/hedgebot/internal/venue/paper"
)

type incidentRecorder struct {
	raised []domain.Incident
}

func (r *incidentRecorder) RaiseIncident(_ context.Context, inc domain.Incident) (domain.Incident, error) {
	r.raised = append(r.raised, inc)
	return inc, nil
}

type reconFixture struct {
	recon     *Reconciler
	long      *paper.Venue
	short     *paper.Venue
	positions domain.PositionStore
	intents   domain.IntentStore
	audit     *memory.AuditStore
	sink      *incidentRecorder
}

func newReconFixture(t *testing.T) *reconFixture {
	t.Helper()
	f := &reconFixture{
		long:      paper.New("binance"),
		short:     paper.New("okx"),
		positions: memory.NewPositionStore(),
		intents:   memory.NewIntentStore(),
		audit:     memory.NewAuditStore(),
		sink:      &incidentRecorder{},
	}
	book := domain.BookTop{Symbol: "BTCUSDT", BidPrice: 99, BidQty: 50, AskPrice: 100, AskQty: 50}
	f.long.SetBook(book)
	f.short.SetBook(book)
	f.recon = New(Options{
		Venues: map[domain.VenueName]domain.VenueAdapter{"binance": f.long, "okx": f.short},
		Pairs: []domain.ArbitragePair{{
			Long:  domain.PairLeg{Venue: "binance", Symbol: "BTCUSDT"},
			Short: domain.PairLeg{Venue: "okx", Symbol: "BTCUSDT"},
		}},
		Positions:            f.positions,
		Intents:              f.intents,
		Audit:                f.audit,
		Incidents:            f.sink,
		Interval:             time.Minute,
		QtyTolerance:         1e-3,
		NotionalToleranceUSD: 5,
		Logger:               slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

// fill executes a market order on the paper venue so its account state moves.
func (f *reconFixture) fill(t *testing.T, venue *paper.Venue, side domain.OrderSide, qty float64) {
	t.Helper()
	_, err := venue.PlaceOrder(context.Background(), domain.PlaceOrderRequest{
		ClientID: uuid.NewString(),
		Symbol:   "BTCUSDT",
		Side:     side,
		Type:     domain.OrderTypeMarket,
		Qty:      qty,
	})
	require.NoError(t, err)
}

func (f *reconFixture) journalPosition(t *testing.T, venue domain.VenueName, symbol string, qty, entry float64) {
	t.Helper()
	err := f.positions.Upsert(context.Background(), domain.Position{
		Venue:         venue,
		Symbol:        symbol,
		Qty:           qty,
		AvgEntryPrice: entry,
		UpdatedAt:     time.Now().UTC(),
	})
	require.NoError(t, err)
}

// hedgeBothLegs opens the pair's long and short and journals both, so the
// fixture starts from a delta-neutral book.
func (f *reconFixture) hedgeBothLegs(t *testing.T, qty float64) {
	t.Helper()
	f.fill(t, f.long, domain.OrderSideBuy, qty)
	f.journalPosition(t, "binance", "BTCUSDT", qty, 100)
	f.fill(t, f.short, domain.OrderSideSell, qty)
	f.journalPosition(t, "okx", "BTCUSDT", -qty, 99)
}

func TestReconcileCleanWhenViewsAgree(t *testing.T) {
	f := newReconFixture(t)
	f.hedgeBothLegs(t, 2)

	report, err := f.recon.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Empty(t, f.sink.raised)
}

func TestReconcileToleratesDust(t *testing.T) {
	f := newReconFixture(t)
	f.hedgeBothLegs(t, 2)
	// Within the qty tolerance.
	f.journalPosition(t, "binance", "BTCUSDT", 2.0005, 100)

	report, err := f.recon.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Clean())

	// Over the qty tolerance but under the notional floor: 0.01 * 100 = 1 USD.
	f.journalPosition(t, "binance", "BTCUSDT", 2.01, 100)
	report, err = f.recon.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Clean())
}

func TestReconcileFlagsQtyDivergence(t *testing.T) {
	f := newReconFixture(t)
	f.hedgeBothLegs(t, 2)
	// The venue filled one more unit than the journal ever recorded.
	f.fill(t, f.long, domain.OrderSideBuy, 1)

	report, err := f.recon.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Mismatches, 1)

	m := report.Mismatches[0]
	assert.Equal(t, 2.0, m.JournalQty)
	assert.Equal(t, 3.0, m.VenueQty)
	assert.InDelta(t, 1.0, m.DiffQty, 1e-9)
	assert.InDelta(t, 100.0, m.DiffUSD, 1e-9)
	assert.False(t, m.Unhedged)

	require.Len(t, f.sink.raised, 1)
	assert.Equal(t, domain.IncidentReconMismatch, f.sink.raised[0].Kind)
	assert.Equal(t, domain.SeverityP0, f.sink.raised[0].Severity)
}

func TestReconcileFlagsJournalOnlyPosition(t *testing.T) {
	f := newReconFixture(t)
	f.journalPosition(t, "binance", "ETHUSDT", 1.5, 2_000)

	report, err := f.recon.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Mismatches, 1)

	m := report.Mismatches[0]
	assert.Equal(t, "ETHUSDT", m.Symbol)
	assert.Equal(t, 1.5, m.JournalQty)
	assert.Equal(t, 0.0, m.VenueQty)
	assert.InDelta(t, 3_000, m.DiffUSD, 1e-9)
}

func TestReconcileFlagsUnhedgedPairLeg(t *testing.T) {
	f := newReconFixture(t)
	// Journal and venue agree on a lone 2.0 long; the short leg is flat
	// everywhere. Symbol-by-symbol the book reconciles, but the pair is
	// carrying naked directional exposure.
	f.fill(t, f.long, domain.OrderSideBuy, 2)
	f.journalPosition(t, "binance", "BTCUSDT", 2, 100)

	report, err := f.recon.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Mismatches, 1)

	m := report.Mismatches[0]
	assert.True(t, m.Unhedged)
	assert.Equal(t, domain.VenueName("binance"), m.Venue)
	assert.Equal(t, 2.0, m.JournalQty)
	assert.InDelta(t, 200.0, m.DiffUSD, 1e-9)

	require.Len(t, f.sink.raised, 1)
	assert.Equal(t, domain.IncidentReconMismatch, f.sink.raised[0].Kind)
	assert.Equal(t, domain.SeverityP0, f.sink.raised[0].Severity)
	assert.Contains(t, f.sink.raised[0].Summary, "unhedged directional exposure")
}

func TestReconcileFlagsUnhedgedShortLeg(t *testing.T) {
	f := newReconFixture(t)
	f.fill(t, f.short, domain.OrderSideSell, 1.5)
	f.journalPosition(t, "okx", "BTCUSDT", -1.5, 99)

	report, err := f.recon.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Mismatches, 1)

	m := report.Mismatches[0]
	assert.True(t, m.Unhedged)
	assert.Equal(t, domain.VenueName("okx"), m.Venue)
	assert.Equal(t, -1.5, m.JournalQty)
}

func TestReconcileFlagsOrphanOrder(t *testing.T) {
	f := newReconFixture(t)

	// An inflight intent seeds the symbols the reconciler inspects.
	err := f.intents.Create(context.Background(), domain.OrderIntent{
		ID:       uuid.NewString(),
		ClientID: "hb-aabbccddeeff00112233",
		Venue:    "binance",
		Symbol:   "BTCUSDT",
		Side:     domain.OrderSideBuy,
		State:    domain.IntentStatePending,
	})
	require.NoError(t, err)

	// A resting order the journal has never heard of.
	_, err = f.long.PlaceOrder(context.Background(), domain.PlaceOrderRequest{
		ClientID:    "mystery-1",
		Symbol:      "BTCUSDT",
		Side:        domain.OrderSideBuy,
		Type:        domain.OrderTypeLimit,
		TimeInForce: domain.TimeInForceGTC,
		Price:       95,
		Qty:         1,
	})
	require.NoError(t, err)

	report, rerr := f.recon.Reconcile(context.Background())
	require.NoError(t, rerr)
	require.Len(t, report.Mismatches, 1)
	assert.Equal(t, "mystery-1", report.Mismatches[0].OrphanOrder)

	require.Len(t, f.sink.raised, 1)
	assert.Contains(t, f.sink.raised[0].Summary, "unknown to the journal")
}

func TestApplyCorrectionOverwritesFromVenue(t *testing.T) {
	f := newReconFixture(t)
	f.fill(t, f.long, domain.OrderSideBuy, 2)

	require.NoError(t, f.positions.Upsert(context.Background(), domain.Position{
		Venue:         "binance",
		Symbol:        "BTCUSDT",
		Qty:           5,
		AvgEntryPrice: 90,
		RealizedPnL:   7,
	}))

	err := f.recon.ApplyCorrection(context.Background(), "binance", "BTCUSDT", "alice")
	require.NoError(t, err)

	pos, err := f.positions.Get(context.Background(), "binance", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2.0, pos.Qty)
	assert.Equal(t, 100.0, pos.AvgEntryPrice)
	assert.Equal(t, 7.0, pos.RealizedPnL, "realized PnL is journal history, not venue state")

	assert.Contains(t, f.audit.Events(), "position_corrected")
}

func TestApplyCorrectionFlattensWhenVenueIsFlat(t *testing.T) {
	f := newReconFixture(t)
	f.journalPosition(t, "binance", "BTCUSDT", 3, 100)

	err := f.recon.ApplyCorrection(context.Background(), "binance", "BTCUSDT", "alice")
	require.NoError(t, err)

	pos, err := f.positions.Get(context.Background(), "binance", "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, pos.Flat())
}

func TestApplyCorrectionUnknownVenue(t *testing.T) {
	f := newReconFixture(t)
	err := f.recon.ApplyCorrection(context.Background(), "ghost", "BTCUSDT", "alice")
	assert.Error(t, err)
}
