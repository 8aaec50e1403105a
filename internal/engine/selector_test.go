package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openquant/hedgebot/internal/domain"
	"github.com/openquant/hedgebot/internal/governor"
	"github.com/openquant/hedgebot/internal/store/memory"
	"github.com/openquant/hedgebot/internal/venue/paper"
)

// healthStub serves a fixed classification per venue; untracked venues are OK.
type healthStub map[domain.VenueName]domain.VenueStatus

func (h healthStub) Health(venue domain.VenueName) domain.VenueHealth {
	status, ok := h[venue]
	if !ok {
		status = domain.VenueOK
	}
	return domain.VenueHealth{Venue: venue, Status: status}
}

func newSelectorEngine(t *testing.T, venues map[domain.VenueName]domain.VenueAdapter, health HealthSource) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gov := governor.New(governor.Options{
		ControlStore: memory.NewControlStore(),
		Incidents:    memory.NewIncidentStore(),
		Positions:    memory.NewPositionStore(),
		Logger:       logger,
	})
	return New(Options{
		Governor: gov,
		Venues:   venues,
		Health:   health,
		RiskCaps: domain.RiskCaps{MaxExposurePerVenueUSD: 60_000},
		Logger:   logger,
	})
}

func hedgePair() domain.ArbitragePair {
	return domain.ArbitragePair{
		Long:           domain.PairLeg{Venue: "binance", Symbol: "BTCUSDT"},
		Short:          domain.PairLeg{Venue: "okx", Symbol: "BTCUSDT"},
		AltShortVenues: []domain.PairLeg{{Venue: "bybit", Symbol: "BTCUSDT"}},
	}
}

func TestSelectLegBPrefersDeeperBook(t *testing.T) {
	okx := paper.New("okx")
	okx.SetBook(domain.BookTop{Symbol: "BTCUSDT", BidPrice: 100.5, BidQty: 0.5, AskPrice: 100.7, AskQty: 10})
	bybit := paper.New("bybit")
	bybit.SetBook(domain.BookTop{Symbol: "BTCUSDT", BidPrice: 100.5, BidQty: 10, AskPrice: 100.7, AskQty: 10})

	e := newSelectorEngine(t, map[domain.VenueName]domain.VenueAdapter{"okx": okx, "bybit": bybit}, nil)

	choice, err := e.selectLegB(context.Background(), hedgePair(), 2)
	require.NoError(t, err)
	assert.Equal(t, domain.VenueName("bybit"), choice.Leg.Venue,
		"a book that absorbs the full size outranks the primary")
}

func TestSelectLegBSkipsDownVenue(t *testing.T) {
	okx := paper.New("okx")
	okx.SetBook(domain.BookTop{Symbol: "BTCUSDT", BidPrice: 100.5, BidQty: 10, AskPrice: 100.7, AskQty: 10})
	bybit := paper.New("bybit")
	bybit.SetBook(domain.BookTop{Symbol: "BTCUSDT", BidPrice: 100.4, BidQty: 10, AskPrice: 100.6, AskQty: 10})

	health := healthStub{"okx": domain.VenueDown}
	e := newSelectorEngine(t, map[domain.VenueName]domain.VenueAdapter{"okx": okx, "bybit": bybit}, health)

	choice, err := e.selectLegB(context.Background(), hedgePair(), 2)
	require.NoError(t, err)
	assert.Equal(t, domain.VenueName("bybit"), choice.Leg.Venue)
}

func TestSelectLegBFailsWithNoCandidates(t *testing.T) {
	okx := paper.New("okx")
	okx.SetBook(domain.BookTop{Symbol: "BTCUSDT", BidPrice: 100.5, BidQty: 10, AskPrice: 100.7, AskQty: 10})

	health := healthStub{"okx": domain.VenueDown, "bybit": domain.VenueDown}
	e := newSelectorEngine(t, map[domain.VenueName]domain.VenueAdapter{"okx": okx}, health)

	_, err := e.selectLegB(context.Background(), hedgePair(), 2)
	assert.Error(t, err)
}

func TestScoreCandidateComponents(t *testing.T) {
	book := domain.BookTop{Symbol: "BTCUSDT", BidPrice: 100, BidQty: 10}
	fees := domain.FeeSchedule{TakerBps: 5}
	caps := domain.RiskCaps{MaxExposurePerVenueUSD: 1_000}
	ok := domain.VenueHealth{Status: domain.VenueOK}

	full := scoreCandidate(book, fees, ok, domain.RiskSnapshot{}, caps, "okx", 2)

	// Less depth than the requested size lowers the score.
	thin := book
	thin.BidQty = 1
	assert.Less(t, scoreCandidate(thin, fees, ok, domain.RiskSnapshot{}, caps, "okx", 2), full)

	// A degraded venue scores below a healthy one, all else equal.
	degraded := domain.VenueHealth{Status: domain.VenueDegraded}
	assert.Less(t, scoreCandidate(book, fees, degraded, domain.RiskSnapshot{}, caps, "okx", 2), full)

	// Exposure already parked on the venue eats its headroom.
	used := domain.RiskSnapshot{PerVenueUSD: map[domain.VenueName]float64{"okx": 900}}
	assert.Less(t, scoreCandidate(book, fees, ok, used, caps, "okx", 2), full)

	// Cheaper fees score higher.
	cheap := domain.FeeSchedule{TakerBps: 1}
	assert.Greater(t, scoreCandidate(book, cheap, ok, domain.RiskSnapshot{}, caps, "okx", 2), full)
}
