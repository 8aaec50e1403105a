package paper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openquant/hedgebot/internal/domain"
)

func newVenue(t *testing.T) *Venue {
	t.Helper()
	v := New("binance")
	v.SetBook(domain.BookTop{Symbol: "BTCUSDT", BidPrice: 99, BidQty: 5, AskPrice: 100, AskQty: 5})
	return v
}

func place(t *testing.T, v *Venue, req domain.PlaceOrderRequest) domain.PlaceOrderResult {
	t.Helper()
	res, err := v.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	return res
}

func TestCrossingLimitFills(t *testing.T) {
	v := newVenue(t)
	res := place(t, v, domain.PlaceOrderRequest{
		ClientID: "c1", Symbol: "BTCUSDT",
		Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit,
		TimeInForce: domain.TimeInForceIOC, Price: 100.5, Qty: 2,
	})
	assert.Equal(t, domain.IntentStateFilled, res.Status)
	assert.Equal(t, 2.0, res.FilledQty)
	assert.Equal(t, 100.0, res.AvgFillPrice, "taker pays the ask, not the limit")
	assert.InDelta(t, 2*100*5.0/10_000, res.FeeUSD, 1e-9)
	assert.NotEmpty(t, res.LastFillID)
}

func TestIOCPartialFillIsCanceled(t *testing.T) {
	v := newVenue(t)
	res := place(t, v, domain.PlaceOrderRequest{
		ClientID: "c1", Symbol: "BTCUSDT",
		Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit,
		TimeInForce: domain.TimeInForceIOC, Price: 100, Qty: 8,
	})
	assert.Equal(t, domain.IntentStateCanceled, res.Status)
	assert.Equal(t, 5.0, res.FilledQty, "only the displayed ask quantity fills")
}

func TestNonCrossingGTCRests(t *testing.T) {
	v := newVenue(t)
	res := place(t, v, domain.PlaceOrderRequest{
		ClientID: "c1", Symbol: "BTCUSDT",
		Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit,
		TimeInForce: domain.TimeInForceGTC, Price: 95, Qty: 1,
	})
	assert.Equal(t, domain.IntentStateAck, res.Status)
	assert.Equal(t, 0.0, res.FilledQty)

	open, err := v.OpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "c1", open[0].ClientID)

	require.NoError(t, v.CancelOrder(context.Background(), "BTCUSDT", "c1"))
	open, err = v.OpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestPostOnlyCrossingIsRejected(t *testing.T) {
	v := newVenue(t)
	res := place(t, v, domain.PlaceOrderRequest{
		ClientID: "c1", Symbol: "BTCUSDT",
		Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit,
		TimeInForce: domain.TimeInForceGTC, Price: 101, Qty: 1, PostOnly: true,
	})
	assert.Equal(t, domain.IntentStateRejected, res.Status)
	assert.Equal(t, 0.0, res.FilledQty)
}

func TestClientIDResubmitReturnsOriginal(t *testing.T) {
	v := newVenue(t)
	req := domain.PlaceOrderRequest{
		ClientID: "c1", Symbol: "BTCUSDT",
		Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Qty: 1,
	}
	first := place(t, v, req)
	second := place(t, v, req)
	assert.Equal(t, first.VenueOrderID, second.VenueOrderID)
	assert.Equal(t, first.FilledQty, second.FilledQty)

	positions, err := v.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 1.0, positions[0].Qty, "the duplicate does not fill twice")
}

func TestReduceOnlyClampsToPosition(t *testing.T) {
	v := newVenue(t)
	place(t, v, domain.PlaceOrderRequest{
		ClientID: "open", Symbol: "BTCUSDT",
		Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Qty: 2,
	})

	res := place(t, v, domain.PlaceOrderRequest{
		ClientID: "close", Symbol: "BTCUSDT",
		Side: domain.OrderSideSell, Type: domain.OrderTypeMarket, Qty: 5, ReduceOnly: true,
	})
	assert.Equal(t, 2.0, res.FilledQty, "reduce-only never opens the opposite side")

	positions, err := v.Positions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions, "flat positions are not reported")
}

func TestReduceOnlyOnOwnSideClosesNothing(t *testing.T) {
	v := newVenue(t)
	place(t, v, domain.PlaceOrderRequest{
		ClientID: "open", Symbol: "BTCUSDT",
		Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Qty: 2,
	})

	res := place(t, v, domain.PlaceOrderRequest{
		ClientID: "more", Symbol: "BTCUSDT",
		Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Qty: 1, ReduceOnly: true,
	})
	assert.Equal(t, domain.IntentStateCanceled, res.Status)
	assert.Equal(t, 0.0, res.FilledQty)
}

func TestPositionNetting(t *testing.T) {
	v := newVenue(t)
	place(t, v, domain.PlaceOrderRequest{
		ClientID: "b1", Symbol: "BTCUSDT",
		Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Qty: 2,
	})
	place(t, v, domain.PlaceOrderRequest{
		ClientID: "s1", Symbol: "BTCUSDT",
		Side: domain.OrderSideSell, Type: domain.OrderTypeMarket, Qty: 3,
	})

	positions, err := v.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, -1.0, positions[0].Qty)
	assert.Equal(t, 99.0, positions[0].EntryPrice, "flipping through flat restamps the entry")
}

func TestMarkPriceRequiresBook(t *testing.T) {
	v := newVenue(t)
	mark, err := v.MarkPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 99.5, mark, 1e-9)

	_, err = v.MarkPrice(context.Background(), "ETHUSDT")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOrderByClientID(t *testing.T) {
	v := newVenue(t)
	place(t, v, domain.PlaceOrderRequest{
		ClientID: "c1", Symbol: "BTCUSDT",
		Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Qty: 1,
	})

	order, err := v.OrderByClientID(context.Background(), "BTCUSDT", "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStateFilled, order.Status)

	_, err = v.OrderByClientID(context.Background(), "BTCUSDT", "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
