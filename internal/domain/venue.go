package domain

import (
	"context"
	"time"
)

// VenueName identifies a trading venue ("binance", "okx", ...).
type VenueName string

// SymbolFilters are the venue's trading constraints for a symbol.
type SymbolFilters struct {
	PriceStep   float64
	QtyStep     float64
	MinQty      float64
	MinNotional float64
}

// FeeSchedule is the maker/taker fee tier for a symbol, in basis points.
type FeeSchedule struct {
	MakerBps float64
	TakerBps float64
}

// FundingInfo describes the next funding event for a perpetual symbol.
type FundingInfo struct {
	Rate          float64
	NextFundingAt time.Time
	Interval      time.Duration
}

// BookTop is the best bid/ask of a symbol's orderbook.
type BookTop struct {
	Venue    VenueName
	Symbol   string
	BidPrice float64
	BidQty   float64
	AskPrice float64
	AskQty   float64
	At       time.Time
}

// Mid returns the midpoint price, or 0 when either side is empty.
func (b BookTop) Mid() float64 {
	if b.BidPrice <= 0 || b.AskPrice <= 0 {
		return 0
	}
	return (b.BidPrice + b.AskPrice) / 2
}

// VenuePosition is a venue's own view of an open position. Qty is signed:
// positive long, negative short.
type VenuePosition struct {
	Venue      VenueName
	Symbol     string
	Qty        float64
	EntryPrice float64
	MarkPrice  float64
	Leverage   int
	MarginMode string
}

// PlaceOrderRequest carries everything an adapter needs to submit one order.
// ClientID is the deterministic identifier the venue de-duplicates on.
type PlaceOrderRequest struct {
	ClientID    string
	Symbol      string
	Side        OrderSide
	Type        OrderType
	TimeInForce TimeInForce
	Price       float64 // ignored for market orders
	Qty         float64
	ReduceOnly  bool
	PostOnly    bool
}

// PlaceOrderResult is the venue's synchronous response to an order submission.
type PlaceOrderResult struct {
	VenueOrderID string
	Status       IntentState
	FilledQty    float64
	AvgFillPrice float64
	LastFillID   string
	FeeUSD       float64
}

// VenueOrder is a venue's view of an order, used when resolving in-flight
// intents after a restart.
type VenueOrder struct {
	VenueOrderID string
	ClientID     string
	Symbol       string
	Side         OrderSide
	Status       IntentState
	Qty          float64
	FilledQty    float64
	AvgFillPrice float64
	LastFillID   string
}

// VenueAdapter is the capability set the core requires from every venue.
// Implementations live outside this module; they own wire framing, signing,
// and connectivity retries with backoff. Calls must respect ctx deadlines.
type VenueAdapter interface {
	Name() VenueName

	Ping(ctx context.Context) (time.Duration, error)
	ServerTime(ctx context.Context) (time.Time, error)

	Filters(ctx context.Context, symbol string) (SymbolFilters, error)
	Fees(ctx context.Context, symbol string) (FeeSchedule, error)
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	BookTop(ctx context.Context, symbol string) (BookTop, error)
	FundingInfo(ctx context.Context, symbol string) (FundingInfo, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol, mode string) error

	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (PlaceOrderResult, error)
	CancelOrder(ctx context.Context, symbol, clientID string) error
	OrderByClientID(ctx context.Context, symbol, clientID string) (VenueOrder, error)
	OpenOrders(ctx context.Context, symbol string) ([]VenueOrder, error)
	Positions(ctx context.Context) ([]VenuePosition, error)
}
