// Package paper provides an in-memory venue adapter that matches orders
// against a seeded top-of-book. It lets the bot run full hedge cycles, the
// watchdog, and reconciliation without a real venue; production deployments
// inject real adapters implementing domain.VenueAdapter instead.
package paper

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/openquant/hedgebot/internal/domain"
)

// Venue is a simulated exchange. Orders fill synchronously against the last
// seeded book; there is no resting-order matching beyond post-only entries.
type Venue struct {
	name domain.VenueName

	mu         sync.Mutex
	books      map[string]domain.BookTop
	funding    map[string]domain.FundingInfo
	filters    domain.SymbolFilters
	fees       domain.FeeSchedule
	leverage   map[string]int
	marginMode map[string]string
	orders     map[string]*domain.VenueOrder
	positions  map[string]*domain.VenuePosition
	seq        int64
}

// New creates a paper venue with permissive default filters and a flat
// 2bps maker / 5bps taker fee schedule.
func New(name domain.VenueName) *Venue {
	return &Venue{
		name: name,
		books: make(map[string]domain.BookTop),
		funding: make(map[string]domain.FundingInfo),
		filters: domain.SymbolFilters{
			PriceStep:   0.01,
			QtyStep:     0.0001,
			MinQty:      0.0001,
			MinNotional: 1.0,
		},
		fees:       domain.FeeSchedule{MakerBps: 2, TakerBps: 5},
		leverage:   make(map[string]int),
		marginMode: make(map[string]string),
		orders:     make(map[string]*domain.VenueOrder),
		positions:  make(map[string]*domain.VenuePosition),
	}
}

// SetBook seeds the top-of-book the next orders will match against.
func (v *Venue) SetBook(top domain.BookTop) {
	v.mu.Lock()
	defer v.mu.Unlock()
	top.Venue = v.name
	if top.At.IsZero() {
		top.At = time.Now().UTC()
	}
	v.books[top.Symbol] = top
}

// SetFunding seeds the funding schedule returned for a symbol.
func (v *Venue) SetFunding(symbol string, info domain.FundingInfo) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.funding[symbol] = info
}

// SetFees overrides the default fee schedule.
func (v *Venue) SetFees(fees domain.FeeSchedule) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fees = fees
}

func (v *Venue) Name() domain.VenueName { return v.name }

func (v *Venue) Ping(ctx context.Context) (time.Duration, error) {
	return time.Millisecond, ctx.Err()
}

func (v *Venue) ServerTime(ctx context.Context) (time.Time, error) {
	return time.Now().UTC(), ctx.Err()
}

func (v *Venue) Filters(ctx context.Context, symbol string) (domain.SymbolFilters, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.filters, nil
}

func (v *Venue) Fees(ctx context.Context, symbol string) (domain.FeeSchedule, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fees, nil
}

func (v *Venue) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	book, ok := v.books[symbol]
	if !ok || book.Mid() <= 0 {
		return 0, fmt.Errorf("paper: mark %s %s: %w", v.name, symbol, domain.ErrNotFound)
	}
	return book.Mid(), nil
}

func (v *Venue) BookTop(ctx context.Context, symbol string) (domain.BookTop, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	book, ok := v.books[symbol]
	if !ok {
		return domain.BookTop{}, fmt.Errorf("paper: book %s %s: %w", v.name, symbol, domain.ErrNotFound)
	}
	return book, nil
}

func (v *Venue) FundingInfo(ctx context.Context, symbol string) (domain.FundingInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if info, ok := v.funding[symbol]; ok {
		return info, nil
	}
	return domain.FundingInfo{
		NextFundingAt: time.Now().UTC().Add(8 * time.Hour),
		Interval:      8 * time.Hour,
	}, nil
}

func (v *Venue) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.leverage[symbol] = leverage
	return nil
}

func (v *Venue) SetMarginMode(ctx context.Context, symbol, mode string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.marginMode[symbol] = mode
	return nil
}

// PlaceOrder matches the request against the seeded book. Resubmitting a
// client identifier the venue has already seen returns the original order's
// state, mirroring real venue client-ID deduplication.
func (v *Venue) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (domain.PlaceOrderResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.PlaceOrderResult{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if existing, ok := v.orders[req.ClientID]; ok {
		return resultFromOrder(existing), nil
	}

	v.seq++
	order := &domain.VenueOrder{
		VenueOrderID: fmt.Sprintf("%s-%d", v.name, v.seq),
		ClientID:     req.ClientID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Qty:          req.Qty,
	}
	v.orders[req.ClientID] = order

	book := v.books[req.Symbol]
	price, avail := v.matchable(book, req)

	qty := req.Qty
	if req.ReduceOnly {
		qty = math.Min(qty, v.reducible(req.Symbol, req.Side))
	}

	if req.PostOnly && price > 0 {
		// Would cross: post-only orders are rejected instead of taking.
		order.Status = domain.IntentStateRejected
		return resultFromOrder(order), nil
	}

	if price <= 0 || qty <= 0 {
		if req.TimeInForce == domain.TimeInForceIOC || req.Type == domain.OrderTypeMarket {
			order.Status = domain.IntentStateCanceled
		} else {
			order.Status = domain.IntentStateAck // resting
		}
		return resultFromOrder(order), nil
	}

	filled := qty
	if req.Type != domain.OrderTypeMarket && avail > 0 {
		filled = math.Min(qty, avail)
	}

	order.FilledQty = filled
	order.AvgFillPrice = price
	order.LastFillID = order.VenueOrderID + ":1"
	if filled >= req.Qty-1e-12 {
		order.Status = domain.IntentStateFilled
	} else if req.TimeInForce == domain.TimeInForceIOC || req.Type == domain.OrderTypeMarket {
		order.Status = domain.IntentStateCanceled
	} else {
		order.Status = domain.IntentStatePartial
	}

	v.applyFill(req.Symbol, req.Side, filled, price)

	res := resultFromOrder(order)
	res.FeeUSD = filled * price * v.fees.TakerBps / 10_000
	return res, nil
}

// matchable returns the executable price and the displayed quantity at it,
// or 0 when the request does not cross the book.
func (v *Venue) matchable(book domain.BookTop, req domain.PlaceOrderRequest) (price, avail float64) {
	if req.Side == domain.OrderSideBuy {
		if book.AskPrice <= 0 {
			return 0, 0
		}
		if req.Type == domain.OrderTypeMarket || req.Price >= book.AskPrice {
			return book.AskPrice, book.AskQty
		}
		return 0, 0
	}
	if book.BidPrice <= 0 {
		return 0, 0
	}
	if req.Type == domain.OrderTypeMarket || req.Price <= book.BidPrice {
		return book.BidPrice, book.BidQty
	}
	return 0, 0
}

// reducible returns how much of the current position the given side can
// close. A reduce-only order on the position's own side closes nothing.
func (v *Venue) reducible(symbol string, side domain.OrderSide) float64 {
	pos, ok := v.positions[symbol]
	if !ok {
		return 0
	}
	if side == domain.OrderSideSell && pos.Qty > 0 {
		return pos.Qty
	}
	if side == domain.OrderSideBuy && pos.Qty < 0 {
		return -pos.Qty
	}
	return 0
}

func (v *Venue) applyFill(symbol string, side domain.OrderSide, qty, price float64) {
	pos, ok := v.positions[symbol]
	if !ok {
		pos = &domain.VenuePosition{
			Venue:      v.name,
			Symbol:     symbol,
			Leverage:   v.leverage[symbol],
			MarginMode: v.marginMode[symbol],
		}
		v.positions[symbol] = pos
	}

	signed := qty
	if side == domain.OrderSideSell {
		signed = -qty
	}

	newQty := pos.Qty + signed
	switch {
	case pos.Qty == 0 || (pos.Qty > 0) == (signed > 0):
		pos.EntryPrice = (pos.EntryPrice*math.Abs(pos.Qty) + price*qty) / math.Abs(newQty)
	case math.Abs(newQty) < 1e-12:
		newQty = 0
		pos.EntryPrice = 0
	case (newQty > 0) != (pos.Qty > 0):
		pos.EntryPrice = price // flipped through flat
	}
	pos.Qty = newQty
	pos.MarkPrice = price
}

func (v *Venue) CancelOrder(ctx context.Context, symbol, clientID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	order, ok := v.orders[clientID]
	if !ok {
		return fmt.Errorf("paper: cancel %s: %w", clientID, domain.ErrNotFound)
	}
	if !order.Status.Terminal() {
		order.Status = domain.IntentStateCanceled
	}
	return nil
}

func (v *Venue) OrderByClientID(ctx context.Context, symbol, clientID string) (domain.VenueOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	order, ok := v.orders[clientID]
	if !ok {
		return domain.VenueOrder{}, fmt.Errorf("paper: order %s: %w", clientID, domain.ErrNotFound)
	}
	return *order, nil
}

func (v *Venue) OpenOrders(ctx context.Context, symbol string) ([]domain.VenueOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var open []domain.VenueOrder
	for _, order := range v.orders {
		if order.Symbol != symbol || order.Status.Terminal() {
			continue
		}
		open = append(open, *order)
	}
	return open, nil
}

func (v *Venue) Positions(ctx context.Context) ([]domain.VenuePosition, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.VenuePosition, 0, len(v.positions))
	for _, pos := range v.positions {
		if math.Abs(pos.Qty) < 1e-12 {
			continue
		}
		out = append(out, *pos)
	}
	return out, nil
}

func resultFromOrder(o *domain.VenueOrder) domain.PlaceOrderResult {
	return domain.PlaceOrderResult{
		VenueOrderID: o.VenueOrderID,
		Status:       o.Status,
		FilledQty:    o.FilledQty,
		AvgFillPrice: o.AvgFillPrice,
		LastFillID:   o.LastFillID,
	}
}

var _ domain.VenueAdapter = (*Venue)(nil)
