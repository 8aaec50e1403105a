package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType is the price semantics of an order.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// TimeInForce is the lifetime policy of an order.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// IntentState tracks the order intent lifecycle.
//
//	NEW → PENDING → ACK → {PARTIAL → FILLED | CANCELED | REJECTED | EXPIRED}
type IntentState string

const (
	IntentStateNew      IntentState = "new"
	IntentStatePending  IntentState = "pending"
	IntentStateAck      IntentState = "ack"
	IntentStatePartial  IntentState = "partial"
	IntentStateFilled   IntentState = "filled"
	IntentStateCanceled IntentState = "canceled"
	IntentStateRejected IntentState = "rejected"
	IntentStateExpired  IntentState = "expired"
)

// Terminal reports whether no further transitions are possible.
func (s IntentState) Terminal() bool {
	switch s {
	case IntentStateFilled, IntentStateCanceled, IntentStateRejected, IntentStateExpired:
		return true
	}
	return false
}

// Inflight reports whether the intent may still be live on the venue and must
// be resolved on restart.
func (s IntentState) Inflight() bool {
	switch s {
	case IntentStatePending, IntentStateAck, IntentStatePartial:
		return true
	}
	return false
}

// OrderIntent is the durable unit of the order journal. It is owned
// exclusively by the journal; other components read it and request
// transitions through journal operations. Intents are never deleted.
type OrderIntent struct {
	ID           string // UUID
	ClientID     string // deterministic, venue-deduplicated
	PlanID       string // execution plan this intent belongs to
	Venue        VenueName
	Symbol       string
	Side         OrderSide
	Type         OrderType
	TimeInForce  TimeInForce
	Price        float64 // 0 for market
	Qty          float64
	ReduceOnly   bool
	PostOnly     bool
	State        IntentState
	FilledQty    float64
	AvgFillPrice float64
	LastFillID   string
	VenueOrderID string
	Strategy     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Remaining returns the unfilled quantity.
func (o OrderIntent) Remaining() float64 {
	r := o.Qty - o.FilledQty
	if r < 0 {
		return 0
	}
	return r
}

// Fill is one execution against an intent. ID is the venue's fill identifier,
// which makes replayed fill events detectable.
type Fill struct {
	ID       string
	IntentID string
	Venue    VenueName
	Symbol   string
	Side     OrderSide
	Qty      float64
	Price    float64
	FeeUSD   float64
	At       time.Time
}
