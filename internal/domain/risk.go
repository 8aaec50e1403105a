package domain

import "time"

// Mode is the global control mode. KILL is terminal until an operator
// restarts the process in a safe state.
type Mode string

const (
	ModeRun  Mode = "RUN"
	ModeHold Mode = "HOLD"
	ModeKill Mode = "KILL"
)

// Cap names, in the order they are checked. The first violated cap is the
// rejection reason.
const (
	CapMaxTotalNotional   = "max_total_notional_usd"
	CapMaxOpenPositions   = "max_open_positions"
	CapMaxExposureSymbol  = "max_exposure_per_symbol"
	CapMaxExposureVenue   = "max_exposure_per_venue"
	CapMaxLeverageVenue   = "max_leverage_per_venue"
	CapCrossVenueDeltaAbs = "cross_venue_delta_abs_max"
	CapDailyLoss          = "daily_loss_cap"
	CapStressLimit        = "stress_limit"
)

// RiskCaps are the configured hard limits the governor enforces.
type RiskCaps struct {
	MaxTotalNotionalUSD      float64
	MaxOpenPositions         int
	MaxExposurePerSymbolUSD  float64
	MaxExposurePerVenueUSD   float64
	MaxLeveragePerVenue      int
	CrossVenueDeltaAbsMaxUSD float64
	DailyLossCapUSD          float64
	StressShockPct           float64
	StressLimitUSD           float64
}

// RiskSnapshot is a point-in-time aggregate of the live portfolio, recomputed
// on every trade attempt and on a fixed interval.
type RiskSnapshot struct {
	TotalNotionalUSD   float64
	OpenPositions      int
	PerSymbolUSD       map[string]float64
	PerVenueUSD        map[VenueName]float64
	PerVenueLeverage   map[VenueName]int
	CrossVenueDeltaUSD float64 // signed net of long minus short notional
	RealizedPnLToday   float64
	UnrealizedPnL      float64
	CapUtilization     map[string]float64 // cap name -> fraction of limit used
	TakenAt            time.Time
}

// Decision is the governor's verdict on a proposed order intent.
type Decision struct {
	Allowed bool
	Cap     string // first violated cap when not allowed
	Reason  string
}

// Allow returns a passing decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny returns a failing decision naming the violated cap.
func Deny(cap, reason string) Decision {
	return Decision{Allowed: false, Cap: cap, Reason: reason}
}

// ResumeRequest is an operator's request to leave HOLD.
type ResumeRequest struct {
	Reason      string
	Operator    string
	Token       string
	RequestedAt time.Time
}

// ResumeApproval is one operator's approval of a pending resume request.
// Leaving HOLD requires two approvals from distinct operators.
type ResumeApproval struct {
	Operator string
	Token    string
	At       time.Time
}

// ControlState is the global control singleton. It is mutated only through
// the risk governor and every mutation is journaled. Version supports
// optimistic writes; Seal is the integrity HMAC over the persisted record.
type ControlState struct {
	Mode           Mode
	SafeMode       bool
	HoldReason     string
	HoldIncidentID string
	ResumeRequest  *ResumeRequest
	Approvals      []ResumeApproval
	Version        int64
	UpdatedAt      time.Time
	Seal           string
}

// TradingAllowed reports whether new risk-increasing orders may be placed.
func (c ControlState) TradingAllowed() bool {
	return c.Mode == ModeRun
}
