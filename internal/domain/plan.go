package domain

import "time"

// ExecMode selects how the engine places the entry leg.
type ExecMode string

const (
	ExecModeIOC           ExecMode = "ioc"            // taker-taker, immediate-or-cancel
	ExecModeMakerFallback ExecMode = "maker_fallback" // post-only, fall back to IOC if it would cross
)

// PlanState names one state of the per-attempt execution state machine.
type PlanState string

const (
	PlanStateIdle      PlanState = "idle"
	PlanStatePreflight PlanState = "preflight"
	PlanStateLegA      PlanState = "leg_a"
	PlanStateLegB      PlanState = "leg_b"
	PlanStateHedged    PlanState = "hedged"
	PlanStateDone      PlanState = "done"
	PlanStateHedgeOutA PlanState = "hedge_out_a"
	PlanStateRescued   PlanState = "rescued"
	PlanStateFailed    PlanState = "failed"
)

// Terminal reports whether the state machine has finished.
func (s PlanState) Terminal() bool {
	switch s {
	case PlanStateDone, PlanStateRescued, PlanStateFailed:
		return true
	}
	return false
}

// PlanStep is one recorded transition of an execution attempt.
type PlanStep struct {
	State PlanState
	At    time.Time
	Note  string
}

// ExecutionPlan is the audit record of one trade attempt: the pair, requested
// size, chosen mode, every state the machine visited, and the intents placed.
type ExecutionPlan struct {
	ID          string
	Pair        string
	Size        float64
	Mode        ExecMode
	State       PlanState
	Steps       []PlanStep
	IntentIDs   []string
	Simulated   bool
	LegBVenue   VenueName
	LegBScore   float64
	FilledQty   float64
	HedgedQty   float64
	EdgeBps     float64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Advance appends a step and moves the plan to the given state.
func (p *ExecutionPlan) Advance(state PlanState, note string, at time.Time) {
	p.State = state
	p.Steps = append(p.Steps, PlanStep{State: state, At: at, Note: note})
	p.UpdatedAt = at
}

// ExecStatus classifies the outcome of an execute() call.
type ExecStatus string

const (
	ExecStatusDone      ExecStatus = "done"
	ExecStatusRescued   ExecStatus = "rescued"
	ExecStatusRejected  ExecStatus = "rejected"
	ExecStatusSimulated ExecStatus = "simulated"
	ExecStatusFailed    ExecStatus = "failed"
)

// RejectKind classifies an expected, typed rejection.
type RejectKind string

const (
	RejectPreflight RejectKind = "preflight"
	RejectRiskCap   RejectKind = "risk_cap"
	RejectPairBusy  RejectKind = "pair_busy"
	RejectHalted    RejectKind = "halted"
	RejectVenueDown RejectKind = "venue_down"
	RejectRateLimit RejectKind = "rate_limited"
)

// Rejection explains why an execution attempt was refused before any order
// was placed. Check is set for preflight rejections, Cap for risk rejections.
type Rejection struct {
	Kind   RejectKind
	Check  string
	Cap    string
	Reason string
}

// ExecutionResult is what execute() returns. Expected rejections are carried
// in Reject rather than raised as errors, so callers can assert on them.
type ExecutionResult struct {
	Status    ExecStatus
	Plan      *ExecutionPlan
	Preflight *PreflightReport
	Reject    *Rejection
	FilledQty float64
	HedgedQty float64
}

// FlattenResult reports the reduce-only close of a venue's exposure.
type FlattenResult struct {
	Venue     VenueName
	Symbol    string // empty when the whole venue was flattened
	IntentIDs []string
	ClosedQty float64
	Remaining float64
}
