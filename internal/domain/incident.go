package domain

import "time"

// Severity ranks an incident. P0 incidents force HOLD and gate resume on a
// recorded root cause.
type Severity string

const (
	SeverityP0 Severity = "P0"
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
)

// Incident kinds raised by the core.
const (
	IncidentHedgeLatency   = "hedge_latency_violation"
	IncidentLegBFailed     = "leg_b_failed"
	IncidentRescueFailed   = "rescue_failed"
	IncidentReconMismatch  = "recon_mismatch"
	IncidentCapBreach      = "cap_breach"
	IncidentDailyLossCap   = "daily_loss_cap_breach"
	IncidentVenueDown      = "venue_down"
	IncidentSLABreach      = "sla_breach"
	IncidentTamperDetected = "tamper_detected"
	IncidentBreakerTripped = "circuit_breaker_tripped"
)

// Incident records a risk-relevant event, created automatically (rescue,
// reconciliation mismatch, cap breach) or manually by an operator.
type Incident struct {
	ID         string
	Kind       string
	Severity   Severity
	Component  string
	Summary    string
	Detail     map[string]any
	Acked      bool
	AckedBy    string
	RootCause  string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// Resolved reports whether the incident carries a root cause. A P0 incident
// without one blocks leaving HOLD.
func (i Incident) Resolved() bool {
	return i.Acked && i.RootCause != ""
}
