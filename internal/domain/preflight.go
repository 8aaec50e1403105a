package domain

import "time"

// Names of the ordered preflight checks.
const (
	CheckConnectivity  = "connectivity"
	CheckVenueSetup    = "venue_setup"
	CheckRiskCaps      = "risk_caps"
	CheckFundingWindow = "funding_window"
	CheckFilters       = "filters"
	CheckEdge          = "edge"
)

// PreflightCheck is one named pre-trade check outcome.
type PreflightCheck struct {
	Name   string
	OK     bool
	Detail string
}

// PreflightReport is the result of a pre-trade check run. Checks appear in
// execution order; the run stops at the first failure (fail closed).
type PreflightReport struct {
	Pair    string
	Size    float64
	Checks  []PreflightCheck
	OK      bool
	EdgeBps float64
	At      time.Time
}

// Failed returns the first failing check, if any.
func (r PreflightReport) Failed() (PreflightCheck, bool) {
	for _, c := range r.Checks {
		if !c.OK {
			return c, true
		}
	}
	return PreflightCheck{}, false
}
