package domain

import "time"

// VenueStatus classifies venue health from rolling error-budget inputs.
type VenueStatus string

const (
	VenueOK       VenueStatus = "OK"
	VenueDegraded VenueStatus = "DEGRADED"
	VenueDown     VenueStatus = "DOWN"
)

// VenueHealth is the watchdog's current classification of one venue.
type VenueHealth struct {
	Venue         VenueName
	Status        VenueStatus
	WSDisconnects int
	ErrorRate     float64
	RejectRate    float64
	PingLatency   time.Duration
	StableWindows int // consecutive healthy windows, required for recovery
	UpdatedAt     time.Time
}
