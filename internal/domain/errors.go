package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrLockHeld        = errors.New("lock already held")
	ErrVersionConflict = errors.New("version conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrTamperDetected  = errors.New("control state integrity check failed")
	ErrKilled          = errors.New("control mode is KILL")
)

// ConnectivityError wraps a venue-unreachable failure. Adapters retry these
// with backoff; the engine treats one mid-trade as a leg failure.
type ConnectivityError struct {
	Venue VenueName
	Err   error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("venue %s unreachable: %v", e.Venue, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// RescueFailedError means the reduce-only flatten of an already-filled leg
// failed. The system can no longer shed risk automatically; the governor
// forces KILL.
type RescueFailedError struct {
	Pair string
	Err  error
}

func (e *RescueFailedError) Error() string {
	return fmt.Sprintf("rescue failed for %s: %v", e.Pair, e.Err)
}

func (e *RescueFailedError) Unwrap() error { return e.Err }
