package model

import (
	"errors"
	"fmt"
	"time"
)

// SeatStatus is the availability of a seat for one showtime as seen by
// viewers.  The authoritative store keeps its own vocabulary (FREE, HELD,
// RESERVED); see StatusFromDB and DBStatus for the mapping.
type SeatStatus string

const (
	StatusAvailable SeatStatus = "AVAILABLE"
	StatusLocked    SeatStatus = "LOCKED"
	StatusSold      SeatStatus = "SOLD"
)

// Valid reports whether s is one of the known statuses.
func (s SeatStatus) Valid() bool {
	switch s {
	case StatusAvailable, StatusLocked, StatusSold:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s SeatStatus) Terminal() bool { return s == StatusSold }

// ErrInvalidSeat is returned when a seat record violates the lock invariant
// or carries an unknown status.
var ErrInvalidSeat = errors.New("invalid seat")

// ErrInvalidTransition is returned by the strict transition helpers used on
// the server side.  Clients apply deltas without checking preconditions.
var ErrInvalidTransition = errors.New("invalid seat transition")

// Seat describes one seat of a showtime together with its live status.
//
// Fields:
//  SeatID      – stable identifier within the showtime.
//  RowCode     – row designation (A, B, ... AA).
//  SeatNumber  – number of the seat within its row.
//  SeatTypeID  – classification reference (STANDARD, VIP, ACCESSIBLE).
//  Status      – AVAILABLE, LOCKED or SOLD.
//  LockedUntil – lock expiry; set if and only if Status is LOCKED.
type Seat struct {
	SeatID      uint64     `json:"seat_id"`
	RowCode     string     `json:"row_code"`
	SeatNumber  uint32     `json:"seat_number"`
	SeatTypeID  string     `json:"seat_type_id"`
	Status      SeatStatus `json:"status"`
	LockedUntil *time.Time `json:"locked_until"`
}

// Validate checks the status and the lock invariant.
func (s Seat) Validate() error {
	if !s.Status.Valid() {
		return fmt.Errorf("%w: seat %d has status %q", ErrInvalidSeat, s.SeatID, s.Status)
	}
	if (s.Status == StatusLocked) != (s.LockedUntil != nil) {
		return fmt.Errorf("%w: seat %d status %s with locked_until=%v", ErrInvalidSeat, s.SeatID, s.Status, s.LockedUntil)
	}
	return nil
}

// Locked returns a copy of s moved to LOCKED until the given instant.
func (s Seat) Locked(until time.Time) Seat {
	u := until.UTC()
	s.Status = StatusLocked
	s.LockedUntil = &u
	return s
}

// Released returns a copy of s moved back to AVAILABLE.
func (s Seat) Released() Seat {
	s.Status = StatusAvailable
	s.LockedUntil = nil
	return s
}

// Sold returns a copy of s moved to SOLD.
func (s Seat) Sold() Seat {
	s.Status = StatusSold
	s.LockedUntil = nil
	return s
}

// CanTransition reports whether the authoritative state machine allows
// moving a seat from one status to another.  Setting the same status again
// is allowed so that repeated events stay idempotent.
func CanTransition(from, to SeatStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusAvailable:
		return to == StatusLocked || to == StatusSold
	case StatusLocked:
		return to == StatusAvailable || to == StatusSold
	}
	return false
}

// Transition applies the state machine strictly and returns
// ErrInvalidTransition when the move is not allowed.
func (s Seat) Transition(to SeatStatus, until *time.Time) (Seat, error) {
	if !CanTransition(s.Status, to) {
		return s, fmt.Errorf("%w: seat %d %s -> %s", ErrInvalidTransition, s.SeatID, s.Status, to)
	}
	switch to {
	case StatusLocked:
		if until == nil {
			return s, fmt.Errorf("%w: lock without expiry", ErrInvalidTransition)
		}
		return s.Locked(*until), nil
	case StatusSold:
		return s.Sold(), nil
	default:
		return s.Released(), nil
	}
}

// Clone returns a deep copy (LockedUntil is not shared).
func (s Seat) Clone() Seat {
	if s.LockedUntil != nil {
		u := *s.LockedUntil
		s.LockedUntil = &u
	}
	return s
}

// StatusFromDB maps a show_seats.status value to a SeatStatus.
func StatusFromDB(v string) (SeatStatus, error) {
	switch v {
	case "FREE":
		return StatusAvailable, nil
	case "HELD":
		return StatusLocked, nil
	case "RESERVED":
		return StatusSold, nil
	}
	return "", fmt.Errorf("%w: unknown db status %q", ErrInvalidSeat, v)
}

// DBStatus maps a SeatStatus to its show_seats.status value.
func DBStatus(s SeatStatus) string {
	switch s {
	case StatusLocked:
		return "HELD"
	case StatusSold:
		return "RESERVED"
	}
	return "FREE"
}
