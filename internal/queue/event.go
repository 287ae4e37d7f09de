// Package queue defines message payloads exchanged over the message broker
// and the consumer that turns confirmed bookings into sold seats.
package queue

import "time"

// Queue names.
const (
	BookingConfirmedQueue = "booking.confirmed"
	SeatEventsQueue       = "seat.events"
)

// BookingConfirmedEvent is published by the booking pipeline when a
// reservation is paid.  Only the show and seat IDs matter here; the rest is
// carried for logging.
type BookingConfirmedEvent struct {
	ReservationID uint64   `json:"reservation_id"`
	UserID        uint64   `json:"user_id"`
	ShowID        uint64   `json:"show_id"`
	SeatIDs       []uint64 `json:"seat_ids"`
	SeatLabels    []string `json:"seats,omitempty"`
	ConfirmedAt   string   `json:"confirmed_at"`
}

// SeatEventMessage is written to seat.events for every authoritative seat
// change so other services can follow the inventory without the websocket.
type SeatEventMessage struct {
	Type        string     `json:"type"` // seat_locked, seat_released, seat_sold
	ShowID      uint64     `json:"show_id"`
	SeatID      uint64     `json:"seat_id"`
	UserID      uint64     `json:"user_id,omitempty"`
	HoldToken   string     `json:"hold_token,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	Reason      string     `json:"reason,omitempty"` // e.g. expired, released, booking
	OccurredAt  time.Time  `json:"occurred_at"`
}
