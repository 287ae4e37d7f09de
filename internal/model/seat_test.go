package model

import (
	"errors"
	"testing"
	"time"
)

func TestSeatValidate(t *testing.T) {
	t.Parallel()

	until := time.Date(2025, 3, 1, 18, 5, 0, 0, time.UTC)
	tests := []struct {
		name    string
		seat    Seat
		wantErr bool
	}{
		{name: "available", seat: Seat{SeatID: 1, Status: StatusAvailable}},
		{name: "locked with expiry", seat: Seat{SeatID: 1, Status: StatusLocked, LockedUntil: &until}},
		{name: "sold", seat: Seat{SeatID: 1, Status: StatusSold}},
		{name: "locked without expiry", seat: Seat{SeatID: 1, Status: StatusLocked}, wantErr: true},
		{name: "available with expiry", seat: Seat{SeatID: 1, Status: StatusAvailable, LockedUntil: &until}, wantErr: true},
		{name: "sold with expiry", seat: Seat{SeatID: 1, Status: StatusSold, LockedUntil: &until}, wantErr: true},
		{name: "unknown status", seat: Seat{SeatID: 1, Status: "BROKEN"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.seat.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidSeat) {
					t.Fatalf("expected ErrInvalidSeat, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}

func TestSeatTransitions(t *testing.T) {
	t.Parallel()

	until := time.Date(2025, 3, 1, 18, 5, 0, 0, time.UTC)
	base := Seat{SeatID: 12, RowCode: "C", SeatNumber: 4, SeatTypeID: "STANDARD", Status: StatusAvailable}

	t.Run("lock then release keeps identity", func(t *testing.T) {
		locked := base.Locked(until)
		if locked.Status != StatusLocked || locked.LockedUntil == nil || !locked.LockedUntil.Equal(until) {
			t.Fatalf("unexpected locked seat %+v", locked)
		}
		released := locked.Released()
		if released.Status != StatusAvailable || released.LockedUntil != nil {
			t.Fatalf("unexpected released seat %+v", released)
		}
		if released.RowCode != "C" || released.SeatNumber != 4 || released.SeatTypeID != "STANDARD" {
			t.Fatalf("identity fields changed: %+v", released)
		}
	})

	t.Run("sold clears lock", func(t *testing.T) {
		sold := base.Locked(until).Sold()
		if sold.Status != StatusSold || sold.LockedUntil != nil {
			t.Fatalf("unexpected sold seat %+v", sold)
		}
		if !sold.Status.Terminal() {
			t.Fatalf("expected SOLD to be terminal")
		}
	})

	t.Run("strict machine", func(t *testing.T) {
		cases := []struct {
			from, to SeatStatus
			ok       bool
		}{
			{StatusAvailable, StatusLocked, true},
			{StatusAvailable, StatusSold, true},
			{StatusLocked, StatusAvailable, true},
			{StatusLocked, StatusSold, true},
			{StatusLocked, StatusLocked, true},
			{StatusSold, StatusAvailable, false},
			{StatusSold, StatusLocked, false},
			{StatusSold, StatusSold, true},
		}
		for _, c := range cases {
			if got := CanTransition(c.from, c.to); got != c.ok {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.ok)
			}
		}
		sold := base.Sold()
		if _, err := sold.Transition(StatusAvailable, nil); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
		if _, err := base.Transition(StatusLocked, nil); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected lock without expiry to fail, got %v", err)
		}
		got, err := base.Transition(StatusLocked, &until)
		if err != nil || got.Status != StatusLocked {
			t.Fatalf("expected locked seat, got %+v, %v", got, err)
		}
	})

	t.Run("clone does not share expiry", func(t *testing.T) {
		locked := base.Locked(until)
		c := locked.Clone()
		*c.LockedUntil = until.Add(time.Hour)
		if !locked.LockedUntil.Equal(until) {
			t.Fatalf("clone shares LockedUntil")
		}
	})
}

func TestStatusDBMapping(t *testing.T) {
	t.Parallel()

	for db, want := range map[string]SeatStatus{"FREE": StatusAvailable, "HELD": StatusLocked, "RESERVED": StatusSold} {
		got, err := StatusFromDB(db)
		if err != nil || got != want {
			t.Fatalf("StatusFromDB(%q) = %s, %v", db, got, err)
		}
		if back := DBStatus(got); back != db {
			t.Fatalf("DBStatus(%s) = %q, want %q", got, back, db)
		}
	}
	if _, err := StatusFromDB("CANCELLED"); !errors.Is(err, ErrInvalidSeat) {
		t.Fatalf("expected ErrInvalidSeat, got %v", err)
	}
}
