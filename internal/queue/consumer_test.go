package queue

import (
	"context"
	"errors"
	"testing"
)

func TestHandleMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		invalid bool
	}{
		{name: "valid", body: `{"reservation_id":9,"user_id":3,"show_id":67,"seat_ids":[12,13],"seats":["C4","C5"],"confirmed_at":"2025-03-01T18:00:00Z"}`},
		{name: "not json", body: `{"show_id":`, invalid: true},
		{name: "missing show", body: `{"reservation_id":9,"seat_ids":[12]}`, invalid: true},
		{name: "no seats", body: `{"reservation_id":9,"show_id":67,"seat_ids":[]}`, invalid: true},
		{name: "zero seat", body: `{"reservation_id":9,"show_id":67,"seat_ids":[12,0]}`, invalid: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var got *BookingConfirmedEvent
			err := handleMessage(context.Background(), []byte(tt.body), func(_ context.Context, ev BookingConfirmedEvent) error {
				got = &ev
				return nil
			})
			if tt.invalid {
				if !errors.Is(err, ErrInvalidEvent) {
					t.Fatalf("expected ErrInvalidEvent, got %v", err)
				}
				if got != nil {
					t.Fatalf("handler must not run for invalid events")
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if got == nil || got.ShowID != 67 || len(got.SeatIDs) != 2 || got.SeatLabels[0] != "C4" {
				t.Fatalf("unexpected event %+v", got)
			}
		})
	}

	t.Run("handler errors pass through", func(t *testing.T) {
		boom := errors.New("db down")
		err := handleMessage(context.Background(), []byte(`{"show_id":67,"seat_ids":[12]}`), func(context.Context, BookingConfirmedEvent) error {
			return boom
		})
		if !errors.Is(err, boom) || errors.Is(err, ErrInvalidEvent) {
			t.Fatalf("expected the handler error, got %v", err)
		}
	})
}
