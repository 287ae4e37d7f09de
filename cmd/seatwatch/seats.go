package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iliyamo/cinema-seat-realtime/internal/client"
	"github.com/iliyamo/cinema-seat-realtime/internal/model"
)

var lockCmd = &cobra.Command{
	Use:   "lock <showtime-id> <seat-id>",
	Short: "Lock a seat and wait for the confirmation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return seatCommand(cmd, args, (*client.Session).RequestLock, "locked")
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release <showtime-id> <seat-id>",
	Short: "Release a seat lock and wait for the confirmation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return seatCommand(cmd, args, (*client.Session).RequestRelease, "released")
	},
}

type requestFunc func(s *client.Session, ctx context.Context, seatID uint64) *client.Pending

func seatCommand(cmd *cobra.Command, args []string, request requestFunc, verb string) error {
	showtimeID, err := parseID("showtime id", args[0])
	if err != nil {
		return err
	}
	seatID, err := parseID("seat id", args[1])
	if err != nil {
		return err
	}

	s, err := subscribe(cmd, showtimeID, newLogger())
	if err != nil {
		return err
	}
	defer closeSession(s)

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.ConfirmTimeout+10*cfg.BackoffInitial)
	defer cancel()
	if err := waitConnected(ctx, s); err != nil {
		return err
	}
	if err := request(s, ctx, seatID).Wait(ctx); err != nil {
		return fmt.Errorf("seat %d not %s: %w", seatID, verb, err)
	}
	seat, _ := s.Seat(seatID)
	if seat.LockedUntil != nil {
		fmt.Printf("seat %d %s until %s\n", seatID, verb, formatUntil(seat.LockedUntil))
	} else {
		fmt.Printf("seat %d %s\n", seatID, verb)
	}
	return nil
}

// waitConnected blocks until the session holds a live channel and has
// applied the snapshot pushed on join, so requests start from the seat's
// current state.
func waitConnected(ctx context.Context, s *client.Session) error {
	for s.State() != model.ChannelConnected || s.Stale() {
		select {
		case <-ctx.Done():
			return errors.New("not connected: " + s.State().String())
		case _, ok := <-s.Updates():
			if !ok {
				return client.ErrSubscriptionClosed
			}
		}
	}
	return nil
}
