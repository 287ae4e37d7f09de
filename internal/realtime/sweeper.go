package realtime

import (
	"context"
	"time"

	"github.com/iliyamo/cinema-seat-realtime/internal/logger"
	"github.com/iliyamo/cinema-seat-realtime/internal/protocol"
	"github.com/iliyamo/cinema-seat-realtime/internal/service"
)

// Sweeper frees expired locks on a fixed interval and broadcasts a
// seat_released for each freed seat.
type Sweeper struct {
	authority service.SeatAuthority
	hub       *Hub
	interval  time.Duration
	log       *logger.Logger
}

// NewSweeper builds a sweeper.  interval <= 0 selects 5s.
func NewSweeper(authority service.SeatAuthority, hub *Hub, interval time.Duration, log *logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Sweeper{authority: authority, hub: hub, interval: interval, log: log.With("lock-sweeper")}
}

// Run sweeps until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns how many seats were freed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	freed, err := s.authority.ExpireLocks(ctx)
	if err != nil {
		s.log.Error("expire locks", "error", err)
	}
	n := 0
	for showtimeID, seatIDs := range freed {
		for _, seatID := range seatIDs {
			s.hub.broadcast(ctx, protocol.SeatReleased(showtimeID, seatID))
			n++
		}
	}
	if n > 0 {
		s.log.Info("expired locks released", "seats", n)
	}
	return n
}
