// Package service holds the authoritative seat logic: the only code allowed
// to change seat status in the database, and the publisher that announces
// each change to other services.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/cinema-seat-realtime/internal/clock"
	"github.com/iliyamo/cinema-seat-realtime/internal/logger"
	"github.com/iliyamo/cinema-seat-realtime/internal/model"
	q "github.com/iliyamo/cinema-seat-realtime/internal/queue"
	"github.com/iliyamo/cinema-seat-realtime/internal/repository"
)

// DefaultLockTTL matches the five minute holds of the booking flow.
const DefaultLockTTL = 5 * time.Minute

var (
	// ErrSeatUnavailable is returned when a lock targets a seat that is
	// held by someone else or sold.
	ErrSeatUnavailable = fmt.Errorf("seat unavailable: %w", repository.ErrConflict)
	// ErrNotLocked is returned when releasing a seat that holds no lock.
	ErrNotLocked = fmt.Errorf("seat not locked: %w", repository.ErrConflict)
	// ErrNotHolder is returned when releasing a lock held by another user.
	ErrNotHolder = fmt.Errorf("lock held by another user: %w", repository.ErrForbidden)
)

// SeatAuthority decides every seat transition.  At most one user holds a
// lock on a seat at any time.
type SeatAuthority interface {
	Snapshot(ctx context.Context, showID uint64) ([]model.Seat, error)
	Lock(ctx context.Context, showID, seatID, userID uint64) (time.Time, error)
	Release(ctx context.Context, showID, seatID, userID uint64) error
	MarkSold(ctx context.Context, showID uint64, seatIDs []uint64) ([]uint64, error)
	// ExpireLocks frees every lock whose expiry passed and returns the
	// freed seat IDs keyed by show.
	ExpireLocks(ctx context.Context) (map[uint64][]uint64, error)
}

// SeatService implements SeatAuthority over MySQL.
type SeatService struct {
	db      *sql.DB
	shows   *repository.ShowRepo
	seats   *repository.ShowSeatRepo
	holds   *repository.SeatHoldRepo
	lockTTL time.Duration
	clock   clock.Clock
	events  EventPublisher
	log     *logger.Logger
}

// NewSeatService wires the repositories.  lockTTL <= 0 selects
// DefaultLockTTL; a nil publisher disables seat.events.
func NewSeatService(db *sql.DB, lockTTL time.Duration, clk clock.Clock, events EventPublisher, log *logger.Logger) *SeatService {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if events == nil {
		events = NopPublisher{}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &SeatService{
		db:      db,
		shows:   repository.NewShowRepo(db),
		seats:   repository.NewShowSeatRepo(db),
		holds:   repository.NewSeatHoldRepo(db),
		lockTTL: lockTTL,
		clock:   clk,
		events:  events,
		log:     log.With("seat-authority"),
	}
}

// Snapshot returns every active seat of the show.
func (s *SeatService) Snapshot(ctx context.Context, showID uint64) ([]model.Seat, error) {
	if err := s.shows.EnsureExists(ctx, showID); err != nil {
		return nil, err
	}
	return s.seats.ListByShow(ctx, nil, showID)
}

// Lock holds a seat for userID until the returned instant.  Locking a seat
// the same user already holds extends the lock.
func (s *SeatService) Lock(ctx context.Context, showID, seatID, userID uint64) (time.Time, error) {
	until := s.clock.Now().Add(s.lockTTL).Truncate(time.Second)
	hold := repository.NewHoldRecord(userID, showID, seatID, until)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		status, err := s.seats.StatusForUpdateTx(ctx, tx, showID, seatID)
		if err != nil {
			return err
		}
		switch status {
		case repository.SeatReserved:
			return ErrSeatUnavailable
		case repository.SeatHeld:
			cur, ok, err := s.holds.ActiveHoldTx(ctx, tx, showID, seatID)
			if err != nil {
				return err
			}
			if ok && cur.UserID != userID {
				return ErrSeatUnavailable
			}
			// Own or expired hold: replace it.
			if err := s.holds.DeleteBySeatsTx(ctx, tx, showID, []uint64{seatID}); err != nil {
				return err
			}
		case repository.SeatFree:
			ok, err := s.seats.UpdateStatusTx(ctx, tx, showID, seatID, repository.SeatFree, repository.SeatHeld)
			if err != nil {
				return err
			}
			if !ok {
				return ErrSeatUnavailable
			}
		default:
			return fmt.Errorf("seat %d: unknown status %q", seatID, status)
		}
		return s.holds.CreateTx(ctx, tx, &hold)
	})
	if err != nil {
		return time.Time{}, err
	}

	s.log.Info("seat locked", "show_id", showID, "seat_id", seatID, "user_id", userID, "until", until)
	s.publish(ctx, q.SeatEventMessage{
		Type: "seat_locked", ShowID: showID, SeatID: seatID, UserID: userID,
		HoldToken: hold.HoldToken, LockedUntil: &until,
	})
	return until, nil
}

// Release drops userID's lock on a seat.  An expired lock may be released
// by anyone; the sweeper would free it anyway.
func (s *SeatService) Release(ctx context.Context, showID, seatID, userID uint64) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		status, err := s.seats.StatusForUpdateTx(ctx, tx, showID, seatID)
		if err != nil {
			return err
		}
		if status != repository.SeatHeld {
			return ErrNotLocked
		}
		cur, ok, err := s.holds.ActiveHoldTx(ctx, tx, showID, seatID)
		if err != nil {
			return err
		}
		if ok && cur.UserID != userID {
			return ErrNotHolder
		}
		if err := s.holds.DeleteBySeatsTx(ctx, tx, showID, []uint64{seatID}); err != nil {
			return err
		}
		_, err = s.seats.UpdateStatusTx(ctx, tx, showID, seatID, repository.SeatHeld, repository.SeatFree)
		return err
	})
	if err != nil {
		return err
	}
	s.log.Info("seat released", "show_id", showID, "seat_id", seatID, "user_id", userID)
	s.publish(ctx, q.SeatEventMessage{Type: "seat_released", ShowID: showID, SeatID: seatID, UserID: userID, Reason: "released"})
	return nil
}

// MarkSold moves the given seats to SOLD and drops their holds.  Seats that
// are already sold or unknown are skipped; the returned slice lists the
// seats that actually changed.
func (s *SeatService) MarkSold(ctx context.Context, showID uint64, seatIDs []uint64) ([]uint64, error) {
	var sold []uint64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sold = sold[:0]
		for _, id := range seatIDs {
			status, err := s.seats.StatusForUpdateTx(ctx, tx, showID, id)
			if errors.Is(err, repository.ErrSeatNotFound) {
				s.log.Warn("sold seat not in show", "show_id", showID, "seat_id", id)
				continue
			}
			if err != nil {
				return err
			}
			if status == repository.SeatReserved {
				continue
			}
			sold = append(sold, id)
		}
		if err := s.seats.BulkUpdateStatusTx(ctx, tx, showID, sold, repository.SeatReserved); err != nil {
			return err
		}
		return s.holds.DeleteBySeatsTx(ctx, tx, showID, sold)
	})
	if err != nil {
		return nil, err
	}
	for _, id := range sold {
		s.publish(ctx, q.SeatEventMessage{Type: "seat_sold", ShowID: showID, SeatID: id, Reason: "booking"})
	}
	if len(sold) > 0 {
		s.log.Info("seats sold", "show_id", showID, "seat_ids", sold)
	}
	return sold, nil
}

// ExpireLocks frees expired holds show by show, one transaction each, so a
// failing show does not block the others.
func (s *SeatService) ExpireLocks(ctx context.Context) (map[uint64][]uint64, error) {
	showIDs, err := s.holds.ShowsWithExpiredHolds(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[uint64][]uint64, len(showIDs))
	var errs []error
	for _, showID := range showIDs {
		var freed []uint64
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			freed = freed[:0]
			expired, err := s.holds.ExpireHoldsTx(ctx, tx, showID)
			if err != nil {
				return err
			}
			for _, seatID := range expired {
				ok, err := s.seats.UpdateStatusTx(ctx, tx, showID, seatID, repository.SeatHeld, repository.SeatFree)
				if err != nil {
					return err
				}
				if ok {
					freed = append(freed, seatID)
				}
			}
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("show %d: %w", showID, err))
			continue
		}
		if len(freed) == 0 {
			continue
		}
		out[showID] = append([]uint64(nil), freed...)
		for _, id := range freed {
			s.publish(ctx, q.SeatEventMessage{Type: "seat_released", ShowID: showID, SeatID: id, Reason: "expired"})
		}
	}
	return out, errors.Join(errs...)
}

// withTx runs fn in a transaction that is rolled back unless fn succeeds.
func (s *SeatService) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

// publish is best effort: a broker outage must not fail a committed change.
func (s *SeatService) publish(ctx context.Context, ev q.SeatEventMessage) {
	ev.OccurredAt = s.clock.Now()
	if err := s.events.PublishSeatEvent(ctx, ev); err != nil {
		s.log.Warn("seat event not published", "type", ev.Type, "show_id", ev.ShowID, "seat_id", ev.SeatID, "error", err)
	}
}
