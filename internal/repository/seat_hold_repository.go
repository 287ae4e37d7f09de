package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// SeatHoldRecord represents the persistence model for a seat hold.  A hold
// is the database side of a LOCKED seat: who holds it and until when.
type SeatHoldRecord struct {
	ID        uint64    // primary key of the seat_holds row
	UserID    uint64    // user who holds the seat
	ShowID    uint64    // show to which this seat belongs
	SeatID    uint64    // seat being held
	HoldToken string    // opaque token for correlation in logs and events
	ExpiresAt time.Time // expiration timestamp
	CreatedAt time.Time // creation timestamp
}

// SeatHoldRepo provides data access to the seat_holds table.  All methods
// behave with respect to UTC timestamps – callers must ensure that
// expiration comparisons are performed in UTC.
type SeatHoldRepo struct {
	db *sql.DB
}

// NewSeatHoldRepo returns a new SeatHoldRepo bound to the provided database.
func NewSeatHoldRepo(db *sql.DB) *SeatHoldRepo { return &SeatHoldRepo{db: db} }

// NewHoldRecord builds a hold for one seat with a fresh token.
func NewHoldRecord(userID, showID, seatID uint64, expiresAt time.Time) SeatHoldRecord {
	return SeatHoldRecord{
		UserID:    userID,
		ShowID:    showID,
		SeatID:    seatID,
		HoldToken: uuid.NewString(),
		ExpiresAt: expiresAt.UTC(),
	}
}

// CreateTx inserts a hold within the provided transaction.  The CreatedAt
// column is set by the database.
func (r *SeatHoldRepo) CreateTx(ctx context.Context, tx *sql.Tx, h *SeatHoldRecord) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO seat_holds (user_id, show_id, seat_id, hold_token, expires_at) VALUES (?, ?, ?, ?, ?)`,
		h.UserID, h.ShowID, h.SeatID, h.HoldToken, dbTime(h.ExpiresAt),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	h.ID = uint64(id)
	return nil
}

// ActiveHoldTx returns the unexpired hold on a seat and locks the row.  It
// reports false when the seat has no active hold.
func (r *SeatHoldRepo) ActiveHoldTx(ctx context.Context, tx *sql.Tx, showID, seatID uint64) (SeatHoldRecord, bool, error) {
	const q = `SELECT id, user_id, show_id, seat_id, hold_token, expires_at, created_at
	           FROM seat_holds
	           WHERE show_id = ? AND seat_id = ? AND expires_at > UTC_TIMESTAMP()
	           ORDER BY expires_at DESC LIMIT 1 FOR UPDATE`
	var h SeatHoldRecord
	err := tx.QueryRowContext(ctx, q, showID, seatID).Scan(
		&h.ID, &h.UserID, &h.ShowID, &h.SeatID, &h.HoldToken, &h.ExpiresAt, &h.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return SeatHoldRecord{}, false, nil
	}
	if err != nil {
		return SeatHoldRecord{}, false, err
	}
	return h, true, nil
}

// DeleteBySeatsTx removes every hold, expired or not, on the given seats of
// a show.  Passing an empty slice has no effect.
func (r *SeatHoldRepo) DeleteBySeatsTx(ctx context.Context, tx *sql.Tx, showID uint64, seatIDs []uint64) error {
	if len(seatIDs) == 0 {
		return nil
	}
	args := make([]any, 0, len(seatIDs)+1)
	args = append(args, showID)
	for _, id := range seatIDs {
		args = append(args, id)
	}
	_, err := tx.ExecContext(ctx,
		`DELETE FROM seat_holds WHERE show_id = ? AND seat_id IN (`+placeholders(len(seatIDs))+`)`,
		args...,
	)
	return err
}

// ExpireHoldsTx removes all seat holds for a given show that have expired and
// returns the seat IDs whose holds were removed.  A hold is considered
// expired when its expires_at timestamp is less than or equal to the current
// UTC time.  The caller must supply an existing transaction and is
// responsible for committing or rolling back the transaction.  After
// calling ExpireHoldsTx, callers should move the corresponding show_seats
// rows from HELD back to FREE.
//
// When there are no expired holds, it returns an empty slice and nil error.
func (r *SeatHoldRepo) ExpireHoldsTx(ctx context.Context, tx *sql.Tx, showID uint64) ([]uint64, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT seat_id FROM seat_holds WHERE show_id = ? AND expires_at <= UTC_TIMESTAMP() FOR UPDATE`,
		showID,
	)
	if err != nil {
		return nil, err
	}
	expiredSeatIDs, err := scanIDs(rows)
	if err != nil {
		return nil, err
	}
	if len(expiredSeatIDs) == 0 {
		return []uint64{}, nil
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM seat_holds WHERE show_id = ? AND expires_at <= UTC_TIMESTAMP()`,
		showID,
	)
	if err != nil {
		return nil, err
	}
	return expiredSeatIDs, nil
}

// ShowsWithExpiredHolds lists the shows that currently have at least one
// expired hold.  The sweeper uses it to find work.
func (r *SeatHoldRepo) ShowsWithExpiredHolds(ctx context.Context) ([]uint64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT show_id FROM seat_holds WHERE expires_at <= UTC_TIMESTAMP()`,
	)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

// scanIDs reads a single uint64 column and closes rows.
func scanIDs(rows *sql.Rows) ([]uint64, error) {
	defer rows.Close()
	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
