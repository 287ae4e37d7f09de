package repository // repository for show seat persistence

import (
	"context"      // context for managing deadlines
	"database/sql" // sql provides DB interfaces
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/cinema-seat-realtime/internal/model"
)

// Show seat statuses as stored in show_seats.status.
const (
	SeatFree     = "FREE"
	SeatHeld     = "HELD"
	SeatReserved = "RESERVED"
)

// querier is satisfied by both *sql.DB and *sql.Tx so reads can run inside
// or outside a transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ShowSeatRepo encapsulates database operations for show_seats.
type ShowSeatRepo struct {
	db *sql.DB
}

// NewShowSeatRepo constructs a ShowSeatRepo given a DB handle.
func NewShowSeatRepo(db *sql.DB) *ShowSeatRepo {
	return &ShowSeatRepo{db: db}
}

// ListByShow returns every active seat of a show with its realtime status.
// A HELD row whose hold already expired is reported as AVAILABLE; the
// sweeper frees it in the database shortly after.  Pass nil to read outside
// a transaction.
func (r *ShowSeatRepo) ListByShow(ctx context.Context, q querier, showID uint64) ([]model.Seat, error) {
	if q == nil {
		q = r.db
	}
	const sel = `SELECT ss.seat_id, s.row_label, s.seat_number, s.seat_type, ss.status,
	                    (SELECT MAX(h.expires_at) FROM seat_holds h
	                      WHERE h.show_id = ss.show_id AND h.seat_id = ss.seat_id
	                        AND h.expires_at > UTC_TIMESTAMP()) AS locked_until
	             FROM show_seats ss
	             JOIN seats s ON s.id = ss.seat_id
	             WHERE ss.show_id = ? AND s.is_active = 1
	             ORDER BY ss.seat_id`
	rows, err := q.QueryContext(ctx, sel, showID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seats := []model.Seat{}
	for rows.Next() {
		var (
			seat   model.Seat
			status string
			until  sql.NullTime
		)
		if err := rows.Scan(&seat.SeatID, &seat.RowCode, &seat.SeatNumber, &seat.SeatTypeID, &status, &until); err != nil {
			return nil, err
		}
		seat, err = seatFromRow(seat, status, until)
		if err != nil {
			return nil, err
		}
		seats = append(seats, seat)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return seats, nil
}

// seatFromRow maps a DB status plus the active hold expiry to a seat.
func seatFromRow(seat model.Seat, status string, until sql.NullTime) (model.Seat, error) {
	st, err := model.StatusFromDB(status)
	if err != nil {
		return model.Seat{}, fmt.Errorf("seat %d: %w", seat.SeatID, err)
	}
	switch {
	case st == model.StatusLocked && until.Valid:
		return seat.Locked(until.Time.UTC()), nil
	case st == model.StatusLocked:
		return seat.Released(), nil
	case st == model.StatusSold:
		return seat.Sold(), nil
	}
	return seat.Released(), nil
}

// StatusForUpdateTx reads and row-locks the status of one show seat.
func (r *ShowSeatRepo) StatusForUpdateTx(ctx context.Context, tx *sql.Tx, showID, seatID uint64) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM show_seats WHERE show_id = ? AND seat_id = ? FOR UPDATE`,
		showID, seatID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSeatNotFound
	}
	return status, err
}

// UpdateStatusTx moves one seat from one status to another.  It reports
// false when the seat was not in the expected status, which makes it safe
// to race: exactly one of two concurrent FREE->HELD updates wins.
func (r *ShowSeatRepo) UpdateStatusTx(ctx context.Context, tx *sql.Tx, showID, seatID uint64, from, to string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE show_seats SET status = ?, version = version + 1
		  WHERE show_id = ? AND seat_id = ? AND status = ?`,
		to, showID, seatID, from,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// BulkUpdateStatusTx sets the status of several seats of a show at once.
// Passing an empty slice has no effect.
func (r *ShowSeatRepo) BulkUpdateStatusTx(ctx context.Context, tx *sql.Tx, showID uint64, seatIDs []uint64, status string) error {
	if len(seatIDs) == 0 {
		return nil
	}
	args := make([]any, 0, len(seatIDs)+2)
	args = append(args, status, showID)
	for _, id := range seatIDs {
		args = append(args, id)
	}
	query := `UPDATE show_seats SET status = ?, version = version + 1
	           WHERE show_id = ? AND seat_id IN (` + placeholders(len(seatIDs)) + `)`
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// placeholders returns "?, ?, ?" with n marks.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// dbTime formats t the way DATETIME columns are written.
func dbTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}
