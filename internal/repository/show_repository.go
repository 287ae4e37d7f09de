// Package repository contains data access logic for the seat inventory of a
// show. A Show represents a scheduled screening of a movie in a hall; the
// realtime layer calls it a showtime.
package repository

import (
	"context"      // context for controlling query lifetime
	"database/sql" // sql provides DB abstraction
	"errors"       // errors for sentinel definitions
)

// ErrShowNotFound indicates that a show was not located in the DB.
var ErrShowNotFound = errors.New("show not found")

// ShowRepo manages read access to shows.
type ShowRepo struct {
	db *sql.DB
}

// NewShowRepo constructs a ShowRepo with the given DB handle.
func NewShowRepo(db *sql.DB) *ShowRepo {
	return &ShowRepo{db: db}
}

// DB exposes the underlying sql.DB.  It allows callers to begin
// transactions spanning multiple repositories.
func (r *ShowRepo) DB() *sql.DB {
	return r.db
}

// EnsureExists returns ErrShowNotFound unless a show with the given ID
// exists.  Cancelled shows still exist; their seats simply stop changing.
func (r *ShowRepo) EnsureExists(ctx context.Context, showID uint64) error {
	var id uint64
	err := r.db.QueryRowContext(ctx, `SELECT id FROM shows WHERE id = ?`, showID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrShowNotFound
	}
	return err
}
