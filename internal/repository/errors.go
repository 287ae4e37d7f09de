// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as the seat
// authority and the HTTP handlers to distinguish between different failure
// scenarios. ErrConflict signals that a seat is not in the state an
// operation requires (e.g. locking a seat that is already HELD), while
// ErrForbidden indicates that the caller does not own the hold it tries to
// release.
package repository

import "errors"

// ErrForbidden is returned when the caller attempts to release a hold owned
// by someone else. Handlers should translate this into an HTTP 403 response.
var ErrForbidden = errors.New("forbidden")

// ErrConflict is returned when a seat cannot change state because of its
// current state, such as locking a HELD or RESERVED seat. Handlers should
// translate this into an HTTP 409 response.
var ErrConflict = errors.New("conflict")

// ErrSeatNotFound is returned when a seat does not belong to the show.
var ErrSeatNotFound = errors.New("seat not found")
