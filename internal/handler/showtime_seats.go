package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cinema-seat-realtime/internal/logger"
	"github.com/iliyamo/cinema-seat-realtime/internal/protocol"
	"github.com/iliyamo/cinema-seat-realtime/internal/repository"
)

// SnapshotReader produces the seat map of a showtime.  *realtime.Hub
// implements it so the HTTP snapshot and the websocket snapshot share the
// same seq handling.
type SnapshotReader interface {
	Snapshot(ctx context.Context, showtimeID uint64) (protocol.SnapshotResponse, error)
}

// SeatHandler serves the seat snapshot endpoint.
type SeatHandler struct {
	snapshots SnapshotReader
	log       *logger.Logger
}

// NewSeatHandler constructs a SeatHandler.
func NewSeatHandler(snapshots SnapshotReader, log *logger.Logger) *SeatHandler {
	if snapshots == nil {
		panic("nil snapshot reader passed to NewSeatHandler")
	}
	if log == nil {
		log = logger.Discard()
	}
	return &SeatHandler{snapshots: snapshots, log: log.With("seat-handler")}
}

// GetShowtimeSeats handles GET /v1/showtimes/:id/seats.  It returns every
// seat of the showtime with its realtime status and the seq the snapshot
// is consistent with.  Clients use it for the initial load and whenever
// they may have missed events.
func (h *SeatHandler) GetShowtimeSeats(c echo.Context) error {
	showtimeID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || showtimeID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid showtime id"})
	}
	snap, err := h.snapshots.Snapshot(c.Request().Context(), showtimeID)
	switch {
	case errors.Is(err, repository.ErrShowNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "showtime not found"})
	case err != nil:
		h.log.Error("snapshot failed", "showtime_id", showtimeID, "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to load seats"})
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, snap)
}
