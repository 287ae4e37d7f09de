package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4" // import the Echo web framework to handle routing

	"github.com/iliyamo/cinema-seat-realtime/internal/handler"    // handlers for health, snapshots and websockets
	"github.com/iliyamo/cinema-seat-realtime/internal/middleware" // JWT authentication and role enforcement
)

// Roles allowed on the seat endpoints.  Owners watch their halls, customers
// pick seats; both see the same stream.
var seatRoles = []string{"OWNER", "CUSTOMER"}

// RegisterRoutes registers non-authenticated routes on the provided Echo
// instance.  Currently it exposes only the health check.
func RegisterRoutes(e *echo.Echo, h *handler.HealthHandler) {
	e.GET("/healthz", h.Health)
}

// RegisterSeats registers the seat snapshot and websocket endpoints under
// /v1.  Both require a valid access token and go through the rate limiter,
// which runs after JWTAuth so the bucket can be keyed by user.
func RegisterSeats(e *echo.Echo, jwtSecret string, rateLimit echo.MiddlewareFunc, seats *handler.SeatHandler, rt *handler.RealtimeHandler) {
	g := e.Group("/v1")
	g.Use(middleware.JWTAuth(jwtSecret))
	g.Use(middleware.RequireRole(seatRoles...))
	if rateLimit != nil {
		g.Use(rateLimit)
	}

	// Full seat map of one showtime with its seq.
	g.GET("/showtimes/:id/seats", seats.GetShowtimeSeats)
	// Websocket upgrade; subscriptions are made with join frames.
	g.GET("/ws", rt.Serve)
}
