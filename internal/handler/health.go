package handler // declare the package name; contains HTTP handlers

import (
	"context"
	"net/http" // net/http provides status codes and response helpers
	"time"

	"github.com/labstack/echo/v4" // echo is the web framework used for this project
)

// Pinger is anything the health check can ping: *sql.DB satisfies it
// directly, Redis through PingFunc.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// PingContext calls f.
func (f PingFunc) PingContext(ctx context.Context) error { return f(ctx) }

// HealthHandler reports whether the service and its dependencies respond.
type HealthHandler struct {
	checks map[string]Pinger
}

// NewHealthHandler builds a handler probing the named dependencies.  Nil
// entries are reported as "disabled".
func NewHealthHandler(checks map[string]Pinger) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// Health is used by load balancers and monitoring systems.  It answers 200
// with {"status":"ok"} when every dependency responds and 503 otherwise.
func (h *HealthHandler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, p := range h.checks {
		if p == nil {
			deps[name] = "disabled"
			continue
		}
		if err := p.PingContext(ctx); err != nil {
			deps[name] = "down"
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		deps[name] = "up"
	}
	return c.JSON(code, echo.Map{"status": status, "dependencies": deps})
}
