package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cinema-seat-realtime/internal/logger"
	"github.com/iliyamo/cinema-seat-realtime/internal/middleware"
	"github.com/iliyamo/cinema-seat-realtime/internal/realtime"
)

// RealtimeHandler upgrades GET /v1/ws to a websocket and hands the
// connection to the hub.  Subscriptions happen over the socket with join
// commands.
type RealtimeHandler struct {
	base     context.Context // server lifetime; cancelled on shutdown
	hub      *realtime.Hub
	upgrader websocket.Upgrader
	cfg      realtime.ConnConfig
	log      *logger.Logger
}

// NewRealtimeHandler builds the handler.  An empty allowedOrigins list
// accepts any Origin header.
func NewRealtimeHandler(base context.Context, hub *realtime.Hub, cfg realtime.ConnConfig, allowedOrigins []string, log *logger.Logger) *RealtimeHandler {
	if log == nil {
		log = logger.Discard()
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &RealtimeHandler{
		base: base,
		hub:  hub,
		cfg:  cfg,
		log:  log.With("ws-handler"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
	}
}

// Serve handles GET /v1/ws.  The request must already be authenticated.
// It blocks until the connection ends.
func (h *RealtimeHandler) Serve(c echo.Context) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader already wrote the HTTP error.
		h.log.Info("upgrade failed", "error", err, "remote", c.RealIP())
		return nil
	}
	conn := realtime.NewConn(ws, h.hub, userID, h.cfg, h.log)
	h.log.Debug("connection opened", "conn_id", conn.ID(), "user_id", userID, "role", middleware.Role(c), "remote", c.RealIP())
	conn.Run(h.base)
	return nil
}
