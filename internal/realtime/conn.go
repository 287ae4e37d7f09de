package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/iliyamo/cinema-seat-realtime/internal/logger"
	"github.com/iliyamo/cinema-seat-realtime/internal/protocol"
)

// ConnConfig tunes one websocket connection.
type ConnConfig struct {
	SendBuffer   int           // frames queued per connection before it is dropped
	PingInterval time.Duration // server pings; the read deadline is 3/2 of it
	WriteWait    time.Duration
	MaxFrame     int64
}

func (c ConnConfig) withDefaults() ConnConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxFrame <= 0 {
		c.MaxFrame = 4096
	}
	return c
}

// Conn is a websocket subscriber: a read pump feeding commands to the hub
// and a write pump draining a bounded send queue.
type Conn struct {
	id     string
	userID uint64
	ws     *websocket.Conn
	hub    *Hub
	cfg    ConnConfig
	log    *logger.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn wraps an upgraded websocket.
func NewConn(ws *websocket.Conn, hub *Hub, userID uint64, cfg ConnConfig, log *logger.Logger) *Conn {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.Discard()
	}
	id := uuid.NewString()
	return &Conn{
		id:     id,
		userID: userID,
		ws:     ws,
		hub:    hub,
		cfg:    cfg,
		log:    &logger.Logger{Logger: log.With("ws-conn").Logger.With("conn_id", id, "user_id", userID)},
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() uint64 { return c.userID }

// Send queues frame unless the queue is full or the connection closed.
func (c *Conn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close stops both pumps.  The write pump sends the close frame.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Run serves the connection until the peer goes away, ctx ends or the hub
// drops it.  It leaves every room before returning.
func (c *Conn) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(ctx)
	}()

	c.readPump(ctx)
	c.hub.LeaveAll(c)
	c.Close()
	wg.Wait()
	_ = c.ws.Close()
	c.log.Debug("connection closed")
}

func (c *Conn) readPump(ctx context.Context) {
	pongWait := c.cfg.PingInterval * 3 / 2
	c.ws.SetReadLimit(c.cfg.MaxFrame)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Unblock ReadMessage when the hub drops us or ctx ends.
	go func() {
		select {
		case <-c.done:
		case <-ctx.Done():
		}
		_ = c.ws.SetReadDeadline(time.Now())
	}()

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.closed() {
				c.log.Info("read failed", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		cmd, err := protocol.DecodeCommand(msg)
		if err != nil {
			c.hub.sendError(c, cmd.ShowtimeID, CodeMalformed, err.Error())
			continue
		}
		c.hub.HandleCommand(ctx, c, cmd)
	}
}

func (c *Conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.log.Debug("write failed", "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ctx.Done():
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"))
			return
		}
	}
}

func (c *Conn) write(kind int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	err := c.ws.WriteMessage(kind, data)
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
