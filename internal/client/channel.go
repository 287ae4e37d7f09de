package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iliyamo/cinema-seat-realtime/internal/logger"
	"github.com/iliyamo/cinema-seat-realtime/internal/protocol"
)

// ErrChannelClosed is returned by commands on a closed channel.
var ErrChannelClosed = errors.New("channel closed")

// Channel is one live push connection scoped to a showtime.  Events are
// delivered in server order on the Events channel, which is closed when the
// connection ends.  Commands are fire-and-forget: a nil error only means the
// frame was written, the effect shows up later as a delta.
type Channel interface {
	Events() <-chan protocol.ServerEvent
	Join(ctx context.Context) error
	Leave(ctx context.Context) error
	Lock(ctx context.Context, seatID uint64) error
	Release(ctx context.Context, seatID uint64) error
	// Err returns why the channel ended, or nil if it was closed locally
	// or is still open.
	Err() error
	Close() error
}

// Dialer opens channels.  The reconnection manager calls it once per
// attempt.
type Dialer interface {
	Dial(ctx context.Context, showtimeID uint64) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, showtimeID uint64) (Channel, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, showtimeID uint64) (Channel, error) {
	return f(ctx, showtimeID)
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadTimeout      = 75 * time.Second
	writeWait               = 10 * time.Second
	eventBuffer             = 64
)

// WSDialer dials the server websocket endpoint, e.g. ws://localhost:8080/v1/ws.
type WSDialer struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
	// ReadTimeout closes the connection when nothing, not even a ping,
	// arrived for this long.
	ReadTimeout time.Duration
	Logger      *logger.Logger
}

// Dial opens the websocket.  The showtime travels as a query parameter for
// access logs only; the subscription itself is made by Join.
func (d *WSDialer) Dial(ctx context.Context, showtimeID uint64) (Channel, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse ws url: %w", err)
	}
	q := u.Query()
	q.Set("showtime_id", strconv.FormatUint(showtimeID, 10))
	u.RawQuery = q.Encode()

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = d.HandshakeTimeout
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = defaultHandshakeTimeout
	}
	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws dial %s: %s: %w", u.Redacted(), resp.Status, err)
		}
		return nil, fmt.Errorf("ws dial %s: %w", u.Redacted(), err)
	}

	log := d.Logger
	if log == nil {
		log = logger.Discard()
	}
	readTimeout := d.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	ch := &wsChannel{
		conn:        conn,
		showtimeID:  showtimeID,
		events:      make(chan protocol.ServerEvent, eventBuffer),
		done:        make(chan struct{}),
		readTimeout: readTimeout,
		log:         log.With("ws-channel").WithShowtime(showtimeID),
	}
	go ch.readLoop()
	return ch, nil
}

type wsChannel struct {
	conn        *websocket.Conn
	showtimeID  uint64
	events      chan protocol.ServerEvent
	done        chan struct{}
	readTimeout time.Duration
	log         *logger.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

func (c *wsChannel) Events() <-chan protocol.ServerEvent { return c.events }

func (c *wsChannel) Join(ctx context.Context) error {
	return c.send(ctx, protocol.NewCommand(protocol.TypeJoin, c.showtimeID, 0))
}

func (c *wsChannel) Leave(ctx context.Context) error {
	return c.send(ctx, protocol.NewCommand(protocol.TypeLeave, c.showtimeID, 0))
}

func (c *wsChannel) Lock(ctx context.Context, seatID uint64) error {
	return c.send(ctx, protocol.NewCommand(protocol.TypeLock, c.showtimeID, seatID))
}

func (c *wsChannel) Release(ctx context.Context, seatID uint64) error {
	return c.send(ctx, protocol.NewCommand(protocol.TypeRelease, c.showtimeID, seatID))
}

func (c *wsChannel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

func (c *wsChannel) send(ctx context.Context, cmd protocol.Command) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	b, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("write %s: %w", cmd.Type, err)
	}
	return nil
}

func (c *wsChannel) readLoop() {
	defer close(c.events)
	defer c.conn.Close()

	extend := func() { _ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)) }
	extend()
	c.conn.SetPingHandler(func(data string) error {
		extend()
		err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.errMu.Lock()
				c.err = err
				c.errMu.Unlock()
			}
			return
		}
		extend()
		ev, err := protocol.DecodeServerEvent(msg)
		if err != nil {
			c.log.Warn("dropping undecodable frame", "error", err)
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}
