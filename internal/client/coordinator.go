package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/iliyamo/cinema-seat-realtime/internal/logger"
	"github.com/iliyamo/cinema-seat-realtime/internal/model"
	"github.com/iliyamo/cinema-seat-realtime/internal/protocol"
)

// DefaultConfirmTimeout bounds how long a lock or release request waits for
// the server to confirm it with a delta.
const DefaultConfirmTimeout = 5 * time.Second

var (
	// ErrConfirmTimeout means no confirming delta arrived in time.  The
	// server may still have applied the command.
	ErrConfirmTimeout = errors.New("no confirmation from server")
	// ErrNotConnected means the command was not sent because the channel
	// was not CONNECTED.
	ErrNotConnected = errors.New("channel not connected")
	// ErrSeatSold means the seat is sold; sold seats never change again.
	ErrSeatSold = errors.New("seat already sold")
	// ErrSubscriptionClosed resolves requests still pending at teardown.
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// ChannelProvider hands out the live channel, if any.
type ChannelProvider interface {
	Channel() (Channel, bool)
}

// Pending tracks one lock or release request until the server confirms it.
// The store is never changed by the request itself.
type Pending struct {
	SeatID uint64
	Kind   protocol.MessageType

	// prior is the seat as mirrored when the request was made.  A snapshot
	// only confirms the request if it shows a change from it.
	prior    model.Seat
	hasPrior bool

	done chan struct{}
	once sync.Once
	err  error

	mu    sync.Mutex
	timer *time.Timer
}

func newPending(kind protocol.MessageType, seatID uint64) *Pending {
	return &Pending{SeatID: seatID, Kind: kind, done: make(chan struct{})}
}

// Done is closed once the request is resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Err returns the outcome; nil until Done is closed and on success.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the request is resolved or ctx ends.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pending) resolve(err error) bool {
	resolved := false
	p.once.Do(func() {
		p.err = err
		p.mu.Lock()
		if p.timer != nil {
			p.timer.Stop()
		}
		p.mu.Unlock()
		close(p.done)
		resolved = true
	})
	return resolved
}

// Coordinator sends lock and release commands and matches the deltas the
// server broadcasts back to the requests waiting on them.
type Coordinator struct {
	showtimeID uint64
	channels   ChannelProvider
	store      *Store
	timeout    time.Duration
	log        *logger.Logger

	mu      sync.Mutex
	pending map[uint64][]*Pending
	closed  bool
}

// NewCoordinator builds a coordinator.  timeout <= 0 selects
// DefaultConfirmTimeout.
func NewCoordinator(store *Store, channels ChannelProvider, timeout time.Duration, log *logger.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Coordinator{
		showtimeID: store.ShowtimeID(),
		channels:   channels,
		store:      store,
		timeout:    timeout,
		log:        log.With("coordinator").WithShowtime(store.ShowtimeID()),
		pending:    map[uint64][]*Pending{},
	}
}

// RequestLock asks the server to hold seatID for this client.
func (c *Coordinator) RequestLock(ctx context.Context, seatID uint64) *Pending {
	return c.request(ctx, protocol.TypeLock, seatID)
}

// RequestRelease asks the server to drop this client's hold on seatID.
func (c *Coordinator) RequestRelease(ctx context.Context, seatID uint64) *Pending {
	return c.request(ctx, protocol.TypeRelease, seatID)
}

func (c *Coordinator) request(ctx context.Context, kind protocol.MessageType, seatID uint64) *Pending {
	p := newPending(kind, seatID)

	p.prior, p.hasPrior = c.store.Seat(seatID)
	if p.hasPrior && p.prior.Status == model.StatusSold {
		p.resolve(ErrSeatSold)
		return p
	}
	ch, ok := c.channels.Channel()
	if !ok {
		p.resolve(ErrNotConnected)
		return p
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		p.resolve(ErrSubscriptionClosed)
		return p
	}
	// Registered before sending so a fast confirmation is not missed, and
	// before the timer so a timeout always finds it to forget.
	c.pending[seatID] = append(c.pending[seatID], p)
	c.mu.Unlock()

	p.mu.Lock()
	select {
	case <-p.done:
	default:
		p.timer = time.AfterFunc(c.timeout, func() {
			c.forget(p)
			if p.resolve(ErrConfirmTimeout) {
				c.log.Warn("request not confirmed", "kind", kind, "seat_id", seatID, "timeout", c.timeout)
			}
		})
	}
	p.mu.Unlock()

	var err error
	if kind == protocol.TypeLock {
		err = ch.Lock(ctx, seatID)
	} else {
		err = ch.Release(ctx, seatID)
	}
	if err != nil {
		c.forget(p)
		p.resolve(fmt.Errorf("%w: %v", ErrNotConnected, err))
		return p
	}
	return p
}

// Observe matches an applied server event against pending requests.  It
// must be called after the event reached the store.
func (c *Coordinator) Observe(ev protocol.ServerEvent) {
	switch {
	case ev.IsDelta():
		c.observeDelta(ev)
	case ev.Type == protocol.TypeSnapshot:
		c.ObserveSnapshot()
	}
}

func (c *Coordinator) observeDelta(ev protocol.ServerEvent) {
	c.mu.Lock()
	list := c.pending[ev.SeatID]
	var keep, done []*Pending
	for _, p := range list {
		switch {
		case ev.Type == protocol.TypeSeatSold:
			done = append(done, p)
		case p.Kind == protocol.TypeLock && ev.Type == protocol.TypeSeatLocked,
			p.Kind == protocol.TypeRelease && ev.Type == protocol.TypeSeatReleased:
			done = append(done, p)
		default:
			keep = append(keep, p)
		}
	}
	c.setPending(ev.SeatID, keep)
	c.mu.Unlock()

	for _, p := range done {
		if ev.Type == protocol.TypeSeatSold {
			p.resolve(ErrSeatSold)
		} else {
			p.resolve(nil)
		}
	}
}

// ObserveSnapshot settles requests whose outcome the fresh state already
// shows, e.g. a lock confirmed while the channel was down.  A seat still in
// the state it had when the request was made settles nothing: the command
// may not have been processed yet, or it was refused and times out.
func (c *Coordinator) ObserveSnapshot() {
	type outcome struct {
		p   *Pending
		err error
	}
	var settled []outcome

	c.mu.Lock()
	for seatID, list := range c.pending {
		seat, ok := c.store.Seat(seatID)
		if !ok {
			continue
		}
		var keep []*Pending
		for _, p := range list {
			switch {
			case seat.Status == model.StatusSold:
				settled = append(settled, outcome{p, ErrSeatSold})
			case p.changedTo(seat):
				settled = append(settled, outcome{p, nil})
			default:
				keep = append(keep, p)
			}
		}
		c.setPending(seatID, keep)
	}
	c.mu.Unlock()

	for _, o := range settled {
		o.p.resolve(o.err)
	}
}

// changedTo reports whether seat shows the outcome p asked for and differs
// from the seat p started from.  A lock we already held counts as changed
// once its expiry moved.
func (p *Pending) changedTo(seat model.Seat) bool {
	if !p.hasPrior {
		return false
	}
	switch p.Kind {
	case protocol.TypeLock:
		if seat.Status != model.StatusLocked {
			return false
		}
		return p.prior.Status != model.StatusLocked || !sameInstant(p.prior.LockedUntil, seat.LockedUntil)
	case protocol.TypeRelease:
		return seat.Status == model.StatusAvailable && p.prior.Status != model.StatusAvailable
	}
	return false
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// Close resolves every pending request with ErrSubscriptionClosed.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	all := c.pending
	c.pending = map[uint64][]*Pending{}
	c.mu.Unlock()
	for _, list := range all {
		for _, p := range list {
			p.resolve(ErrSubscriptionClosed)
		}
	}
}

func (c *Coordinator) forget(p *Pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.pending[p.SeatID]
	for i, q := range list {
		if q == p {
			c.setPending(p.SeatID, append(list[:i:i], list[i+1:]...))
			return
		}
	}
}

// setPending must be called with c.mu held.
func (c *Coordinator) setPending(seatID uint64, list []*Pending) {
	if len(list) == 0 {
		delete(c.pending, seatID)
		return
	}
	c.pending[seatID] = list
}
