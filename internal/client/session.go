// Package client keeps a local mirror of one showtime's seat map in sync
// with the server over a websocket channel, and lets the holder request
// seat locks and releases.
//
// A Session ties the pieces together: the Store holds the seats, the
// Manager keeps the channel up, the Coordinator matches requests with the
// deltas that confirm them and the SnapshotSource resynchronises the store
// whenever events may have been missed.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/iliyamo/cinema-seat-realtime/internal/logger"
	"github.com/iliyamo/cinema-seat-realtime/internal/model"
	"github.com/iliyamo/cinema-seat-realtime/internal/protocol"
)

// DefaultSnapshotGrace is how long a fresh connection waits for the server
// to push a snapshot before falling back to an HTTP fetch.
const DefaultSnapshotGrace = 700 * time.Millisecond

var (
	ErrInvalidShowtime = errors.New("showtime id required")
	ErrNoDialer        = errors.New("dialer required")
)

type sessionConfig struct {
	grace          time.Duration
	confirmTimeout time.Duration
	initialFetch   bool
	managerOpts    []ManagerOption
	log            *logger.Logger
}

// SessionOption configures Subscribe.
type SessionOption func(*sessionConfig)

// WithSnapshotGrace overrides DefaultSnapshotGrace.
func WithSnapshotGrace(d time.Duration) SessionOption {
	return func(c *sessionConfig) { c.grace = d }
}

// WithConfirmTimeout overrides DefaultConfirmTimeout.
func WithConfirmTimeout(d time.Duration) SessionOption {
	return func(c *sessionConfig) { c.confirmTimeout = d }
}

// WithoutInitialFetch skips the HTTP snapshot Subscribe normally loads
// before the channel is opened.
func WithoutInitialFetch() SessionOption {
	return func(c *sessionConfig) { c.initialFetch = false }
}

// WithManagerOptions passes options through to the reconnection manager.
func WithManagerOptions(opts ...ManagerOption) SessionOption {
	return func(c *sessionConfig) { c.managerOpts = append(c.managerOpts, opts...) }
}

// WithLogger sets the logger used by the session and its parts.
func WithLogger(l *logger.Logger) SessionOption {
	return func(c *sessionConfig) { c.log = l }
}

// Session is a live subscription to one showtime.
type Session struct {
	showtimeID uint64
	store      *Store
	manager    *Manager
	coord      *Coordinator
	fetcher    SnapshotSource
	grace      time.Duration
	log        *logger.Logger
	updates    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	connGen    uint64 // bumped on every connect
	snapGen    uint64 // connGen at the last trusted snapshot
	refreshing bool
	graceTimer *time.Timer
	closed     bool
	closeOnce  sync.Once
}

// Subscribe opens a subscription.  When fetcher is set, an HTTP snapshot is
// loaded first; a 404 fails the call, other fetch errors are logged and the
// channel is relied on instead.  ctx bounds that initial fetch only; the
// session lives until Close.
func Subscribe(ctx context.Context, showtimeID uint64, dialer Dialer, fetcher SnapshotSource, opts ...SessionOption) (*Session, error) {
	if showtimeID == 0 {
		return nil, ErrInvalidShowtime
	}
	if dialer == nil {
		return nil, ErrNoDialer
	}
	cfg := sessionConfig{
		grace:          DefaultSnapshotGrace,
		confirmTimeout: DefaultConfirmTimeout,
		initialFetch:   true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = logger.Discard()
	}

	s := &Session{
		showtimeID: showtimeID,
		store:      NewStore(showtimeID),
		fetcher:    fetcher,
		grace:      cfg.grace,
		log:        cfg.log.With("session").WithShowtime(showtimeID),
		updates:    make(chan struct{}, 1),
	}

	if fetcher != nil && cfg.initialFetch {
		m, err := fetcher.Fetch(ctx, showtimeID)
		switch {
		case IsNotFound(err):
			return nil, err
		case err != nil:
			s.log.Warn("initial snapshot failed, waiting for channel", "error", err)
		default:
			if err := s.store.ApplySnapshot(m); err != nil {
				return nil, err
			}
		}
	}

	mopts := append(append([]ManagerOption{}, cfg.managerOpts...),
		WithEventHandler(s.handle),
		WithConnectHook(s.connected),
		WithStateHook(s.stateChanged),
		WithManagerLogger(cfg.log),
	)
	s.manager = NewManager(showtimeID, dialer, mopts...)
	s.coord = NewCoordinator(s.store, s.manager, cfg.confirmTimeout, cfg.log)

	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.manager.Start(s.ctx)
	return s, nil
}

// ShowtimeID returns the subscribed showtime.
func (s *Session) ShowtimeID() uint64 { return s.showtimeID }

// State returns the channel state.
func (s *Session) State() model.ChannelState { return s.manager.State() }

// Stale reports whether the mirrored state may be missing events.
func (s *Session) Stale() bool { return s.store.Stale() }

// CurrentState returns a copy of the mirrored seat map.
func (s *Session) CurrentState() *model.ShowtimeSeatMap { return s.store.CurrentState() }

// Seat returns one mirrored seat.
func (s *Session) Seat(seatID uint64) (model.Seat, bool) { return s.store.Seat(seatID) }

// Updates signals, coalesced, whenever seats or the channel state changed.
// It is closed by Close.
func (s *Session) Updates() <-chan struct{} { return s.updates }

// RequestLock sends a lock command; see Coordinator.RequestLock.
func (s *Session) RequestLock(ctx context.Context, seatID uint64) *Pending {
	return s.coord.RequestLock(ctx, seatID)
}

// RequestRelease sends a release command; see Coordinator.RequestRelease.
func (s *Session) RequestRelease(ctx context.Context, seatID uint64) *Pending {
	return s.coord.RequestRelease(ctx, seatID)
}

// Refresh fetches a snapshot in the background.  Concurrent calls collapse
// into one fetch.
func (s *Session) Refresh() { s.refresh("requested") }

// Close ends the subscription.  It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.graceTimer != nil {
			s.graceTimer.Stop()
		}
		s.mu.Unlock()

		err = s.manager.Stop(ctx)
		s.coord.Close()
		s.cancel()
		s.wg.Wait()
		s.store.MarkStale()
		close(s.updates)
		s.log.Info("subscription closed")
	})
	return err
}

// handle runs on the manager goroutine, one event at a time.
func (s *Session) handle(ev protocol.ServerEvent) {
	if ev.Type == protocol.TypeError {
		if ev.Error != nil {
			s.log.Warn("server error", "code", ev.Error.Code, "message", ev.Error.Message)
		}
		return
	}

	err := s.store.Apply(ev)
	switch {
	case err == nil:
		if ev.Type == protocol.TypeSnapshot {
			s.mu.Lock()
			s.snapGen = s.connGen
			s.mu.Unlock()
			s.log.Debug("snapshot applied", "seats", len(ev.Seats), "seq", ev.Seq)
		}
		s.coord.Observe(ev)
		s.notify()
	case errors.Is(err, ErrUnknownSeat):
		s.log.Warn("delta for unknown seat, refetching snapshot", "seat_id", ev.SeatID, "type", ev.Type)
		s.refresh("unknown seat")
	case errors.Is(err, ErrOutOfOrder):
		s.log.Debug("dropped delta", "error", err)
	default:
		s.log.Warn("event rejected", "type", ev.Type, "error", err)
	}
}

func (s *Session) connected(Channel) {
	s.store.MarkStale()
	s.store.ResetSeq()
	s.mu.Lock()
	s.connGen++
	gen := s.connGen
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.graceTimer = time.AfterFunc(s.grace, func() { s.graceExpired(gen) })
	s.mu.Unlock()
	s.notify()
}

func (s *Session) stateChanged(prev, next model.ChannelState) {
	s.log.Info("channel state", "from", prev.String(), "to", next.String())
	if next != model.ChannelConnected {
		s.store.MarkStale()
	}
	s.notify()
}

func (s *Session) graceExpired(gen uint64) {
	s.mu.Lock()
	skip := s.closed || gen != s.connGen || s.snapGen >= gen
	s.mu.Unlock()
	if skip {
		return
	}
	s.refresh("no snapshot within grace")
}

func (s *Session) refresh(reason string) {
	if s.fetcher == nil {
		return
	}
	s.mu.Lock()
	if s.closed || s.refreshing {
		s.mu.Unlock()
		return
	}
	s.refreshing = true
	gen := s.connGen
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Info("fetching snapshot", "reason", reason)
	go func() {
		defer s.wg.Done()
		m, err := s.fetcher.Fetch(s.ctx, s.showtimeID)

		s.mu.Lock()
		s.refreshing = false
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		if err != nil {
			s.log.Warn("snapshot fetch failed", "reason", reason, "error", err)
			return
		}
		applied, err := s.store.ApplySnapshotIfNewer(m)
		if err != nil {
			s.log.Warn("snapshot rejected", "error", err)
			return
		}
		if !applied {
			s.log.Debug("fetched snapshot older than local state", "seq", m.Seq)
			return
		}
		s.mu.Lock()
		if s.snapGen < gen {
			s.snapGen = gen
		}
		s.mu.Unlock()
		s.coord.ObserveSnapshot()
		s.notify()
	}()
}

func (s *Session) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.updates <- struct{}{}:
	default:
	}
}
