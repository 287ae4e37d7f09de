package client

import (
	"context"
	"sync"
	"time"

	"github.com/iliyamo/cinema-seat-realtime/internal/logger"
	"github.com/iliyamo/cinema-seat-realtime/internal/model"
	"github.com/iliyamo/cinema-seat-realtime/internal/protocol"
)

// Manager supervises the channel of one showtime subscription: it dials,
// joins, pumps events to the handler and reconnects with backoff until it
// is stopped.  Events are handed to the handler from a single goroutine in
// the order the channel delivered them.
type Manager struct {
	showtimeID uint64
	dialer     Dialer
	backoff    *Backoff
	after      func(time.Duration) <-chan time.Time
	handler    func(protocol.ServerEvent)
	onConnect  func(Channel)
	onState    func(prev, next model.ChannelState)
	log        *logger.Logger

	mu      sync.Mutex
	state   model.ChannelState
	ch      Channel
	closing bool

	cancel   context.CancelFunc
	finished chan struct{}
	stopOnce sync.Once
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithBackoff replaces the default 1s / x1.8 / 30s policy.
func WithBackoff(b *Backoff) ManagerOption {
	return func(m *Manager) { m.backoff = b }
}

// WithTimer replaces time.After; tests use it to skip real waits.
func WithTimer(after func(time.Duration) <-chan time.Time) ManagerOption {
	return func(m *Manager) { m.after = after }
}

// WithEventHandler sets the function receiving every server event.
func WithEventHandler(h func(protocol.ServerEvent)) ManagerOption {
	return func(m *Manager) { m.handler = h }
}

// WithConnectHook runs after each successful connect and join.
func WithConnectHook(h func(Channel)) ManagerOption {
	return func(m *Manager) { m.onConnect = h }
}

// WithStateHook observes every state transition.
func WithStateHook(h func(prev, next model.ChannelState)) ManagerOption {
	return func(m *Manager) { m.onState = h }
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l *logger.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

// NewManager builds a stopped manager in DISCONNECTED.
func NewManager(showtimeID uint64, dialer Dialer, opts ...ManagerOption) *Manager {
	m := &Manager{
		showtimeID: showtimeID,
		dialer:     dialer,
		backoff:    NewBackoff(),
		after:      time.After,
		handler:    func(protocol.ServerEvent) {},
		state:      model.ChannelDisconnected,
		finished:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logger.Discard()
	}
	m.log = m.log.With("reconnect-manager").WithShowtime(showtimeID)
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() model.ChannelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Channel returns the live channel when the state is CONNECTED.
func (m *Manager) Channel() (Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != model.ChannelConnected || m.ch == nil || m.closing {
		return nil, false
	}
	return m.ch, true
}

// Start launches the supervision loop.  It must be called at most once.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go func() {
		defer close(m.finished)
		m.run(ctx)
	}()
}

// Stop tears the subscription down: event delivery stops, any pending
// reconnect is cancelled, leave is sent if connected, then the socket is
// closed.  Stop waits for the loop to exit.
func (m *Manager) Stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.closing = true
		ch, connected := m.ch, m.state == model.ChannelConnected
		m.mu.Unlock()

		if m.cancel != nil {
			m.cancel()
		}
		if ch != nil {
			if connected {
				if lerr := ch.Leave(ctx); lerr != nil {
					m.log.Debug("leave not delivered", "error", lerr)
				}
			}
			err = ch.Close()
		}
		if m.cancel != nil {
			<-m.finished
		}
		m.setState(model.ChannelDisconnected)
	})
	return err
}

func (m *Manager) run(ctx context.Context) {
	m.setState(model.ChannelConnecting)
	for {
		ch, err := m.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.log.Warn("connect failed", "error", err, "attempt", m.backoff.Attempt()+1)
			if !m.wait(ctx) {
				return
			}
			continue
		}

		m.backoff.Reset()
		m.setState(model.ChannelConnected)
		m.log.Info("connected")
		if m.onConnect != nil {
			m.onConnect(ch)
		}

		err = m.pump(ctx, ch)
		if ctx.Err() != nil {
			// Stop owns the channel from here on.
			return
		}
		_ = ch.Close()
		m.mu.Lock()
		m.ch = nil
		m.mu.Unlock()
		m.log.Warn("channel lost", "error", err)
		if !m.wait(ctx) {
			return
		}
	}
}

// connect dials and joins.  On success the channel is registered as
// current unless Stop already began.
func (m *Manager) connect(ctx context.Context) (Channel, error) {
	ch, err := m.dialer.Dial(ctx, m.showtimeID)
	if err != nil {
		return nil, err
	}
	if err := ch.Join(ctx); err != nil {
		_ = ch.Close()
		return nil, err
	}
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		_ = ch.Close()
		return nil, context.Canceled
	}
	m.ch = ch
	m.mu.Unlock()
	return ch, nil
}

// wait moves to RECONNECTING, sleeps for the next backoff delay and moves
// to CONNECTING.  It returns false when the loop must exit.
func (m *Manager) wait(ctx context.Context) bool {
	m.setState(model.ChannelReconnecting)
	delay := m.backoff.Next()
	m.log.Info("reconnecting", "delay", delay)
	select {
	case <-ctx.Done():
		return false
	case <-m.after(delay):
	}
	m.setState(model.ChannelConnecting)
	return true
}

func (m *Manager) pump(ctx context.Context, ch Channel) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch.Events():
			if !ok {
				if err := ch.Err(); err != nil {
					return err
				}
				return ErrChannelClosed
			}
			m.mu.Lock()
			closing := m.closing
			m.mu.Unlock()
			if closing {
				return context.Canceled
			}
			m.handler(ev)
		}
	}
}

func (m *Manager) setState(next model.ChannelState) {
	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return
	}
	if !prev.CanTransition(next) {
		m.log.Error("invalid channel state transition", "from", prev.String(), "to", next.String())
	}
	m.state = next
	m.mu.Unlock()
	if m.onState != nil {
		m.onState(prev, next)
	}
}
