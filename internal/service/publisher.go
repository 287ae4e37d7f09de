package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/cinema-seat-realtime/internal/logger"
	q "github.com/iliyamo/cinema-seat-realtime/internal/queue"
)

// DefaultEventBuffer is how many seat events AMQPPublisher queues while the
// broker is slow or down.
const DefaultEventBuffer = 1024

var (
	// ErrEventQueueFull is returned when an event is dropped because the
	// publish queue is full.
	ErrEventQueueFull = errors.New("seat event queue full")
	errBrokerBackoff  = errors.New("broker unavailable, retry pending")
)

// EventPublisher receives every authoritative seat change.  It is called
// after the change committed and must not block.
type EventPublisher interface {
	PublishSeatEvent(ctx context.Context, ev q.SeatEventMessage) error
}

// NopPublisher drops events.  Used when no broker is configured.
type NopPublisher struct{}

// PublishSeatEvent does nothing.
func (NopPublisher) PublishSeatEvent(context.Context, q.SeatEventMessage) error { return nil }

// AMQPPublisher publishes SeatEventMessages to the seat.events queue.
// PublishSeatEvent only queues; Run owns the broker connection and sends.
// The connection is opened lazily and re-opened after a failure, with a
// pause between dials so an outage costs events but never seat operations.
type AMQPPublisher struct {
	url         string
	log         *logger.Logger
	queue       chan q.SeatEventMessage
	dialTimeout time.Duration
	retryEvery  time.Duration

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	nextDial time.Time
	dropped  int
}

// NewAMQPPublisher creates a publisher for the given broker URL.  buffer <= 0
// selects DefaultEventBuffer.  Nothing is sent until Run is started.
func NewAMQPPublisher(url string, buffer int, log *logger.Logger) *AMQPPublisher {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	if log == nil {
		log = logger.Discard()
	}
	return &AMQPPublisher{
		url:         url,
		log:         log.With("seat-events"),
		queue:       make(chan q.SeatEventMessage, buffer),
		dialTimeout: 3 * time.Second,
		retryEvery:  5 * time.Second,
	}
}

// PublishSeatEvent queues ev and returns at once.  A full queue drops the
// event and reports ErrEventQueueFull.
func (p *AMQPPublisher) PublishSeatEvent(_ context.Context, ev q.SeatEventMessage) error {
	select {
	case p.queue <- ev:
		return nil
	default:
		p.log.Warn("queue full, dropping seat event", "type", ev.Type, "show_id", ev.ShowID, "seat_id", ev.SeatID)
		return ErrEventQueueFull
	}
}

// Run sends queued events until ctx ends, then closes the connection.
// Events still queued at that point are lost.
func (p *AMQPPublisher) Run(ctx context.Context) error {
	defer p.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.queue:
			p.sendOne(ctx, ev)
		}
	}
}

func (p *AMQPPublisher) sendOne(ctx context.Context, ev q.SeatEventMessage) {
	err := p.send(ctx, ev)
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case err == nil:
		if p.dropped > 0 {
			p.log.Info("broker back", "dropped", p.dropped)
			p.dropped = 0
		}
	case errors.Is(err, errBrokerBackoff):
		p.dropped++
	default:
		p.dropped++
		p.log.Warn("seat event not published", "error", err, "type", ev.Type, "show_id", ev.ShowID, "seat_id", ev.SeatID)
	}
}

// send publishes ev as a persistent JSON message.
func (p *AMQPPublisher) send(ctx context.Context, ev q.SeatEventMessage) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal seat event: %w", err)
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // store on disk
		Timestamp:    time.Now().UTC(),
		Type:         ev.Type,
		Body:         body,
	}

	p.mu.Lock()
	ch, err := p.channel()
	p.mu.Unlock()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	if err := ch.PublishWithContext(ctx,
		"",                // default exchange
		q.SeatEventsQueue, // routing key = queue name
		false,             // mandatory
		false,             // immediate
		pub,
	); err != nil {
		p.mu.Lock()
		p.reset()
		p.mu.Unlock()
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Close releases the broker connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}

// channel returns an open channel, dialing if needed.  After a failed dial
// it refuses to dial again until retryEvery has passed.  p.mu must be held.
func (p *AMQPPublisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.reset()
	if time.Now().Before(p.nextDial) {
		return nil, errBrokerBackoff
	}
	conn, err := amqp.DialConfig(p.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(p.dialTimeout),
	})
	if err != nil {
		p.nextDial = time.Now().Add(p.retryEvery)
		return nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		p.nextDial = time.Now().Add(p.retryEvery)
		return nil, fmt.Errorf("channel open: %w", err)
	}
	// Ensure the queue exists (idempotent). Durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(q.SeatEventsQueue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		p.nextDial = time.Now().Add(p.retryEvery)
		return nil, fmt.Errorf("queue declare: %w", err)
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

// reset closes whatever is open.  p.mu must be held.
func (p *AMQPPublisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}
