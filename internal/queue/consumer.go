package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/cinema-seat-realtime/internal/logger"
)

// ErrInvalidEvent marks messages that can never be processed.  They are
// rejected without requeue.
var ErrInvalidEvent = errors.New("invalid booking event")

// BookingHandler applies one confirmed booking.
type BookingHandler func(ctx context.Context, ev BookingConfirmedEvent) error

// StartBookingConsumer connects to RabbitMQ, declares the booking.confirmed
// queue (durable), and hands every message to handle.  It runs a reconnect
// loop and only returns when ctx is cancelled.  A message whose handler
// fails is rejected so the server continues operating; transient handler
// errors are requeued once.
func StartBookingConsumer(ctx context.Context, url string, handle BookingHandler, log *logger.Logger) error {
	if log == nil {
		log = logger.Discard()
	}
	log = log.With("booking-consumer")

	backoff := time.Second
	for {
		conn, err := amqp.Dial(url)
		if err != nil {
			log.Warn("failed to dial broker", "error", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second // reset after successful connect
		log.Info("connected", "queue", BookingConfirmedQueue)

		err = consumeLoop(ctx, conn, handle, log)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("consume loop ended, reconnecting", "error", err)
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func consumeLoop(ctx context.Context, conn *amqp.Connection, handle BookingHandler, log *logger.Logger) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		log.Warn("set QoS failed", "error", err)
	}

	_, err = ch.QueueDeclare(BookingConfirmedQueue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}

	msgs, err := ch.ConsumeWithContext(ctx, BookingConfirmedQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for d := range msgs {
		err := handleMessage(ctx, d.Body, handle)
		switch {
		case err == nil:
			_ = d.Ack(false)
		case errors.Is(err, ErrInvalidEvent) || d.Redelivered:
			log.Error("handle message failed, dropping", "error", err, "redelivered", d.Redelivered)
			_ = d.Nack(false, false) // reject, do not requeue to avoid tight loops
		default:
			log.Warn("handle message failed, requeueing", "error", err)
			_ = d.Nack(false, true)
		}
	}
	return errors.New("deliveries channel closed")
}

// handleMessage decodes and validates one delivery before calling handle.
func handleMessage(ctx context.Context, body []byte, handle BookingHandler) error {
	var ev BookingConfirmedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("%w: unmarshal: %v", ErrInvalidEvent, err)
	}
	if ev.ShowID == 0 {
		return fmt.Errorf("%w: missing show_id", ErrInvalidEvent)
	}
	if len(ev.SeatIDs) == 0 {
		return fmt.Errorf("%w: reservation %d has no seat_ids", ErrInvalidEvent, ev.ReservationID)
	}
	for _, id := range ev.SeatIDs {
		if id == 0 {
			return fmt.Errorf("%w: zero seat id", ErrInvalidEvent)
		}
	}
	return handle(ctx, ev)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
