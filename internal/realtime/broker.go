// Package realtime pushes seat changes to websocket subscribers.  A Hub
// keeps one room per showtime; a Broker numbers every event and fans it out
// to the hubs of all server instances.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/cinema-seat-realtime/internal/logger"
	"github.com/iliyamo/cinema-seat-realtime/internal/protocol"
)

// Broker assigns the per-showtime sequence number to an event and delivers
// it to every attached hub, including the publishing one.
type Broker interface {
	// Attach sets the function receiving delivered events.  It must be
	// called before Publish or Run.
	Attach(deliver func(protocol.ServerEvent))
	Publish(ctx context.Context, ev protocol.ServerEvent) error
	// Seq returns the last sequence number handed out for a showtime.
	Seq(ctx context.Context, showtimeID uint64) (uint64, error)
	// Run receives events published by other instances until ctx ends.
	Run(ctx context.Context) error
}

// LocalBroker fans out within one process.  Used when Redis is not
// reachable and in tests.
type LocalBroker struct {
	mu      sync.Mutex
	seqs    map[uint64]uint64
	deliver func(protocol.ServerEvent)
}

// NewLocalBroker returns an in-process broker.
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{seqs: map[uint64]uint64{}, deliver: func(protocol.ServerEvent) {}}
}

func (b *LocalBroker) Attach(deliver func(protocol.ServerEvent)) {
	b.mu.Lock()
	b.deliver = deliver
	b.mu.Unlock()
}

// Publish numbers and delivers ev synchronously.  Holding the lock while
// delivering keeps delivery order equal to seq order.
func (b *LocalBroker) Publish(_ context.Context, ev protocol.ServerEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seqs[ev.ShowtimeID]++
	ev.Seq = b.seqs[ev.ShowtimeID]
	b.deliver(ev)
	return nil
}

func (b *LocalBroker) Seq(_ context.Context, showtimeID uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seqs[showtimeID], nil
}

func (b *LocalBroker) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// publishScript increments the showtime counter and publishes in one step
// so subscribers see events in seq order.  The payload is prefixed with
// "<seq>|".
var publishScript = redis.NewScript(`
	local seq = redis.call('INCR', KEYS[1])
	redis.call('PUBLISH', ARGV[1], seq .. '|' .. ARGV[2])
	return seq
`)

// RedisBroker fans out through Redis Pub/Sub on {prefix}:showtime:{id} and
// keeps the counters in {prefix}:showtime:{id}:seq.
type RedisBroker struct {
	rdb    *redis.Client
	prefix string
	log    *logger.Logger

	mu      sync.RWMutex
	deliver func(protocol.ServerEvent)
}

// NewRedisBroker builds a broker on rdb.  prefix defaults to "seats".
func NewRedisBroker(rdb *redis.Client, prefix string, log *logger.Logger) *RedisBroker {
	if prefix == "" {
		prefix = "seats"
	}
	if log == nil {
		log = logger.Discard()
	}
	return &RedisBroker{
		rdb:     rdb,
		prefix:  prefix,
		log:     log.With("redis-broker"),
		deliver: func(protocol.ServerEvent) {},
	}
}

func (b *RedisBroker) Attach(deliver func(protocol.ServerEvent)) {
	b.mu.Lock()
	b.deliver = deliver
	b.mu.Unlock()
}

func (b *RedisBroker) channel(showtimeID uint64) string {
	return b.prefix + ":showtime:" + strconv.FormatUint(showtimeID, 10)
}

func (b *RedisBroker) seqKey(showtimeID uint64) string {
	return b.channel(showtimeID) + ":seq"
}

// Publish encodes ev without a seq and lets the script number it.
func (b *RedisBroker) Publish(ctx context.Context, ev protocol.ServerEvent) error {
	ev.Seq = 0
	payload, err := protocol.EncodeServerEvent(ev)
	if err != nil {
		return err
	}
	keys := []string{b.seqKey(ev.ShowtimeID)}
	if err := publishScript.Run(ctx, b.rdb, keys, b.channel(ev.ShowtimeID), string(payload)).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", ev.Type, err)
	}
	return nil
}

func (b *RedisBroker) Seq(ctx context.Context, showtimeID uint64) (uint64, error) {
	n, err := b.rdb.Get(ctx, b.seqKey(showtimeID)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis seq: %w", err)
	}
	return n, nil
}

// Run pattern-subscribes to every showtime channel of the prefix.
func (b *RedisBroker) Run(ctx context.Context) error {
	pattern := b.prefix + ":showtime:*"
	sub := b.rdb.PSubscribe(ctx, pattern)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis psubscribe %s: %w", pattern, err)
	}
	b.log.Info("subscribed", "pattern", pattern)

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("redis subscription closed")
			}
			ev, err := decodePublished(msg.Payload)
			if err != nil {
				b.log.Warn("dropping message", "channel", msg.Channel, "error", err)
				continue
			}
			b.mu.RLock()
			deliver := b.deliver
			b.mu.RUnlock()
			deliver(ev)
		}
	}
}

// decodePublished parses "<seq>|<frame>".
func decodePublished(payload string) (protocol.ServerEvent, error) {
	seqStr, frame, ok := strings.Cut(payload, "|")
	if !ok {
		return protocol.ServerEvent{}, fmt.Errorf("%w: missing seq prefix", protocol.ErrMalformed)
	}
	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		return protocol.ServerEvent{}, fmt.Errorf("%w: seq %q", protocol.ErrMalformed, seqStr)
	}
	ev, err := protocol.DecodeServerEvent([]byte(frame))
	if err != nil {
		return protocol.ServerEvent{}, err
	}
	ev.Seq = seq
	return ev, nil
}
