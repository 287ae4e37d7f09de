package config

import (
	"strings"
	"time"
)

// RealtimeConfig tunes the websocket hub, the lock authority and the
// Pub/Sub fan-out.
type RealtimeConfig struct {
	LockTTL           time.Duration // how long a seat lock lasts
	SweepInterval     time.Duration // how often expired locks are freed
	SendBuffer        int           // frames queued per connection before it is dropped
	PingInterval      time.Duration // websocket keepalive
	PubSubPrefix      string        // Redis key and channel prefix
	AllowedOrigins    []string      // empty allows any origin
	ConsumeBookings   bool          // run the booking.confirmed consumer
	PublishSeatEvents bool          // publish seat.events
}

// LoadRealtimeConfig reads the optional realtime settings.
func LoadRealtimeConfig() RealtimeConfig {
	c := RealtimeConfig{
		LockTTL:           envDur("SEAT_LOCK_TTL", 5*time.Minute),
		SweepInterval:     envDur("LOCK_SWEEP_INTERVAL", 5*time.Second),
		SendBuffer:        envInt("WS_SEND_BUFFER", 64),
		PingInterval:      envDur("WS_PING_INTERVAL", 30*time.Second),
		PubSubPrefix:      envStr("SEAT_PUBSUB_PREFIX", "seats"),
		AllowedOrigins:    splitList(envStr("WS_ALLOWED_ORIGINS", "")),
		ConsumeBookings:   envBool("BOOKING_CONSUMER_ENABLED", true),
		PublishSeatEvents: envBool("SEAT_EVENTS_ENABLED", true),
	}
	if c.LockTTL < time.Second {
		c.LockTTL = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.SendBuffer < 1 {
		c.SendBuffer = 64
	}
	if c.PingInterval < time.Second {
		c.PingInterval = 30 * time.Second
	}
	return c
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
