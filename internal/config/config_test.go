package config

import (
	"testing"
	"time"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("CFG_TEST_BOOL", "yes")
	t.Setenv("CFG_TEST_BAD_BOOL", "maybe")
	t.Setenv("CFG_TEST_INT", "12")
	t.Setenv("CFG_TEST_BAD_INT", "twelve")
	t.Setenv("CFG_TEST_DUR", "750ms")

	if !envBool("CFG_TEST_BOOL", false) || !envBool("CFG_TEST_BAD_BOOL", true) || envBool("CFG_TEST_UNSET", false) {
		t.Fatalf("unexpected envBool results")
	}
	if envInt("CFG_TEST_INT", 1) != 12 || envInt("CFG_TEST_BAD_INT", 1) != 1 {
		t.Fatalf("unexpected envInt results")
	}
	if envDur("CFG_TEST_DUR", time.Second) != 750*time.Millisecond || envDur("CFG_TEST_UNSET", time.Second) != time.Second {
		t.Fatalf("unexpected envDur results")
	}
}

func TestLoadRealtimeConfig(t *testing.T) {
	t.Setenv("SEAT_LOCK_TTL", "2m")
	t.Setenv("WS_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("WS_SEND_BUFFER", "0")
	t.Setenv("SEAT_EVENTS_ENABLED", "false")

	c := LoadRealtimeConfig()
	if c.LockTTL != 2*time.Minute {
		t.Fatalf("expected 2m lock ttl, got %v", c.LockTTL)
	}
	if len(c.AllowedOrigins) != 2 || c.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %q", c.AllowedOrigins)
	}
	if c.SendBuffer != 64 {
		t.Fatalf("invalid send buffer should fall back to 64, got %d", c.SendBuffer)
	}
	if c.PublishSeatEvents || !c.ConsumeBookings {
		t.Fatalf("unexpected toggles %+v", c)
	}
	if c.PubSubPrefix != "seats" {
		t.Fatalf("expected default prefix, got %q", c.PubSubPrefix)
	}
}

func TestLoadClientConfig(t *testing.T) {
	t.Setenv("SEATSYNC_BACKOFF_FACTOR", "0.5")
	t.Setenv("SEATSYNC_BACKOFF_INITIAL", "2s")
	t.Setenv("SEATSYNC_BACKOFF_MAX", "1s")

	c := LoadClientConfig()
	if c.BackoffFactor != 1.8 {
		t.Fatalf("factor below 1 should fall back to 1.8, got %v", c.BackoffFactor)
	}
	if c.BackoffMax != 2*time.Second {
		t.Fatalf("max below initial should be raised to initial, got %v", c.BackoffMax)
	}
	if c.SnapshotGrace != 700*time.Millisecond || c.ConfirmTimeout != 5*time.Second {
		t.Fatalf("unexpected defaults %+v", c)
	}
}

func TestLoadRateLimitConfig(t *testing.T) {
	t.Setenv("RATE_LIMIT_BURST", "5")
	t.Setenv("RATE_LIMIT_REFILL_EVERY", "2s")
	t.Setenv("RATE_LIMIT_TTL", "1s")
	t.Setenv("RATE_LIMIT_KEY_STRATEGY", "IP_ROUTE")

	c := LoadRateLimitConfig()
	if c.Capacity != 5 || c.RefillTokens != 1 || c.RefillInterval != 2*time.Second {
		t.Fatalf("unexpected bucket %+v", c)
	}
	if c.TTL != 10*time.Second {
		t.Fatalf("ttl should be raised to five refill intervals, got %v", c.TTL)
	}
	if c.KeyStrategy != "ip_route" {
		t.Fatalf("expected lower-cased strategy, got %q", c.KeyStrategy)
	}
	if !c.Exempt("/healthz") || c.Exempt("/v1/ws") {
		t.Fatalf("unexpected exemptions %q", c.ExemptPaths)
	}
}

func TestRateLimitNormalize(t *testing.T) {
	t.Parallel()

	c := RateLimitConfig{KeyStrategy: "by_moon_phase"}.normalize()
	if c.KeyStrategy != "ip_user" || c.Capacity != 1 || c.RefillTokens != 1 || c.RefillInterval != time.Second {
		t.Fatalf("unexpected normalized config %+v", c)
	}
	if c.TTL != 5*time.Second {
		t.Fatalf("expected ttl of five refill intervals, got %v", c.TTL)
	}
}

func TestAMQPURL(t *testing.T) {
	t.Setenv("RABBITMQ_URL", "amqp://rabbit:5672/")
	t.Setenv("AMQP_URL", "amqp://other:5672/")
	if got := amqpURL(); got != "amqp://rabbit:5672/" {
		t.Fatalf("RABBITMQ_URL should win, got %q", got)
	}
	t.Setenv("AMQP_DISABLED", "true")
	if got := amqpURL(); got != "" {
		t.Fatalf("disabled broker should yield empty url, got %q", got)
	}
}
