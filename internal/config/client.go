package config

import "time"

// ClientConfig configures the seatwatch CLI and any other user of the
// client library.  Flags override these values.
type ClientConfig struct {
	BaseURL        string        // HTTP API root including /v1
	WSURL          string        // websocket endpoint
	Token          string        // bearer access token
	BackoffInitial time.Duration
	BackoffFactor  float64
	BackoffMax     time.Duration
	SnapshotGrace  time.Duration // wait for a pushed snapshot before fetching one
	ConfirmTimeout time.Duration // wait for a lock or release to be confirmed
	LogLevel       string
}

// LoadClientConfig reads SEATSYNC_* variables with defaults suited to a
// local server.
func LoadClientConfig() ClientConfig {
	c := ClientConfig{
		BaseURL:        envStr("SEATSYNC_BASE_URL", "http://localhost:8080/v1"),
		WSURL:          envStr("SEATSYNC_WS_URL", "ws://localhost:8080/v1/ws"),
		Token:          envStr("SEATSYNC_TOKEN", ""),
		BackoffInitial: envDur("SEATSYNC_BACKOFF_INITIAL", time.Second),
		BackoffFactor:  envFloat("SEATSYNC_BACKOFF_FACTOR", 1.8),
		BackoffMax:     envDur("SEATSYNC_BACKOFF_MAX", 30*time.Second),
		SnapshotGrace:  envDur("SEATSYNC_SNAPSHOT_GRACE", 700*time.Millisecond),
		ConfirmTimeout: envDur("SEATSYNC_CONFIRM_TIMEOUT", 5*time.Second),
		LogLevel:       envStr("LOG_LEVEL", "warn"),
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 1.8
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
	return c
}
