package config

import (
	"strings"
	"time"
)

// RateLimitConfig configures the Redis token bucket in front of the
// snapshot and websocket routes.  The websocket route sees one request per
// (re)connect, so the bucket mostly absorbs reconnect storms after a
// server restart.
type RateLimitConfig struct {
	Enabled        bool
	Capacity       int
	RefillTokens   int
	RefillInterval time.Duration
	TTL            time.Duration
	KeyStrategy    string
	Prefix         string
	ExemptPaths    []string // route paths never limited, e.g. /healthz
	Debug          bool
}

var keyStrategies = map[string]bool{
	"ip": true, "user": true, "route": true,
	"ip_user": true, "ip_route": true, "user_route": true, "ip_user_route": true,
}

// LoadRateLimitConfig reads RATE_LIMIT_*.  RATE_LIMIT_BURST and
// RATE_LIMIT_REFILL_EVERY are shorthands for capacity and a one-token
// refill.
func LoadRateLimitConfig() RateLimitConfig {
	c := RateLimitConfig{
		Enabled:        envBool("RATE_LIMIT_ENABLED", true),
		Capacity:       envInt("RATE_LIMIT_CAPACITY", 60),
		RefillTokens:   envInt("RATE_LIMIT_REFILL_TOKENS", 1),
		RefillInterval: envDur("RATE_LIMIT_REFILL_INTERVAL", time.Second),
		TTL:            envDur("RATE_LIMIT_TTL", 10*time.Minute),
		KeyStrategy:    strings.ToLower(envStr("RATE_LIMIT_KEY_STRATEGY", "ip_user")),
		Prefix:         envStr("RATE_LIMIT_PREFIX", "rl"),
		ExemptPaths:    splitList(envStr("RATE_LIMIT_EXEMPT", "/healthz")),
		Debug:          envBool("RATE_LIMIT_DEBUG", false),
	}
	if b := envInt("RATE_LIMIT_BURST", -1); b > 0 {
		c.Capacity = b
	}
	if every := envDur("RATE_LIMIT_REFILL_EVERY", 0); every > 0 {
		c.RefillTokens = 1
		c.RefillInterval = every
	}
	return c.normalize()
}

// normalize clamps values the Lua script cannot work with.  The key TTL
// must outlive several refills or idle callers would get a full bucket
// back too early.
func (c RateLimitConfig) normalize() RateLimitConfig {
	if c.Capacity < 1 {
		c.Capacity = 1
	}
	if c.RefillTokens < 1 {
		c.RefillTokens = 1
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = time.Second
	}
	if minTTL := 5 * c.RefillInterval; c.TTL < minTTL {
		c.TTL = minTTL
	}
	if !keyStrategies[c.KeyStrategy] {
		c.KeyStrategy = "ip_user"
	}
	return c
}

// Exempt reports whether path bypasses the limiter.
func (c RateLimitConfig) Exempt(path string) bool {
	for _, p := range c.ExemptPaths {
		if p == path {
			return true
		}
	}
	return false
}
