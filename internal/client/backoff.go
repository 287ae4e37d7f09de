package client

import (
	"math"
	"time"
)

// Default reconnect policy.
const (
	DefaultBackoffInitial = 1000 * time.Millisecond
	DefaultBackoffFactor  = 1.8
	DefaultBackoffMax     = 30000 * time.Millisecond
)

// Backoff produces reconnect delays that grow geometrically from Initial by
// Factor, capped at Max and rounded to the millisecond.  The exponent is
// applied to the unrounded value so rounding does not accumulate.
type Backoff struct {
	Initial time.Duration
	Factor  float64
	Max     time.Duration

	attempt int
}

// NewBackoff returns the default 1s / x1.8 / 30s policy.
func NewBackoff() *Backoff {
	return &Backoff{Initial: DefaultBackoffInitial, Factor: DefaultBackoffFactor, Max: DefaultBackoffMax}
}

// Next returns the delay before the next attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	d := b.delay(b.attempt)
	b.attempt++
	return d
}

// Reset starts the sequence over; called after a successful connection.
func (b *Backoff) Reset() { b.attempt = 0 }

// Attempt returns how many delays have been handed out since the last reset.
func (b *Backoff) Attempt() int { return b.attempt }

func (b *Backoff) delay(n int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = DefaultBackoffInitial
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	ms := float64(initial.Milliseconds()) * math.Pow(factor, float64(n))
	if b.Max > 0 && ms >= float64(b.Max.Milliseconds()) {
		return b.Max
	}
	return time.Duration(math.Round(ms)) * time.Millisecond
}
