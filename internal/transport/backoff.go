package transport

import (
	"math"
	"time"
)

// Backoff computes reconnect delays.
type Backoff struct {
	// Initial is the delay before the first retry.
	// Default: 500ms
	Initial time.Duration

	// Max caps the delay.
	// Default: 10s
	Max time.Duration

	// Multiplier is applied after each consecutive failure.
	// Default: 1.5
	Multiplier float64
}

// DefaultBackoff returns the default reconnect backoff.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    500 * time.Millisecond,
		Max:        10 * time.Second,
		Multiplier: 1.5,
	}
}

// Delay returns the delay before retry attempt n (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return b.Initial
	}

	delay := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt-1))
	if delay > float64(b.Max) {
		return b.Max
	}
	return time.Duration(delay)
}
