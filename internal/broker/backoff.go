package broker

import (
	"math"
	"time"
)

// Backoff controls the delay between reconnection attempts.
type Backoff struct {
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // cap on the delay between retries
	Multiplier   float64       // exponential growth factor (e.g. 2.0)
}

// DefaultBackoff returns the reconnection backoff used in production.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// Delay returns the wait before the given attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return b.InitialDelay
	}

	delay := float64(b.InitialDelay) * math.Pow(b.Multiplier, float64(attempt))
	if delay > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(delay)
}
