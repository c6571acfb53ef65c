// ABOUTME: Exponential backoff schedule for broker reconnect attempts.
// ABOUTME: Doubles from one second per attempt, capped at thirty seconds.

package proxy

import "time"

const (
	// InitialBackoff is the delay after the first failed attempt.
	InitialBackoff = 1 * time.Second

	// MaxBackoff caps the delay regardless of attempt count.
	MaxBackoff = 30 * time.Second
)

// CalculateBackoff returns the reconnect delay for the given attempt number,
// starting at attempt 0: min(InitialBackoff * 2^attempt, MaxBackoff).
func CalculateBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 2^5 already exceeds the cap; avoid shifting into overflow territory.
	if attempt > 5 {
		return MaxBackoff
	}
	d := InitialBackoff << uint(attempt)
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}
