package stream

import (
	"math"
	"math/rand"
	"time"
)

// Backoff returns the delay before reconnect attempt n: base doubled
// per attempt, capped at max, with ±30% jitter so a fleet knocked
// offline together does not reconnect together.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := math.Pow(2, float64(attempt)) * float64(base)
	if delay > float64(max) {
		delay = float64(max)
	}
	jitter := 0.7 + 0.6*rand.Float64()
	return time.Duration(delay * jitter)
}
