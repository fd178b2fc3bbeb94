package worker

import (
	"math/rand"
	"time"
)

const (
	backoffBase = 2 * time.Second
	backoffCap  = 60 * time.Second
)

// Backoff returns the delay before dispatch attempt+1, doubling from the base
// and capped. Jitter is additive and bounded below half the step so delays
// stay strictly increasing until the cap.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	if d+jitter > backoffCap {
		return backoffCap
	}
	return d + jitter
}
