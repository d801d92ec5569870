package engine

import (
	"math"
	"time"
)

// maxBackoff caps every retry delay.
const maxBackoff = 60 * time.Second

// backoffDelay computes the wait before the next attempt: 2^attempt
// seconds plus up to three seconds of jitter, doubled when the failure
// was rate limiting, capped at maxBackoff. jitter returns a value in
// [0, 1).
func backoffDelay(attempt int, rateLimited bool, jitter func() float64) time.Duration {
	secs := math.Pow(2, float64(attempt)) + jitter()*3
	if rateLimited {
		secs *= 2
	}
	d := time.Duration(secs * float64(time.Second))
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
