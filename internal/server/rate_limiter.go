// Package server implements the per-connection token bucket that protects
// the broadcaster from a single flooding client.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

// newRateLimiter allows capacity messages per interval with a burst of
// capacity.
func newRateLimiter(capacity int, interval time.Duration) *rate.Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	every := rate.Every(interval / time.Duration(capacity))
	return rate.NewLimiter(every, capacity)
}
