package client

import "time"

// Backoff returns the delay before reconnect attempt n (0-based):
// base doubled n times, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 || base >= max {
		return max
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}
