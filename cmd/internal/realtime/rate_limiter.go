package realtime

import "time"

// RateLimiter caps inbound frames per connection over a sliding window.
// It is owned by the connection's read loop and is not safe for concurrent use.
type RateLimiter struct {
	window time.Duration
	ring   []time.Time // accepted timestamps, oldest at next once full
	next   int
	filled bool
}

// NewRateLimiter falls back to the gateway defaults for non-positive inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{window: window, ring: make([]time.Time, limit)}
}

// Allow records a frame at now and reports whether it stays within the limit.
// Rejected frames are not recorded.
func (r *RateLimiter) Allow(now time.Time) bool {
	if r.filled && r.ring[r.next].After(now.Add(-r.window)) {
		return false
	}
	r.ring[r.next] = now
	r.next++
	if r.next == len(r.ring) {
		r.next = 0
		r.filled = true
	}
	return true
}
