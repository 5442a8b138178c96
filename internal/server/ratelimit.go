package server

import (
	"sync"
	"time"
)

// rateLimiter enforces a per-sender sliding window of inbound
// messages. Senders over the limit have their messages dropped until
// the window clears.
type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	limit   int
	history map[string][]time.Time

	// now is swappable in tests.
	now func() time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		window:  window,
		limit:   limit,
		history: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// allow records an inbound message from sender and reports whether it
// is within the rate limit. A zero limit allows everything.
func (r *rateLimiter) allow(sender string) bool {
	if r.limit <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	kept := r.history[sender][:0]
	for _, t := range r.history[sender] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= r.limit {
		r.history[sender] = kept
		return false
	}

	r.history[sender] = append(kept, now)
	return true
}
