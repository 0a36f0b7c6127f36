package controlchannel

import (
	"sync"
	"time"
)

// connRateLimiter enforces the control channel's per-connection rate limit
// (spec §4.7: ≤100 messages/second) over fixed windows: a window opens at
// the first message after the previous window has run its full length, and
// its count starts from zero. It is not a sliding window, so up to twice
// the limit can pass within one second that straddles a window boundary.
// Every well-formed message counts, including one whose command is later
// rejected as invalid. Grounded on
// shield.RateLimiter's bucket{count, resetAt} scheme, narrowed from
// per-IP-per-endpoint-with-SQLite-backed-rules to a single in-memory
// counter scoped to one connection — a control channel has no shared
// state to reload or garbage collect.
type connRateLimiter struct {
	mu         sync.Mutex
	limit      int
	windowLen  time.Duration
	count      int
	windowFrom time.Time
}

func newConnRateLimiter(limit int, windowLen time.Duration) *connRateLimiter {
	if limit <= 0 {
		limit = 100
	}
	if windowLen <= 0 {
		windowLen = time.Second
	}
	return &connRateLimiter{limit: limit, windowLen: windowLen, windowFrom: time.Now()}
}

// Allow reports whether one more message may be processed in the current
// window, incrementing the counter either way (spec's violations
// "drop the message" rather than reset the window).
func (r *connRateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.windowFrom) >= r.windowLen {
		r.windowFrom = now
		r.count = 0
	}

	r.count++
	return r.count <= r.limit
}
