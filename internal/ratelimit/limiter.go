// Package ratelimit provides rate limiting for the admission gate. The
// primary primitive is a sliding-window limiter: every quota tier, from
// per-minute to per-month, is the same algorithm parameterized by limit and
// window length. A token-bucket limiter keyed by client IP guards the gate
// itself against unauthenticated floods.
package ratelimit

import (
	"time"

	"apigate/internal/models"
)

// Limiter decides whether a request charged under key is admitted for one
// policy window. Implementations must be safe for concurrent use and must
// evaluate prune, count and conditional insert atomically per key.
type Limiter interface {
	// Allow checks the policy for key at the given instant. On admission the
	// attempt is charged immediately; a later downstream failure does not
	// refund the slot. Returns whether the request is admitted and window
	// state for populating response headers.
	Allow(key string, policy models.RateLimitPolicy, now time.Time) (allowed bool, info Info)

	// Close stops background goroutines and releases resources.
	Close()
}

// Info contains rate limit state for populating response headers.
type Info struct {
	Limit      int           // Maximum requests per window
	Remaining  int           // Slots left in the current window
	ResetAt    time.Time     // When the oldest charged slot leaves the window
	RetryAfter time.Duration // How long to wait (meaningful only when denied)
}
