package ratelimit

import (
	"sync"
	"time"

	"apigate/internal/models"
)

// window holds the admitted timestamps for one key. All mutation happens
// under mu so that prune, count and insert form a single critical section.
type window struct {
	mu       sync.Mutex
	stamps   []time.Time // ascending
	span     time.Duration
	lastSeen time.Time
	evicted  bool
}

// SlidingLimiter is an in-memory sliding-window limiter. Each key owns an
// ordered set of admitted timestamps within its trailing window; an attempt
// is admitted only while fewer than limit entries remain after pruning.
// Admission inserts the attempt's own timestamp, so the charge lands at
// evaluation time rather than after the handler completes.
//
// A background goroutine evicts keys that have been idle for longer than
// their own window, which bounds memory for abandoned credentials.
type SlidingLimiter struct {
	mu      sync.Mutex
	windows map[string]*window

	cleanupInterval time.Duration
	done            chan struct{}
	closed          bool
}

// NewSlidingLimiter creates a sliding-window limiter and starts its
// eviction goroutine.
func NewSlidingLimiter(cleanupInterval time.Duration) *SlidingLimiter {
	s := &SlidingLimiter{
		windows:         make(map[string]*window),
		cleanupInterval: cleanupInterval,
		done:            make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// Allow evaluates one policy for key at the given instant.
func (s *SlidingLimiter) Allow(key string, policy models.RateLimitPolicy, now time.Time) (bool, Info) {
	span := policy.Window()

	s.mu.Lock()
	w, ok := s.windows[key]
	if !ok {
		w = &window{span: span, lastSeen: now}
		s.windows[key] = w
	}
	s.mu.Unlock()

	w.mu.Lock()

	// The sweeper may have tombstoned this window between the map lookup and
	// taking its lock. Re-enter so the charge lands in a live window.
	if w.evicted {
		w.mu.Unlock()
		return s.Allow(key, policy, now)
	}

	w.span = span
	w.lastSeen = now

	// Prune entries that have aged out. An entry exactly window_seconds old
	// no longer counts, so a 1/window caller admitted at t is admitted again
	// at exactly t+window.
	cutoff := now.Add(-span)
	live := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}
	w.stamps = live

	n := len(w.stamps)
	info := Info{Limit: policy.Limit}

	if n >= policy.Limit {
		info.Remaining = 0
		// An empty window can still deny when the limit is non-positive;
		// there is no oldest entry to age out, so a full span must pass.
		info.ResetAt = now.Add(span)
		info.RetryAfter = span
		if n > 0 {
			oldest := w.stamps[0]
			info.ResetAt = oldest.Add(span)
			info.RetryAfter = info.ResetAt.Sub(now)
		}
		w.mu.Unlock()
		return false, info
	}

	w.stamps = append(w.stamps, now)
	info.Remaining = policy.Limit - n - 1
	info.ResetAt = w.stamps[0].Add(span)
	w.mu.Unlock()
	return true, info
}

// Close stops the eviction goroutine.
func (s *SlidingLimiter) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

func (s *SlidingLimiter) cleanup() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.evictIdle(time.Now())
		}
	}
}

// evictIdle drops keys whose windows can no longer contain a live entry.
// A key idle for its own window span has nothing left to count.
func (s *SlidingLimiter) evictIdle(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, w := range s.windows {
		w.mu.Lock()
		if now.Sub(w.lastSeen) > w.span {
			w.evicted = true
			delete(s.windows, key)
		}
		w.mu.Unlock()
	}
}
