package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BucketLimiter is a token-bucket limiter backed by golang.org/x/time/rate,
// one bucket per key. It fronts the gate for unauthenticated traffic, where
// the smoothing of a token bucket matters more than exact window counts.
// Stale buckets are evicted by a background goroutine.
type BucketLimiter struct {
	rate            rate.Limit
	burst           int
	perMinute       int
	cleanupInterval time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	done    chan struct{}
	closed  bool
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewBucketLimiter creates a limiter admitting requestsPerMinute per key with
// the given burst, and starts its eviction goroutine.
func NewBucketLimiter(requestsPerMinute, burst int, cleanupInterval time.Duration) *BucketLimiter {
	b := &BucketLimiter{
		rate:            rate.Every(time.Minute / time.Duration(requestsPerMinute)),
		burst:           burst,
		perMinute:       requestsPerMinute,
		cleanupInterval: cleanupInterval,
		buckets:         make(map[string]*bucket),
		done:            make(chan struct{}),
	}
	go b.cleanup()
	return b
}

// Allow reports whether a request from key is admitted and returns header
// state. Unlike the sliding limiter there is no per-request policy; the rate
// is fixed at construction.
func (b *BucketLimiter) Allow(key string) (bool, Info) {
	now := time.Now()

	b.mu.Lock()
	bk, ok := b.buckets[key]
	if !ok {
		bk = &bucket{lim: rate.NewLimiter(b.rate, b.burst)}
		b.buckets[key] = bk
	}
	bk.lastSeen = now
	b.mu.Unlock()

	allowed := bk.lim.Allow()

	tokens := bk.lim.TokensAt(now)
	info := Info{
		Limit:     b.perMinute,
		Remaining: int(math.Max(0, math.Floor(tokens))),
		ResetAt:   now,
	}
	if deficit := float64(b.burst) - tokens; deficit > 0 {
		info.ResetAt = now.Add(time.Duration(deficit / float64(b.rate) * float64(time.Second)))
	}
	if !allowed {
		res := bk.lim.Reserve()
		info.RetryAfter = res.Delay()
		res.Cancel()
	}
	return allowed, info
}

// Close stops the eviction goroutine.
func (b *BucketLimiter) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
}

func (b *BucketLimiter) cleanup() {
	ticker := time.NewTicker(b.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * b.cleanupInterval)
			b.mu.Lock()
			for key, bk := range b.buckets {
				if bk.lastSeen.Before(cutoff) {
					delete(b.buckets, key)
				}
			}
			b.mu.Unlock()
		}
	}
}
