package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"apigate/internal/models"
	"apigate/internal/storage"
)

// entry is a cached snapshot from the store. Entries are idempotent, so
// concurrent refills may race-and-overwrite without coordination.
type entry struct {
	record   *models.Credential
	cachedAt time.Time
}

// Cache fronts the credential store with a TTL-bounded read cache keyed by
// key hash. A fresh hit never touches the store; a miss or stale entry
// refills synchronously under a bounded timeout. A stale entry is never
// served to mask a store outage.
type Cache struct {
	store        Store
	ttl          time.Duration
	storeTimeout time.Duration

	mu      sync.RWMutex
	entries map[string]*entry

	hits   atomic.Int64
	misses atomic.Int64

	done   chan struct{}
	closed bool
}

// NewCache creates a credential cache and starts its sweep goroutine, which
// drops entries past their TTL so abandoned keys do not accumulate.
func NewCache(store Store, ttl, storeTimeout time.Duration) *Cache {
	c := &Cache{
		store:        store,
		ttl:          ttl,
		storeTimeout: storeTimeout,
		entries:      make(map[string]*entry),
		done:         make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Resolve maps a raw API key to its credential record. Within the TTL the
// cached snapshot is returned as-is; revocations in the store become visible
// on the first Resolve after the snapshot expires, and no later than TTL
// after they were made.
func (c *Cache) Resolve(ctx context.Context, rawKey string) (*models.Credential, error) {
	hash := models.HashCredential(rawKey)
	now := time.Now()

	c.mu.RLock()
	e, ok := c.entries[hash]
	c.mu.RUnlock()
	if ok && now.Sub(e.cachedAt) <= c.ttl {
		c.hits.Add(1)
		return e.record, nil
	}
	c.misses.Add(1)

	storeCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	rec, err := c.store.GetCredentialByHash(storeCtx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.drop(hash)
			return nil, ErrNotFound
		}
		// Fail closed: an expired snapshot is not an answer.
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	c.mu.Lock()
	c.entries[hash] = &entry{record: rec, cachedAt: now}
	c.mu.Unlock()
	return rec, nil
}

// SetStatus persists a status transition through to the store under the
// cache's timeout and updates the cached snapshot so in-process callers see
// the transition immediately.
func (c *Cache) SetStatus(ctx context.Context, rec *models.Credential, status models.CredentialStatus) error {
	storeCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	if err := c.store.SetCredentialStatus(storeCtx, rec.ID, status); err != nil {
		return fmt.Errorf("set credential status: %w", err)
	}

	updated := *rec
	updated.Status = status
	updated.UpdatedAt = time.Now().UTC()

	c.mu.Lock()
	c.entries[rec.KeyHash] = &entry{record: &updated, cachedAt: time.Now()}
	c.mu.Unlock()
	return nil
}

// Invalidate removes the cached snapshot for a raw key, forcing the next
// Resolve to consult the store.
func (c *Cache) Invalidate(rawKey string) {
	c.drop(models.HashCredential(rawKey))
}

// InvalidateHash is Invalidate for callers that only hold the stored hash,
// such as the admin API acting on a persisted record.
func (c *Cache) InvalidateHash(hash string) {
	c.drop(hash)
}

// Stats returns cumulative hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Close stops the sweep goroutine.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

func (c *Cache) drop(hash string) {
	c.mu.Lock()
	delete(c.entries, hash)
	c.mu.Unlock()
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-c.ttl)
			c.mu.Lock()
			for hash, e := range c.entries {
				if e.cachedAt.Before(cutoff) {
					delete(c.entries, hash)
				}
			}
			c.mu.Unlock()
		}
	}
}
