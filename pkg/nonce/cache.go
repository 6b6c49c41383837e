// Package nonce provides time-bounded replay detection for signed requests
// and mandates.
package nonce

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL keeps nonces long enough to cover the signature window.
const DefaultTTL = 8 * time.Minute

// sweepInterval bounds how often expired entries are purged.
const sweepInterval = 60 * time.Second

// Cache records nonces for a bounded time.
type Cache interface {
	// Seen reports whether nonce was recorded and has not expired.
	Seen(ctx context.Context, nonce string) (bool, error)
	// Remember records nonce for the cache TTL.
	Remember(ctx context.Context, nonce string) error
	// Claim atomically records nonce and reports whether it was new.
	Claim(ctx context.Context, nonce string) (bool, error)
	// Forget releases a claim whose operation did not complete.
	Forget(ctx context.Context, nonce string) error
}

// MemoryCache is a process-local Cache. Expired entries are purged lazily,
// at most once per sweep interval, from whichever call observes the deadline.
type MemoryCache struct {
	mu        sync.Mutex
	entries   map[string]time.Time
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewMemoryCache creates a MemoryCache. A non-positive ttl uses DefaultTTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock overrides the cache clock (tests).
func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	c.now = now
	c.lastSweep = now()
	return c
}

func (c *MemoryCache) Seen(_ context.Context, nonce string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.maybeSweepLocked(now)
	exp, ok := c.entries[nonce]
	return ok && now.Before(exp), nil
}

func (c *MemoryCache) Remember(_ context.Context, nonce string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.maybeSweepLocked(now)
	c.entries[nonce] = now.Add(c.ttl)
	return nil
}

func (c *MemoryCache) Claim(_ context.Context, nonce string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.maybeSweepLocked(now)
	if exp, ok := c.entries[nonce]; ok && now.Before(exp) {
		return false, nil
	}
	c.entries[nonce] = now.Add(c.ttl)
	return true, nil
}

func (c *MemoryCache) Forget(_ context.Context, nonce string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, nonce)
	return nil
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep purges expired entries immediately.
func (c *MemoryCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.now())
}

func (c *MemoryCache) maybeSweepLocked(now time.Time) {
	if now.Sub(c.lastSweep) < sweepInterval {
		return
	}
	c.sweepLocked(now)
}

func (c *MemoryCache) sweepLocked(now time.Time) int {
	removed := 0
	for k, exp := range c.entries {
		if !now.Before(exp) {
			delete(c.entries, k)
			removed++
		}
	}
	c.lastSweep = now
	return removed
}
