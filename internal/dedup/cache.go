// Package dedup bounds duplicate processing of inbound events delivered at
// least once.
package dedup

import (
	"sync"
	"time"
)

const (
	DefaultTTL           = 10 * time.Minute
	DefaultMaxEntries    = 10000
	DefaultResetInterval = time.Hour
)

// Config sets the per-id lifetime and the two coarse safety nets.
type Config struct {
	TTL           time.Duration
	MaxEntries    int
	ResetInterval time.Duration
}

// Cache remembers event ids for TTL. Two weakenings keep memory bounded:
// reaching MaxEntries clears the whole set, and so does every
// ResetInterval. An id dropped by either can be admitted again before its
// own TTL ran out.
type Cache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	resetEvery time.Duration
	seen       map[string]time.Time
	lastReset  time.Time
	now        func() time.Time
	clears     int
}

func New(cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.ResetInterval <= 0 {
		cfg.ResetInterval = DefaultResetInterval
	}
	c := &Cache{
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		resetEvery: cfg.ResetInterval,
		seen:       make(map[string]time.Time),
		now:        time.Now,
	}
	c.lastReset = c.now()
	return c
}

// AdmitOnce returns true the first time id is seen within its TTL. An empty id
// cannot be deduplicated and is always admitted.
func (c *Cache) AdmitOnce(id string) bool {
	if id == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.Sub(c.lastReset) >= c.resetEvery {
		c.clear()
		c.lastReset = now
	}
	if expires, ok := c.seen[id]; ok {
		if now.Before(expires) {
			return false
		}
		delete(c.seen, id)
	}
	if len(c.seen) >= c.maxEntries {
		c.clear()
	}
	c.seen[id] = now.Add(c.ttl)
	return true
}

// Forget releases id so a redelivery of the same event is admitted again.
func (c *Cache) Forget(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, id)
}

func (c *Cache) clear() {
	c.seen = make(map[string]time.Time)
	c.clears++
}

// Len returns the current membership count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Clears returns how many coarse clears have happened.
func (c *Cache) Clears() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clears
}
