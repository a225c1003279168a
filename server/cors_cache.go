package server

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/authgate/authgate/instrumentation"
	"github.com/authgate/authgate/storage"
)

// OriginCache answers CORS origin membership questions from a size- and
// time-bounded cache in front of the referrer table. Concurrent misses for
// the same origin are coalesced into a single storage load, and a failing
// load resolves to false: an unreachable store must not make CORS
// permissive.
type OriginCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently used

	ttl        time.Duration
	maxEntries int

	group   singleflight.Group
	store   storage.ReferrerStore
	logger  *slog.Logger
	metrics *instrumentation.Metrics
	now     func() time.Time
}

type originEntry struct {
	origin    string
	allowed   bool
	expiresAt time.Time
}

// NewOriginCache creates an origin cache over the referrer store.
func NewOriginCache(store storage.ReferrerStore, ttl time.Duration, maxEntries int, logger *slog.Logger) *OriginCache {
	if ttl <= 0 {
		ttl = DefaultOriginCacheTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultOriginCacheEntries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OriginCache{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		ttl:        ttl,
		maxEntries: maxEntries,
		store:      store,
		logger:     logger,
		now:        time.Now,
	}
}

// SetMetrics wires instrumentation counters into the cache.
func (c *OriginCache) SetMetrics(m *instrumentation.Metrics) {
	c.metrics = m
}

// SetClock overrides the cache's time source for tests.
func (c *OriginCache) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// IsValidOrigin reports whether the origin is registered as a referrer.
func (c *OriginCache) IsValidOrigin(ctx context.Context, origin string) bool {
	if origin == "" {
		return false
	}

	if allowed, ok := c.lookup(origin); ok {
		if c.metrics != nil {
			c.metrics.RecordCORSLookup(ctx, true)
		}
		return allowed
	}
	if c.metrics != nil {
		c.metrics.RecordCORSLookup(ctx, false)
	}

	// Coalesce concurrent misses for the same origin into one load.
	result, err, _ := c.group.Do(origin, func() (any, error) {
		allowed, err := c.store.HasReferrer(ctx, origin)
		if err != nil {
			return nil, err
		}
		c.insert(origin, allowed)
		return allowed, nil
	})
	if err != nil {
		// Fail closed, and leave the entry uncached so the next lookup
		// retries once the store recovers.
		c.logger.Error("origin lookup failed", "origin", origin, "error", err)
		if c.metrics != nil {
			c.metrics.RecordCORSLoadFailure(ctx)
		}
		return false
	}
	return result.(bool)
}

// lookup returns the cached decision for origin, if present and fresh.
func (c *OriginCache) lookup(origin string) (allowed, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, found := c.entries[origin]
	if !found {
		return false, false
	}
	entry := elem.Value.(*originEntry)
	if c.now().After(entry.expiresAt) {
		c.lru.Remove(elem)
		delete(c.entries, origin)
		return false, false
	}
	c.lru.MoveToFront(elem)
	return entry.allowed, true
}

// insert records a decision, evicting from the LRU tail when full.
func (c *OriginCache) insert(origin string, allowed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, found := c.entries[origin]; found {
		entry := elem.Value.(*originEntry)
		entry.allowed = allowed
		entry.expiresAt = c.now().Add(c.ttl)
		c.lru.MoveToFront(elem)
		return
	}

	for len(c.entries) >= c.maxEntries {
		back := c.lru.Back()
		if back == nil {
			break
		}
		c.lru.Remove(back)
		delete(c.entries, back.Value.(*originEntry).origin)
	}

	elem := c.lru.PushFront(&originEntry{
		origin:    origin,
		allowed:   allowed,
		expiresAt: c.now().Add(c.ttl),
	})
	c.entries[origin] = elem
}

// Size returns the number of cached origins.
func (c *OriginCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
