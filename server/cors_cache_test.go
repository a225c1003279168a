package server

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/authgate/authgate/internal/testutil"
	"github.com/authgate/authgate/storage"
)

// countingReferrerStore is a ReferrerStore stub that counts loads and can be
// switched into a failing mode.
type countingReferrerStore struct {
	mu      sync.Mutex
	origins map[string]bool
	loads   int
	failing bool
}

func newCountingReferrerStore(origins ...string) *countingReferrerStore {
	s := &countingReferrerStore{origins: make(map[string]bool)}
	for _, origin := range origins {
		s.origins[origin] = true
	}
	return s
}

func (s *countingReferrerStore) SaveReferrer(_ context.Context, ref *storage.Referrer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.origins[ref.Origin] = true
	return nil
}

func (s *countingReferrerStore) HasReferrer(_ context.Context, origin string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.failing {
		return false, fmt.Errorf("store unavailable")
	}
	return s.origins[origin], nil
}

func (s *countingReferrerStore) loadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

func (s *countingReferrerStore) setFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

func newTestOriginCache(t *testing.T, store *countingReferrerStore, ttl time.Duration, maxEntries int) (*OriginCache, *testutil.MockTime) {
	t.Helper()
	cache := NewOriginCache(store, ttl, maxEntries, discard())
	clock := testutil.NewMockTime(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cache.SetClock(clock.Now)
	return cache, clock
}

func TestOriginCacheLoadsOnce(t *testing.T) {
	store := newCountingReferrerStore("https://app.example.com")
	cache, _ := newTestOriginCache(t, store, time.Minute, 10)

	if !cache.IsValidOrigin(context.Background(), "https://app.example.com") {
		t.Fatal("registered origin rejected")
	}
	if got := store.loadCount(); got != 1 {
		t.Errorf("loads after first lookup = %d, want 1", got)
	}

	// Second lookup within the TTL hits the cache.
	if !cache.IsValidOrigin(context.Background(), "https://app.example.com") {
		t.Fatal("cached origin rejected")
	}
	if got := store.loadCount(); got != 1 {
		t.Errorf("loads after second lookup = %d, want 1", got)
	}
}

func TestOriginCacheCachesNegativeDecisions(t *testing.T) {
	store := newCountingReferrerStore()
	cache, _ := newTestOriginCache(t, store, time.Minute, 10)

	if cache.IsValidOrigin(context.Background(), "https://unknown.example.com") {
		t.Fatal("unregistered origin accepted")
	}
	if cache.IsValidOrigin(context.Background(), "https://unknown.example.com") {
		t.Fatal("unregistered origin accepted")
	}
	if got := store.loadCount(); got != 1 {
		t.Errorf("loads = %d, want 1", got)
	}
}

func TestOriginCacheTTLExpiry(t *testing.T) {
	store := newCountingReferrerStore("https://app.example.com")
	cache, clock := newTestOriginCache(t, store, time.Minute, 10)

	cache.IsValidOrigin(context.Background(), "https://app.example.com")
	clock.Advance(time.Minute + time.Second)

	if !cache.IsValidOrigin(context.Background(), "https://app.example.com") {
		t.Fatal("registered origin rejected after TTL")
	}
	if got := store.loadCount(); got != 2 {
		t.Errorf("loads after TTL expiry = %d, want 2", got)
	}
}

func TestOriginCacheFailsClosed(t *testing.T) {
	store := newCountingReferrerStore("https://app.example.com")
	store.setFailing(true)
	cache, _ := newTestOriginCache(t, store, time.Minute, 10)

	if cache.IsValidOrigin(context.Background(), "https://app.example.com") {
		t.Fatal("origin accepted while the store is down")
	}

	// The failure is not cached: once the store recovers, the next lookup
	// loads again and succeeds.
	store.setFailing(false)
	if !cache.IsValidOrigin(context.Background(), "https://app.example.com") {
		t.Fatal("origin rejected after store recovery")
	}
	if got := store.loadCount(); got != 2 {
		t.Errorf("loads = %d, want 2", got)
	}
}

func TestOriginCacheEvictsLRU(t *testing.T) {
	store := newCountingReferrerStore("https://a.example.com", "https://b.example.com", "https://c.example.com")
	cache, _ := newTestOriginCache(t, store, time.Minute, 2)

	cache.IsValidOrigin(context.Background(), "https://a.example.com")
	cache.IsValidOrigin(context.Background(), "https://b.example.com")

	// Touch a so b becomes the eviction candidate.
	cache.IsValidOrigin(context.Background(), "https://a.example.com")
	cache.IsValidOrigin(context.Background(), "https://c.example.com")

	if got := cache.Size(); got != 2 {
		t.Fatalf("Size() = %d, want 2", got)
	}

	before := store.loadCount()
	cache.IsValidOrigin(context.Background(), "https://a.example.com")
	if store.loadCount() != before {
		t.Error("a was evicted instead of b")
	}
	cache.IsValidOrigin(context.Background(), "https://b.example.com")
	if store.loadCount() != before+1 {
		t.Error("b should have been evicted and reloaded")
	}
}

func TestOriginCacheCoalescesConcurrentMisses(t *testing.T) {
	store := newCountingReferrerStore("https://app.example.com")
	cache, _ := newTestOriginCache(t, store, time.Minute, 10)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !cache.IsValidOrigin(context.Background(), "https://app.example.com") {
				t.Error("registered origin rejected")
			}
		}()
	}
	wg.Wait()

	// Coalescing keeps concurrent misses well below one load each. The
	// exact count depends on scheduling, so only the ceiling is asserted.
	if got := store.loadCount(); got > 4 {
		t.Errorf("loads = %d, want coalesced misses", got)
	}
}

func TestOriginCacheEmptyOrigin(t *testing.T) {
	store := newCountingReferrerStore()
	cache, _ := newTestOriginCache(t, store, time.Minute, 10)

	if cache.IsValidOrigin(context.Background(), "") {
		t.Fatal("empty origin accepted")
	}
	if got := store.loadCount(); got != 0 {
		t.Errorf("loads = %d, want 0", got)
	}
}
