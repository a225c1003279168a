package security

import (
	"fmt"
	"log/slog"
	"testing"
	"time"
)

func TestNewRateLimiter(t *testing.T) {
	rl := NewRateLimiter(10, 20, nil)
	defer rl.Stop()

	if rl.rate != 10 {
		t.Errorf("rate = %v, want 10", rl.rate)
	}
	if rl.burst != 20 {
		t.Errorf("burst = %d, want 20", rl.burst)
	}
	if rl.logger == nil {
		t.Error("logger should not be nil")
	}
	if rl.maxKeys != defaultMaxLimiterEntries {
		t.Errorf("maxKeys = %d, want %d", rl.maxKeys, defaultMaxLimiterEntries)
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(10, 5, slog.Default())
	defer rl.Stop()

	key := "203.0.113.7"

	for i := 0; i < 5; i++ {
		if !rl.Allow(key) {
			t.Errorf("Allow() request %d should be allowed", i+1)
		}
	}

	if rl.Allow(key) {
		t.Error("Allow() should return false once the burst is exhausted")
	}
}

func TestRateLimiter_Allow_SeparateKeys(t *testing.T) {
	rl := NewRateLimiter(10, 2, slog.Default())
	defer rl.Stop()

	for i := 0; i < 2; i++ {
		if !rl.Allow("key-1") {
			t.Errorf("Allow(key-1) request %d should be allowed", i+1)
		}
	}

	if rl.Allow("key-1") {
		t.Error("Allow(key-1) should return false when rate limited")
	}
	if !rl.Allow("key-2") {
		t.Error("Allow(key-2) should be allowed, keys have separate buckets")
	}
}

func TestRateLimiter_Allow_RefillOverTime(t *testing.T) {
	rl := NewRateLimiter(10, 1, slog.Default())
	defer rl.Stop()

	key := "refill-key"

	if !rl.Allow(key) {
		t.Fatal("first request should be allowed")
	}
	if rl.Allow(key) {
		t.Fatal("second immediate request should be limited")
	}

	time.Sleep(150 * time.Millisecond)

	if !rl.Allow(key) {
		t.Error("request after refill interval should be allowed")
	}
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl := NewRateLimiterWithMaxKeys(10, 10, 3, slog.Default())
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		rl.Allow(fmt.Sprintf("key-%d", i))
	}

	if got := rl.Size(); got != 3 {
		t.Errorf("Size() = %d, want 3 after eviction", got)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(10, 10, slog.Default())
	defer rl.Stop()

	rl.Allow("stale-key")

	// Everything was touched just now, nothing should be removed.
	rl.Cleanup(time.Minute)
	if got := rl.Size(); got != 1 {
		t.Errorf("Size() = %d, want 1 after no-op cleanup", got)
	}

	// A zero idle threshold removes everything not touched this instant.
	time.Sleep(10 * time.Millisecond)
	rl.Cleanup(time.Millisecond)
	if got := rl.Size(); got != 0 {
		t.Errorf("Size() = %d, want 0 after cleanup", got)
	}
}

func TestRateLimiter_StopIdempotent(t *testing.T) {
	rl := NewRateLimiter(1, 1, slog.Default())
	rl.Stop()
	rl.Stop()
}
