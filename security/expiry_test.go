package security

import (
	"testing"
	"time"
)

func TestIsExpired(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	lifetime := 10 * time.Minute

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"well before expiry", created.Add(5 * time.Minute), false},
		{"exactly at expiry boundary", created.Add(lifetime), false},
		{"one nanosecond past boundary", created.Add(lifetime + time.Nanosecond), true},
		{"one second past boundary", created.Add(lifetime + time.Second), true},
		{"before creation", created.Add(-time.Minute), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpired(created, lifetime, tt.now); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsExpiredZeroCreatedAt(t *testing.T) {
	if IsExpired(time.Time{}, time.Second, time.Now()) {
		t.Error("zero createdAt should never be expired")
	}
}

func TestExpiresAt(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	want := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	if got := ExpiresAt(created, 30*time.Minute); !got.Equal(want) {
		t.Errorf("ExpiresAt() = %v, want %v", got, want)
	}
}

func TestIsExpiringSoon(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	lifetime := 10 * time.Minute

	if !IsExpiringSoon(created, lifetime, 2*time.Minute, created.Add(9*time.Minute)) {
		t.Error("expected token expiring within threshold to be reported as expiring soon")
	}
	if IsExpiringSoon(created, lifetime, 2*time.Minute, created.Add(5*time.Minute)) {
		t.Error("token outside threshold should not be expiring soon")
	}
}
