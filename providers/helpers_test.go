package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestGetJSONWithRetryDecodesResponse(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sub":"user-1","email":"u@example.com"}`))
	}))
	defer srv.Close()

	var out struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
	}
	err := GetJSONWithRetry(context.Background(), srv.Client(), srv.URL, "tok-123", &out)
	if err != nil {
		t.Fatalf("GetJSONWithRetry() error = %v", err)
	}
	if out.Sub != "user-1" {
		t.Errorf("sub = %q, want %q", out.Sub, "user-1")
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer tok-123")
	}
}

func TestGetJSONWithRetryRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var out struct {
		OK bool `json:"ok"`
	}
	err := GetJSONWithRetry(context.Background(), srv.Client(), srv.URL, "tok", &out)
	if err != nil {
		t.Fatalf("GetJSONWithRetry() error = %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server calls = %d, want 3", got)
	}
	if !out.OK {
		t.Error("response not decoded after retries")
	}
}

func TestGetJSONWithRetryDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	var out struct{}
	err := GetJSONWithRetry(context.Background(), srv.Client(), srv.URL, "bad-token", &out)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server calls = %d, want 1 (4xx must not be retried)", got)
	}
}
