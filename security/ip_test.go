package security

import (
	"net/http/httptest"
	"testing"
)

func TestClientIP_DirectConnection(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "198.51.100.4:52011"

	if got := ClientIP(r, false, 0); got != "198.51.100.4" {
		t.Errorf("ClientIP() = %q, want %q", got, "198.51.100.4")
	}
}

func TestClientIP_IgnoresHeadersWithoutTrust(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "198.51.100.4:52011"
	r.Header.Set("X-Forwarded-For", "203.0.113.9")

	if got := ClientIP(r, false, 0); got != "198.51.100.4" {
		t.Errorf("ClientIP() = %q, want RemoteAddr host when proxy is untrusted", got)
	}
}

func TestClientIP_ForwardedFor(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		proxyCount int
		want       string
	}{
		{"single proxy", "203.0.113.9", 1, "203.0.113.9"},
		{"two proxies", "203.0.113.9, 10.0.0.2", 1, "203.0.113.9"},
		{"trust two of three", "203.0.113.9, 10.0.0.2, 10.0.0.3", 2, "203.0.113.9"},
		{"zero count defaults to one", "203.0.113.9, 10.0.0.2", 0, "203.0.113.9"},
		{"spoofed extra entry", "6.6.6.6, 203.0.113.9, 10.0.0.2", 2, "6.6.6.6"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = "10.0.0.1:4000"
			r.Header.Set("X-Forwarded-For", tt.xff)

			if got := ClientIP(r, true, tt.proxyCount); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientIP_MalformedForwardedForFallsBack(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "198.51.100.4:52011"
	r.Header.Set("X-Forwarded-For", "not-an-ip")

	if got := ClientIP(r, true, 1); got != "198.51.100.4" {
		t.Errorf("ClientIP() = %q, want RemoteAddr host for malformed header", got)
	}
}

func TestClientIP_RealIPHeader(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:4000"
	r.Header.Set("X-Real-IP", "203.0.113.9")

	if got := ClientIP(r, true, 1); got != "203.0.113.9" {
		t.Errorf("ClientIP() = %q, want X-Real-IP value", got)
	}
}
