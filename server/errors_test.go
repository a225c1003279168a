package server

import (
	"net/http"
	"net/url"
	"testing"
)

func TestNewErrorStatuses(t *testing.T) {
	tests := []struct {
		code   string
		status int
	}{
		{ErrorCodeInvalidRequest, http.StatusBadRequest},
		{ErrorCodeInvalidClient, http.StatusUnauthorized},
		{ErrorCodeInvalidGrant, http.StatusBadRequest},
		{ErrorCodeUnauthorizedClient, http.StatusBadRequest},
		{ErrorCodeAccessDenied, http.StatusForbidden},
		{ErrorCodeUnsupportedResponseType, http.StatusBadRequest},
		{ErrorCodeInvalidScope, http.StatusBadRequest},
		{ErrorCodeServerError, http.StatusInternalServerError},
		{ErrorCodeTemporarilyUnavailable, http.StatusServiceUnavailable},
		{ErrorCodeUnsupportedGrantType, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := NewError(tt.code, "")
			if err.Status != tt.status {
				t.Errorf("status = %d, want %d", err.Status, tt.status)
			}
			if err.Description == "" {
				t.Error("default description is empty")
			}
		})
	}
}

func TestNewErrorUnknownCodeDegradesToServerError(t *testing.T) {
	err := NewError("made_up_code", "")
	if err.Code != ErrorCodeServerError {
		t.Errorf("code = %q, want %q", err.Code, ErrorCodeServerError)
	}
	if err.Status != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", err.Status)
	}
}

func TestNewErrorCustomDescription(t *testing.T) {
	err := ErrInvalidRequest("missing widget")
	if err.Description != "missing widget" {
		t.Errorf("description = %q, want %q", err.Description, "missing widget")
	}
}

func TestRedirectErrorQueryEncoding(t *testing.T) {
	rerr := &RedirectError{
		RedirectURI: "https://example.com/cb?keep=1",
		State:       "xyz",
		Err:         ErrUnsupportedResponseType(""),
	}

	u, err := url.Parse(rerr.Location())
	if err != nil {
		t.Fatalf("failed to parse location: %v", err)
	}
	q := u.Query()
	if got := q.Get("error"); got != ErrorCodeUnsupportedResponseType {
		t.Errorf("error = %q, want %q", got, ErrorCodeUnsupportedResponseType)
	}
	if got := q.Get("state"); got != "xyz" {
		t.Errorf("state = %q, want %q", got, "xyz")
	}
	// Existing query parameters survive the merge.
	if got := q.Get("keep"); got != "1" {
		t.Errorf("keep = %q, want %q", got, "1")
	}
	if u.Fragment != "" {
		t.Errorf("fragment = %q, want empty", u.Fragment)
	}
}

func TestRedirectErrorFragmentEncoding(t *testing.T) {
	rerr := &RedirectError{
		RedirectURI: "http://valid.example.com/redirect",
		UseFragment: true,
		Err:         ErrUnsupportedResponseType(""),
	}

	u, err := url.Parse(rerr.Location())
	if err != nil {
		t.Fatalf("failed to parse location: %v", err)
	}
	frag, err := url.ParseQuery(u.Fragment)
	if err != nil {
		t.Fatalf("failed to parse fragment: %v", err)
	}
	if got := frag.Get("error"); got != ErrorCodeUnsupportedResponseType {
		t.Errorf("fragment error = %q, want %q", got, ErrorCodeUnsupportedResponseType)
	}
	if u.Query().Get("error") != "" {
		t.Error("error leaked into the query string")
	}
	// Absent client state is omitted, not sent empty.
	if frag.Has("state") {
		t.Error("empty state was encoded")
	}
}
