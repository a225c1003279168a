package authgate

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/authgate/authgate/internal/testutil"
	"github.com/authgate/authgate/storage/memory"
)

func TestNewRequiresStore(t *testing.T) {
	if _, err := New(nil, nil, discard()); err == nil {
		t.Fatal("expected error for nil store")
	}
}

func TestAuthGateServesToken(t *testing.T) {
	store := memory.New()
	store.SetLogger(discard())

	config := &Config{}
	config.Server.ApplicationID = "test-app"

	gate, err := New(store, config, discard())
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	t.Cleanup(gate.Close)

	if err := store.SaveClient(context.Background(), testutil.GenerateTestClient()); err != nil {
		t.Fatalf("failed to save client: %v", err)
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", testutil.TestClientID)
	form.Set("client_secret", "s3cret")
	form.Set("scope", "debug")

	req := httptest.NewRequest("POST", "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	gate.Routes().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestAuthGateStartAndClose(t *testing.T) {
	store := memory.New()
	store.SetLogger(discard())

	config := &Config{}
	config.Server.ApplicationID = "test-app"

	gate, err := New(store, config, discard())
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gate.Start(ctx)

	// Close is idempotent and must not panic or hang, started or not.
	gate.Close()
	gate.Close()
}

func TestAuthGateCloseWithoutStart(t *testing.T) {
	store := memory.New()
	store.SetLogger(discard())

	config := &Config{}
	config.Server.ApplicationID = "test-app"

	gate, err := New(store, config, discard())
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	gate.Close()
}
