package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/authgate/authgate/internal/testutil"
	"github.com/authgate/authgate/providers"
	"github.com/authgate/authgate/providers/mock"
	"github.com/authgate/authgate/storage"
	"github.com/authgate/authgate/storage/memory"
)

const implicitClientID = "f2a8c6e4-3b1d-4597-8c20-6d4e9a0b1c35"

func newFlowServer(t *testing.T) (*Server, *memory.Store, *mock.Provider, *testutil.MockTime) {
	t.Helper()

	srv, store, clock := newTestServer(t)
	provider := mock.NewProvider()
	srv.RegisterProvider(provider)
	srv.Config.DefaultAuthenticator = "mock"

	saveClient(t, store, &storage.Client{
		ID:            grantClientID,
		Type:          storage.ClientTypeAuthorizationGrant,
		SecretHash:    testutil.MustHashSecret("s3cret"),
		ApplicationID: "test-app",
		RedirectURIs:  []string{"https://example.com/cb"},
		Scopes:        []string{"read", "write"},
		CreatedAt:     time.Now(),
	})
	saveClient(t, store, &storage.Client{
		ID:            implicitClientID,
		Type:          storage.ClientTypeImplicit,
		ApplicationID: "test-app",
		RedirectURIs:  []string{"http://valid.example.com/redirect"},
		Scopes:        []string{"read"},
		CreatedAt:     time.Now(),
	})
	return srv, store, provider, clock
}

// stateFromURL pulls the state parameter out of a provider authorization URL.
func stateFromURL(t *testing.T, location string) string {
	t.Helper()
	u, err := url.Parse(location)
	if err != nil {
		t.Fatalf("failed to parse location: %v", err)
	}
	state := u.Query().Get("state")
	if state == "" {
		t.Fatal("provider URL carries no state")
	}
	return state
}

func TestStartAuthorizationFlow(t *testing.T) {
	srv, store, _, _ := newFlowServer(t)

	location, err := srv.StartAuthorizationFlow(context.Background(), &AuthorizeRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     grantClientID,
		RedirectURI:  "https://example.com/cb",
		Scope:        "read",
		State:        "client-csrf",
	})
	if err != nil {
		t.Fatalf("StartAuthorizationFlow() error = %v", err)
	}
	if !strings.HasPrefix(location, "https://mock.example.com/authorize") {
		t.Errorf("location = %q, want provider URL", location)
	}

	stateID := stateFromURL(t, location)
	state, err := store.ConsumeAuthenticatorState(context.Background(), stateID)
	if err != nil {
		t.Fatalf("state not persisted: %v", err)
	}
	if state.ClientID != grantClientID {
		t.Errorf("state client = %q, want %q", state.ClientID, grantClientID)
	}
	if state.ClientState != "client-csrf" {
		t.Errorf("state client_state = %q, want %q", state.ClientState, "client-csrf")
	}
	if state.ResponseType != ResponseTypeCode {
		t.Errorf("state response_type = %q, want %q", state.ResponseType, ResponseTypeCode)
	}
}

func TestStartAuthorizationFlowPreRedirectErrors(t *testing.T) {
	srv, _, _, _ := newFlowServer(t)

	// Failures before the redirect target is verified must not redirect.
	tests := []struct {
		name string
		req  *AuthorizeRequest
	}{
		{
			name: "missing client_id",
			req:  &AuthorizeRequest{ResponseType: ResponseTypeCode},
		},
		{
			name: "unknown client",
			req: &AuthorizeRequest{
				ResponseType: ResponseTypeCode,
				ClientID:     "0d9e8f7a-6b5c-4d3e-2f1a-0b9c8d7e6f5a",
			},
		},
		{
			name: "unregistered redirect",
			req: &AuthorizeRequest{
				ResponseType: ResponseTypeCode,
				ClientID:     grantClientID,
				RedirectURI:  "https://evil.example.com/cb",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := srv.StartAuthorizationFlow(context.Background(), tt.req)

			var rerr *RedirectError
			if errors.As(err, &rerr) {
				t.Fatalf("got RedirectError before redirect verification: %v", err)
			}
			var oerr *Error
			if !errors.As(err, &oerr) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if oerr.Code != ErrorCodeInvalidRequest {
				t.Errorf("error code = %q, want %q", oerr.Code, ErrorCodeInvalidRequest)
			}
		})
	}
}

func TestStartAuthorizationFlowRedirectErrors(t *testing.T) {
	srv, _, _, _ := newFlowServer(t)

	tests := []struct {
		name         string
		req          *AuthorizeRequest
		wantCode     string
		wantFragment bool
	}{
		{
			name: "implicit client with unknown response_type",
			req: &AuthorizeRequest{
				ResponseType: "invalid",
				ClientID:     implicitClientID,
			},
			wantCode:     ErrorCodeUnsupportedResponseType,
			wantFragment: true,
		},
		{
			name: "grant client asking for a token response",
			req: &AuthorizeRequest{
				ResponseType: ResponseTypeToken,
				ClientID:     grantClientID,
				RedirectURI:  "https://example.com/cb",
			},
			wantCode: ErrorCodeUnauthorizedClient,
		},
		{
			name: "unknown scope",
			req: &AuthorizeRequest{
				ResponseType: ResponseTypeCode,
				ClientID:     grantClientID,
				RedirectURI:  "https://example.com/cb",
				Scope:        "read launch-missiles",
			},
			wantCode: ErrorCodeInvalidScope,
		},
		{
			name: "unknown authenticator",
			req: &AuthorizeRequest{
				ResponseType:  ResponseTypeCode,
				ClientID:      grantClientID,
				RedirectURI:   "https://example.com/cb",
				Authenticator: "myspace",
			},
			wantCode: ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := srv.StartAuthorizationFlow(context.Background(), tt.req)

			var rerr *RedirectError
			if !errors.As(err, &rerr) {
				t.Fatalf("expected RedirectError, got %v", err)
			}
			if rerr.Err.Code != tt.wantCode {
				t.Errorf("error code = %q, want %q", rerr.Err.Code, tt.wantCode)
			}
			if rerr.UseFragment != tt.wantFragment {
				t.Errorf("UseFragment = %v, want %v", rerr.UseFragment, tt.wantFragment)
			}

			u, perr := url.Parse(rerr.Location())
			if perr != nil {
				t.Fatalf("failed to parse location: %v", perr)
			}
			var encoded url.Values
			if tt.wantFragment {
				encoded, perr = url.ParseQuery(u.Fragment)
			} else {
				encoded = u.Query()
			}
			if perr != nil {
				t.Fatalf("failed to parse error params: %v", perr)
			}
			if got := encoded.Get("error"); got != tt.wantCode {
				t.Errorf("encoded error = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestStartAuthorizationFlowRequiresPKCE(t *testing.T) {
	srv, _, _, _ := newFlowServer(t)
	srv.Config.RequirePKCE = true

	_, err := srv.StartAuthorizationFlow(context.Background(), &AuthorizeRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     grantClientID,
		RedirectURI:  "https://example.com/cb",
	})
	var rerr *RedirectError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected RedirectError, got %v", err)
	}
	if rerr.Err.Code != ErrorCodeInvalidRequest {
		t.Errorf("error code = %q, want %q", rerr.Err.Code, ErrorCodeInvalidRequest)
	}
}

func TestHandleProviderCallbackIssuesCode(t *testing.T) {
	srv, store, _, _ := newFlowServer(t)
	challenge, _ := testutil.GeneratePKCEPair()

	location, err := srv.StartAuthorizationFlow(context.Background(), &AuthorizeRequest{
		ResponseType:        ResponseTypeCode,
		ClientID:            grantClientID,
		RedirectURI:         "https://example.com/cb",
		Scope:               "read",
		State:               "client-csrf",
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
	})
	if err != nil {
		t.Fatalf("StartAuthorizationFlow() error = %v", err)
	}

	result, err := srv.HandleProviderCallback(context.Background(), stateFromURL(t, location), "provider-code", "", "127.0.0.1")
	if err != nil {
		t.Fatalf("HandleProviderCallback() error = %v", err)
	}
	if result.Code == "" {
		t.Fatal("no authorization code issued")
	}
	if result.UseFragment {
		t.Error("code flow must not use the fragment")
	}
	if result.State != "client-csrf" {
		t.Errorf("state = %q, want %q", result.State, "client-csrf")
	}
	if result.SessionID == "" {
		t.Error("no session created")
	}

	// The code carries the PKCE binding for the later exchange.
	code, err := store.GetToken(context.Background(), result.Code)
	if err != nil {
		t.Fatalf("code not persisted: %v", err)
	}
	if code.Type != storage.TokenTypeAuthorizationCode {
		t.Errorf("code type = %q, want %q", code.Type, storage.TokenTypeAuthorizationCode)
	}
	if code.CodeChallenge != challenge {
		t.Errorf("code challenge = %q, want %q", code.CodeChallenge, challenge)
	}
	if code.RedirectURI != "https://example.com/cb" {
		t.Errorf("code redirect = %q, want the verified redirect", code.RedirectURI)
	}

	// A resolved identity exists for the provider subject.
	identity, err := store.FindIdentity(context.Background(), "mock", "mock-user-123")
	if err != nil {
		t.Fatalf("identity not created: %v", err)
	}
	if identity.ID != code.IdentityID {
		t.Errorf("code identity = %q, want %q", code.IdentityID, identity.ID)
	}

	loc, err := url.Parse(result.Location())
	if err != nil {
		t.Fatalf("failed to parse result location: %v", err)
	}
	if got := loc.Query().Get("code"); got != result.Code {
		t.Errorf("location code = %q, want %q", got, result.Code)
	}
	if got := loc.Query().Get("state"); got != "client-csrf" {
		t.Errorf("location state = %q, want %q", got, "client-csrf")
	}
}

func TestHandleProviderCallbackImplicit(t *testing.T) {
	srv, store, _, _ := newFlowServer(t)

	location, err := srv.StartAuthorizationFlow(context.Background(), &AuthorizeRequest{
		ResponseType: ResponseTypeToken,
		ClientID:     implicitClientID,
		Scope:        "read",
		State:        "xyz",
	})
	if err != nil {
		t.Fatalf("StartAuthorizationFlow() error = %v", err)
	}

	result, err := srv.HandleProviderCallback(context.Background(), stateFromURL(t, location), "provider-code", "", "127.0.0.1")
	if err != nil {
		t.Fatalf("HandleProviderCallback() error = %v", err)
	}
	if !result.UseFragment {
		t.Error("implicit flow must use the fragment")
	}
	if result.AccessToken == "" {
		t.Fatal("no access token issued")
	}
	if result.TokenType != "Bearer" {
		t.Errorf("token type = %q, want %q", result.TokenType, "Bearer")
	}

	// Implicit clients never get a refresh token.
	token, err := store.GetToken(context.Background(), result.AccessToken)
	if err != nil {
		t.Fatalf("token not persisted: %v", err)
	}
	if token.Type != storage.TokenTypeBearer {
		t.Errorf("token type = %q, want %q", token.Type, storage.TokenTypeBearer)
	}

	loc, err := url.Parse(result.Location())
	if err != nil {
		t.Fatalf("failed to parse result location: %v", err)
	}
	frag, err := url.ParseQuery(loc.Fragment)
	if err != nil {
		t.Fatalf("failed to parse fragment: %v", err)
	}
	if got := frag.Get("access_token"); got != result.AccessToken {
		t.Errorf("fragment access_token = %q, want %q", got, result.AccessToken)
	}
	if loc.Query().Get("access_token") != "" {
		t.Error("access token leaked into the query string")
	}
}

func TestHandleProviderCallbackStateRejections(t *testing.T) {
	srv, _, _, clock := newFlowServer(t)

	// No verified redirect exists for a bad state, so these are plain
	// protocol errors, never redirects.
	t.Run("empty state", func(t *testing.T) {
		_, err := srv.HandleProviderCallback(context.Background(), "", "code", "", "127.0.0.1")
		var oerr *Error
		if !errors.As(err, &oerr) || oerr.Code != ErrorCodeInvalidRequest {
			t.Fatalf("expected invalid_request, got %v", err)
		}
	})

	t.Run("unknown state", func(t *testing.T) {
		_, err := srv.HandleProviderCallback(context.Background(), "no-such-state", "code", "", "127.0.0.1")
		var oerr *Error
		if !errors.As(err, &oerr) || oerr.Code != ErrorCodeInvalidRequest {
			t.Fatalf("expected invalid_request, got %v", err)
		}
	})

	t.Run("expired state", func(t *testing.T) {
		location, err := srv.StartAuthorizationFlow(context.Background(), &AuthorizeRequest{
			ResponseType: ResponseTypeCode,
			ClientID:     grantClientID,
			RedirectURI:  "https://example.com/cb",
		})
		if err != nil {
			t.Fatalf("StartAuthorizationFlow() error = %v", err)
		}
		clock.Advance(DefaultStateTTL + time.Second)

		_, err = srv.HandleProviderCallback(context.Background(), stateFromURL(t, location), "code", "", "127.0.0.1")
		var oerr *Error
		if !errors.As(err, &oerr) || oerr.Code != ErrorCodeInvalidRequest {
			t.Fatalf("expected invalid_request, got %v", err)
		}
	})

	t.Run("state is single use", func(t *testing.T) {
		location, err := srv.StartAuthorizationFlow(context.Background(), &AuthorizeRequest{
			ResponseType: ResponseTypeCode,
			ClientID:     grantClientID,
			RedirectURI:  "https://example.com/cb",
		})
		if err != nil {
			t.Fatalf("StartAuthorizationFlow() error = %v", err)
		}
		stateID := stateFromURL(t, location)

		if _, err := srv.HandleProviderCallback(context.Background(), stateID, "code", "", "127.0.0.1"); err != nil {
			t.Fatalf("first callback failed: %v", err)
		}
		if _, err := srv.HandleProviderCallback(context.Background(), stateID, "code", "", "127.0.0.1"); err == nil {
			t.Fatal("second callback with the same state succeeded")
		}
	})
}

func TestHandleProviderCallbackProviderFailures(t *testing.T) {
	srv, _, provider, _ := newFlowServer(t)

	start := func(t *testing.T) string {
		t.Helper()
		location, err := srv.StartAuthorizationFlow(context.Background(), &AuthorizeRequest{
			ResponseType: ResponseTypeCode,
			ClientID:     grantClientID,
			RedirectURI:  "https://example.com/cb",
			State:        "xyz",
		})
		if err != nil {
			t.Fatalf("StartAuthorizationFlow() error = %v", err)
		}
		return stateFromURL(t, location)
	}

	t.Run("user denied at provider", func(t *testing.T) {
		_, err := srv.HandleProviderCallback(context.Background(), start(t), "", "access_denied", "127.0.0.1")
		var rerr *RedirectError
		if !errors.As(err, &rerr) {
			t.Fatalf("expected RedirectError, got %v", err)
		}
		if rerr.Err.Code != ErrorCodeAccessDenied {
			t.Errorf("error code = %q, want %q", rerr.Err.Code, ErrorCodeAccessDenied)
		}
		if rerr.State != "xyz" {
			t.Errorf("state = %q, want %q", rerr.State, "xyz")
		}
	})

	t.Run("exchange failure", func(t *testing.T) {
		provider.ExchangeCodeFunc = func(context.Context, string, string) (*oauth2.Token, error) {
			return nil, fmt.Errorf("provider unreachable")
		}
		t.Cleanup(func() { provider.ExchangeCodeFunc = mock.NewProvider().ExchangeCodeFunc })

		_, err := srv.HandleProviderCallback(context.Background(), start(t), "provider-code", "", "127.0.0.1")
		var rerr *RedirectError
		if !errors.As(err, &rerr) {
			t.Fatalf("expected RedirectError, got %v", err)
		}
		if rerr.Err.Code != ErrorCodeTemporarilyUnavailable {
			t.Errorf("error code = %q, want %q", rerr.Err.Code, ErrorCodeTemporarilyUnavailable)
		}
	})

	t.Run("profile failure", func(t *testing.T) {
		provider.FetchProfileFunc = func(context.Context, string) (*providers.Profile, error) {
			return nil, fmt.Errorf("userinfo unavailable")
		}
		t.Cleanup(func() { provider.FetchProfileFunc = mock.NewProvider().FetchProfileFunc })

		_, err := srv.HandleProviderCallback(context.Background(), start(t), "provider-code", "", "127.0.0.1")
		var rerr *RedirectError
		if !errors.As(err, &rerr) {
			t.Fatalf("expected RedirectError, got %v", err)
		}
		if rerr.Err.Code != ErrorCodeTemporarilyUnavailable {
			t.Errorf("error code = %q, want %q", rerr.Err.Code, ErrorCodeTemporarilyUnavailable)
		}
	})
}

func TestResolveIdentityRefreshesClaims(t *testing.T) {
	srv, store, _, _ := newFlowServer(t)

	first, err := srv.resolveIdentity(context.Background(), "mock", &providers.Profile{
		Subject: "mock-user-123",
		Name:    "Old Name",
		Email:   "old@example.com",
	})
	if err != nil {
		t.Fatalf("resolveIdentity() error = %v", err)
	}

	second, err := srv.resolveIdentity(context.Background(), "mock", &providers.Profile{
		Subject: "mock-user-123",
		Name:    "New Name",
		Email:   "new@example.com",
	})
	if err != nil {
		t.Fatalf("resolveIdentity() error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("same subject resolved to different identities: %q vs %q", first.ID, second.ID)
	}

	stored, err := store.GetIdentity(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("identity lookup failed: %v", err)
	}
	if stored.Name != "New Name" || stored.Email != "new@example.com" {
		t.Errorf("claims not refreshed: %+v", stored)
	}
}
