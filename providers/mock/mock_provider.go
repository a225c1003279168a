// Package mock provides a mock implementation of the Provider interface for
// testing.
package mock

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"

	"github.com/authgate/authgate/providers"
)

var _ providers.Provider = (*Provider)(nil)

// Provider is a function-field mock of providers.Provider.
type Provider struct {
	// NameFunc is called when Name() is invoked.
	NameFunc func() string

	// AuthorizationURLFunc is called when AuthorizationURL() is invoked.
	AuthorizationURLFunc func(state, codeChallenge, codeChallengeMethod string) string

	// ExchangeCodeFunc is called when ExchangeCode() is invoked.
	ExchangeCodeFunc func(ctx context.Context, code, verifier string) (*oauth2.Token, error)

	// FetchProfileFunc is called when FetchProfile() is invoked.
	FetchProfileFunc func(ctx context.Context, accessToken string) (*providers.Profile, error)

	// CallCounts tracks how many times each method was called.
	CallCounts map[string]int

	// mu protects CallCounts from concurrent access.
	mu sync.RWMutex
}

// NewProvider creates a mock provider with working defaults.
func NewProvider() *Provider {
	return &Provider{
		CallCounts: make(map[string]int),
		NameFunc: func() string {
			return "mock"
		},
		AuthorizationURLFunc: func(state, codeChallenge, codeChallengeMethod string) string {
			return fmt.Sprintf("https://mock.example.com/authorize?state=%s&code_challenge=%s&code_challenge_method=%s",
				state, codeChallenge, codeChallengeMethod)
		},
		ExchangeCodeFunc: func(_ context.Context, _, _ string) (*oauth2.Token, error) {
			return &oauth2.Token{
				AccessToken: "mock-access-token",
				TokenType:   "Bearer",
			}, nil
		},
		FetchProfileFunc: func(_ context.Context, _ string) (*providers.Profile, error) {
			return &providers.Profile{
				Subject:       "mock-user-123",
				Email:         "mock@example.com",
				EmailVerified: true,
				Name:          "Mock User",
				GivenName:     "Mock",
				FamilyName:    "User",
			}, nil
		},
	}
}

// Name returns the provider name.
func (m *Provider) Name() string {
	// Lock only to bump the counter and read the function reference; the
	// user function runs without the lock so it may call other mock methods.
	m.mu.Lock()
	m.CallCounts["Name"]++
	fn := m.NameFunc
	m.mu.Unlock()

	if fn == nil {
		return "mock"
	}
	return fn()
}

// AuthorizationURL generates the URL to redirect users for authentication.
func (m *Provider) AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string {
	m.mu.Lock()
	m.CallCounts["AuthorizationURL"]++
	fn := m.AuthorizationURLFunc
	m.mu.Unlock()
	if fn == nil {
		return "https://mock.example.com/authorize?state=" + state
	}
	return fn(state, codeChallenge, codeChallengeMethod)
}

// ExchangeCode exchanges an authorization code for tokens.
func (m *Provider) ExchangeCode(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	m.mu.Lock()
	m.CallCounts["ExchangeCode"]++
	fn := m.ExchangeCodeFunc
	m.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("ExchangeCodeFunc not configured")
	}
	return fn(ctx, code, verifier)
}

// FetchProfile retrieves normalized user claims.
func (m *Provider) FetchProfile(ctx context.Context, accessToken string) (*providers.Profile, error) {
	m.mu.Lock()
	m.CallCounts["FetchProfile"]++
	fn := m.FetchProfileFunc
	m.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("FetchProfileFunc not configured")
	}
	return fn(ctx, accessToken)
}

// GetCallCount returns the number of times a method was called.
func (m *Provider) GetCallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}
