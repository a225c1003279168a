// Package providers defines the interface for delegated authenticators and
// implements provider-specific logic for Google, GitHub, and LinkedIn.
package providers

import (
	"context"

	"golang.org/x/oauth2"
)

// Provider is an upstream authenticator. The authorization flow redirects the
// user to the provider, then exchanges the returned code and normalizes the
// profile into identity claims.
type Provider interface {
	// Name returns the provider name (e.g., "google", "github", "linkedin").
	Name() string

	// AuthorizationURL generates the URL to redirect users for authentication.
	// codeChallenge and codeChallengeMethod are for PKCE (pass empty strings
	// to disable).
	AuthorizationURL(state string, codeChallenge string, codeChallengeMethod string) string

	// ExchangeCode exchanges an authorization code for tokens.
	// verifier is the PKCE code verifier (pass empty string if not using PKCE).
	ExchangeCode(ctx context.Context, code string, verifier string) (*oauth2.Token, error)

	// FetchProfile retrieves and normalizes the user's profile using the
	// provider access token.
	FetchProfile(ctx context.Context, accessToken string) (*Profile, error)
}

// Profile is the normalized identity claim set returned by a provider.
type Profile struct {
	// Subject is the provider-assigned stable user identifier.
	Subject string

	// Email is the user's email address.
	Email string

	// EmailVerified indicates if the email is verified.
	EmailVerified bool

	// Name is the user's full name.
	Name string

	// GivenName is the user's first name.
	GivenName string

	// FamilyName is the user's last name.
	FamilyName string

	// Picture is the URL of the user's profile picture.
	Picture string
}
