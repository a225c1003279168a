// Package authgate is an OAuth2/RFC6749 authorization server: it issues,
// validates, and revokes access tokens, enforces scope-based authorization
// on protected resources, validates CORS origins against a dynamic
// allow-list, and reclaims expired tokens and sessions.
package authgate

// TokenResponse is the JSON body of a successful token-endpoint response.
type TokenResponse struct {
	// AccessToken is the issued bearer token.
	AccessToken string `json:"access_token"`

	// TokenType is always "Bearer".
	TokenType string `json:"token_type"`

	// ExpiresIn is the token lifetime in seconds.
	ExpiresIn int64 `json:"expires_in"`

	// RefreshToken is present only for grants that issue one.
	RefreshToken string `json:"refresh_token,omitempty"`

	// Scope is the space-joined granted scopes; absent for scopeless tokens.
	Scope string `json:"scope,omitempty"`
}

// ErrorResponse is the JSON body of an RFC 6749 error.
type ErrorResponse struct {
	// Error is the error code.
	Error string `json:"error"`

	// ErrorDescription provides additional information.
	ErrorDescription string `json:"error_description,omitempty"`
}
