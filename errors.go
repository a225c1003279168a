package authgate

import (
	"fmt"
	"net/http"
	"strings"
)

// Resource-access error codes, orthogonal to the RFC 6749 protocol codes:
// unauthorized means no usable credential was presented (retryable by
// re-authenticating), forbidden means the credential is valid but lacks a
// required scope (not retryable without a different token).
const (
	ErrorCodeUnauthorized = "unauthorized"
	ErrorCodeForbidden    = "forbidden"
)

// ChallengeError is a resource-access failure carrying everything needed to
// build its WWW-Authenticate challenge.
type ChallengeError struct {
	Status      int    // 401 or 403
	Code        string // unauthorized or forbidden
	Description string
	Realm       string   // matched route path
	Scopes      []string // scopes the route requires
}

// Error implements the error interface.
func (e *ChallengeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Challenge renders the WWW-Authenticate header value.
func (e *ChallengeError) Challenge() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Bearer realm=%q", e.Realm)
	if len(e.Scopes) > 0 {
		fmt.Fprintf(&b, ", scope=%q", strings.Join(e.Scopes, " "))
	}
	fmt.Fprintf(&b, ", error=%q", e.Code)
	if e.Description != "" {
		fmt.Fprintf(&b, ", error_description=%q", e.Description)
	}
	return b.String()
}

// NewUnauthorizedError builds the 401 challenge for a missing, malformed,
// unknown, or expired bearer credential.
func NewUnauthorizedError(realm string, scopes []string, description string) *ChallengeError {
	if description == "" {
		description = "a valid bearer token is required"
	}
	return &ChallengeError{
		Status:      http.StatusUnauthorized,
		Code:        ErrorCodeUnauthorized,
		Description: description,
		Realm:       realm,
		Scopes:      scopes,
	}
}

// NewForbiddenError builds the 403 challenge for a valid credential lacking
// a required scope.
func NewForbiddenError(realm string, scopes []string) *ChallengeError {
	return &ChallengeError{
		Status:      http.StatusForbidden,
		Code:        ErrorCodeForbidden,
		Description: "the token does not grant any of the required scopes",
		Realm:       realm,
		Scopes:      scopes,
	}
}
