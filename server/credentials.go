package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Credentials are client credentials resolved from a token-endpoint request.
// The zero value is the "empty" sentinel: resolution failures never produce
// an error, only this sentinel, and the client-authorization filter decides
// which protocol error it maps to.
type Credentials struct {
	ClientID string
	Secret   string
}

// Empty reports whether resolution produced no usable credentials.
func (c Credentials) Empty() bool {
	return c.ClientID == ""
}

// ResolveCredentials extracts client credentials from the HTTP Basic header,
// the POST body, or the query string, reconciling them per RFC 6749 §2.3:
//
//  1. A secret in the query string of a GET request invalidates the whole
//     request; secrets must never travel in GET.
//  2. A Basic header is authoritative, but only when its client_id agrees
//     with any body/query client_id, it carries a non-empty password, and
//     the body/query did not also carry a secret. Dual-channel secret
//     submission is rejected, not merged.
//  3. A Basic header that fails to parse (bad Base64, no colon) yields the
//     empty sentinel rather than falling back to the body.
//  4. Without a header, body/query credentials are used as-is.
//
// The request form must already be parsed.
func ResolveCredentials(r *http.Request) Credentials {
	paramID := r.Form.Get("client_id")
	paramSecret := r.Form.Get("client_secret")

	if r.Method == http.MethodGet && r.URL.Query().Get("client_secret") != "" {
		return Credentials{}
	}

	basicID, basicSecret, hasBasic := r.BasicAuth()
	if !hasBasic && hasBasicScheme(r.Header.Get("Authorization")) {
		// A Basic header that fails to parse is a malformed credential,
		// not an absent one. It must not fall back to the body.
		return Credentials{}
	}
	if hasBasic {
		if basicSecret == "" {
			return Credentials{}
		}
		if paramID != "" && paramID != basicID {
			return Credentials{}
		}
		if paramSecret != "" {
			return Credentials{}
		}
		return checked(basicID, basicSecret)
	}

	return checked(paramID, paramSecret)
}

// hasBasicScheme reports whether the Authorization header claims the Basic
// scheme, regardless of whether the payload decodes.
func hasBasicScheme(header string) bool {
	scheme, _, ok := strings.Cut(header, " ")
	return ok && strings.EqualFold(scheme, "Basic")
}

// checked validates the identifier shape and returns the empty sentinel for
// anything that cannot be a client ID.
func checked(clientID, secret string) Credentials {
	if clientID == "" {
		return Credentials{}
	}
	if _, err := uuid.Parse(clientID); err != nil {
		return Credentials{}
	}
	return Credentials{ClientID: clientID, Secret: secret}
}
