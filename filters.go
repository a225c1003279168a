package authgate

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/authgate/authgate/server"
	"github.com/authgate/authgate/storage"
)

// AccessPolicy tags a route's authorization requirement. Routes with no rule
// at all are open; everything else runs the bearer filters.
type AccessPolicy int

const (
	// PolicyOpen leaves the route unguarded.
	PolicyOpen AccessPolicy = iota

	// PolicyPermitAll requires a valid bearer token but no particular scope.
	PolicyPermitAll

	// PolicyDenyAll rejects every caller; no scope can satisfy it.
	PolicyDenyAll

	// PolicyScopes requires at least one of the rule's scopes.
	PolicyScopes
)

// ScopeRule is one route-table entry: a policy and, for PolicyScopes, the
// scopes of which the caller must hold at least one.
type ScopeRule struct {
	Policy AccessPolicy
	Scopes []string
}

// ScopesAllowed builds a rule requiring any one of the given scopes.
func ScopesAllowed(scopes ...string) ScopeRule {
	return ScopeRule{Policy: PolicyScopes, Scopes: scopes}
}

// PermitAll builds a rule that any authenticated caller satisfies.
func PermitAll() ScopeRule {
	return ScopeRule{Policy: PolicyPermitAll}
}

// DenyAll builds a rule nothing satisfies.
func DenyAll() ScopeRule {
	return ScopeRule{Policy: PolicyDenyAll}
}

// ResolveRule merges a method-level rule with its class-level fallback. Any
// method rule wins over the class rule; both open leaves the route open.
// Within one level DenyAll, scopes, and PermitAll are mutually exclusive, so
// method-first resolution yields the DenyAll > method scopes > PermitAll >
// class scopes ordering.
func ResolveRule(method, class ScopeRule) ScopeRule {
	if method.Policy != PolicyOpen {
		return method
	}
	return class
}

type contextKey int

const principalKey contextKey = iota

// PrincipalFromContext returns the principal the authentication filter
// attached, if any.
func PrincipalFromContext(ctx context.Context) (*server.Principal, bool) {
	p, ok := ctx.Value(principalKey).(*server.Principal)
	return p, ok
}

// RegisterProtected registers a resource handler on the mux behind the CORS
// middleware and the filter chain resolved from its method and class rules.
// The pattern doubles as the challenge realm.
func (h *Handler) RegisterProtected(mux *http.ServeMux, pattern string, next http.Handler, method, class ScopeRule) {
	rule := ResolveRule(method, class)
	mux.Handle(pattern, h.withCORS(h.Protect(next, pattern, rule)))
}

// Protect wraps a resource handler in the authentication and authorization
// filters for one resolved rule. Open routes pass through untouched.
//
// The authentication filter resolves the bearer credential: missing,
// malformed, unknown, or expired all answer 401 with a challenge, because
// the caller can retry with a fresh token. The authorization filter then
// checks scopes: a valid credential lacking every required scope answers
// 403, which no amount of re-authentication with the same grant fixes.
func (h *Handler) Protect(next http.Handler, realm string, rule ScopeRule) http.Handler {
	if rule.Policy == PolicyOpen {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		principal, cerr := h.authenticate(ctx, r, realm, rule.Scopes)
		if cerr != nil {
			h.writeChallenge(w, cerr)
			return
		}

		if cerr := authorize(principal, realm, rule); cerr != nil {
			if h.metrics != nil {
				h.metrics.RecordAuthorizationFailure(ctx, realm)
			}
			h.auditor.LogAccessDenied(principal.IdentityID, principal.ClientID, h.clientIP(r), realm)
			h.writeChallenge(w, cerr)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, principalKey, principal)))
	})
}

// authenticate resolves the Authorization header into a principal.
func (h *Handler) authenticate(ctx context.Context, r *http.Request, realm string, scopes []string) (*server.Principal, *ChallengeError) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, NewUnauthorizedError(realm, scopes, "")
	}

	scheme, tokenID, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || tokenID == "" {
		return nil, NewUnauthorizedError(realm, scopes, "the authorization header is not a bearer credential")
	}

	principal, err := h.server.AuthenticateBearer(ctx, tokenID)
	if err != nil {
		if errors.Is(err, storage.ErrExpired) {
			return nil, NewUnauthorizedError(realm, scopes, "the token has expired")
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, NewUnauthorizedError(realm, scopes, "")
		}
		h.logger.Error("bearer authentication failed", "error", err)
		return nil, NewUnauthorizedError(realm, scopes, "")
	}
	return principal, nil
}

// authorize applies the rule to an authenticated principal.
func authorize(principal *server.Principal, realm string, rule ScopeRule) *ChallengeError {
	switch rule.Policy {
	case PolicyPermitAll:
		return nil
	case PolicyDenyAll:
		// HasAnyScope against the empty set, spelled out.
		return NewForbiddenError(realm, nil)
	default:
		if principal.HasAnyScope(rule.Scopes) {
			return nil
		}
		return NewForbiddenError(realm, rule.Scopes)
	}
}

// writeChallenge writes a resource-access failure with its WWW-Authenticate
// challenge.
func (h *Handler) writeChallenge(w http.ResponseWriter, cerr *ChallengeError) {
	w.Header().Set("WWW-Authenticate", cerr.Challenge())
	h.writeError(w, cerr.Code, cerr.Description, cerr.Status)
}
