// Package storage defines the persistence interfaces and record types for the
// authorization server: tokens, clients, identities, CORS referrers, sessions,
// and the transient state of delegated authentication flows. Backends include
// an in-memory store and a SQLite store.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/authgate/authgate/security"
)

// Sentinel errors shared by all backends. Callers match with errors.Is and
// translate to protocol errors; messages stay generic so nothing about the
// existence of a record leaks to clients.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrInvalidCredentials indicates a client secret or password mismatch.
	ErrInvalidCredentials = errors.New("storage: invalid credentials")

	// ErrAlreadyUsed indicates a single-use record (authorization code or
	// authenticator state) was presented a second time.
	ErrAlreadyUsed = errors.New("storage: already used")

	// ErrExpired indicates the record exists but its lifetime has elapsed.
	ErrExpired = errors.New("storage: expired")

	// ErrConstraint indicates a uniqueness or integrity violation.
	ErrConstraint = errors.New("storage: constraint violation")
)

// Client grant profiles. The profile fixes which grant a client may exercise
// and whether it is allowed to hold a secret.
const (
	ClientTypeClientCredentials  = "client_credentials"
	ClientTypeAuthorizationGrant = "authorization_grant"
	ClientTypeOwnerCredentials   = "owner_credentials"
	ClientTypeImplicit           = "implicit"
)

// Token type tags.
const (
	TokenTypeBearer            = "bearer"
	TokenTypeAuthorizationCode = "authorization_code"
	TokenTypeRefresh           = "refresh"
)

// Client is a registered OAuth client. A client with a non-empty SecretHash
// is confidential; implicit clients are always public and must never be
// persisted with a secret.
type Client struct {
	ID            string
	Type          string // one of the ClientType constants
	SecretHash    string // bcrypt hash; empty for public clients
	ApplicationID string
	RedirectURIs  []string
	ReferrerURIs  []string // CORS origins registered for this client's application
	Scopes        []string // scopes configured on the owning application
	RequirePKCE   bool
	CreatedAt     time.Time
}

// Confidential reports whether the client holds a secret.
func (c *Client) Confidential() bool {
	return c.SecretHash != ""
}

// MayHoldSecret reports whether the client's grant profile permits a secret.
// Implicit clients are browser-resident and cannot keep one.
func (c *Client) MayHoldSecret() bool {
	return c.Type != ClientTypeImplicit
}

// Token is an issued credential: a bearer access token, a single-use
// authorization code, or a refresh token. Refresh tokens carry ParentID, the
// token they were issued alongside; consuming a refresh token invalidates its
// whole lineage so at most one line of descent stays valid.
type Token struct {
	ID          string
	Type        string // one of the TokenType constants
	ClientID    string
	IdentityID  string // empty for client-credentials tokens
	ParentID    string // refresh chaining; empty for root tokens
	RedirectURI string // authorization codes remember the redirect they were issued for
	Scopes      []string
	CreatedAt   time.Time
	ExpiresIn   time.Duration
	Used        bool // authorization codes only

	// PKCE binding, set on authorization codes when the flow carried a
	// code_challenge.
	CodeChallenge       string
	CodeChallengeMethod string
}

// ExpiresAt returns the instant the token stops being valid.
func (t *Token) ExpiresAt() time.Time {
	return security.ExpiresAt(t.CreatedAt, t.ExpiresIn)
}

// IsExpired reports whether the token has expired at now. The boundary
// instant itself is still valid.
func (t *Token) IsExpired(now time.Time) bool {
	return security.IsExpired(t.CreatedAt, t.ExpiresIn, now)
}

// Scope is a named permission registered on an application.
type Scope struct {
	Name          string
	ApplicationID string
}

// Identity is a resolved end user under a given authenticator. Claims are
// normalized from the provider payload; PasswordHash is set only for the
// internal password authenticator.
type Identity struct {
	ID            string
	ApplicationID string
	Authenticator string // "password", "google", "github", "linkedin"
	Subject       string // provider-assigned stable subject, or username
	Name          string
	Email         string
	PasswordHash  string // bcrypt; empty for delegated identities
	CreatedAt     time.Time
}

// Referrer is a CORS allow-list entry: an absolute origin registered against
// an application.
type Referrer struct {
	Origin        string // scheme://host[:port]
	ApplicationID string
	CreatedAt     time.Time
}

// Session is a server-side HTTP session record, swept by the session cleanup
// task once expired.
type Session struct {
	ID         string
	IdentityID string
	CreatedAt  time.Time
	ExpiresIn  time.Duration
}

// IsExpired reports whether the session has expired at now.
func (s *Session) IsExpired(now time.Time) bool {
	return security.IsExpired(s.CreatedAt, s.ExpiresIn, now)
}

// AuthenticatorState is the transient correlation record of a delegated
// authorization flow. It binds the client, the chosen authenticator, and the
// client-supplied redirect to an opaque state ID, and is consumed exactly
// once on callback.
type AuthenticatorState struct {
	StateID             string // opaque ID round-tripped through the authenticator
	ClientID            string
	Authenticator       string
	RedirectURI         string
	Scope               string
	ResponseType        string // "code" or "token"
	ClientState         string // client's own CSRF state, echoed back on redirect
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// TokenStore persists issued tokens. All methods take a context for
// cancellation and tracing.
type TokenStore interface {
	// SaveToken persists a token record.
	SaveToken(ctx context.Context, token *Token) error

	// GetToken retrieves a token by its opaque ID.
	GetToken(ctx context.Context, id string) (*Token, error)

	// DeleteToken removes a single token.
	DeleteToken(ctx context.Context, id string) error

	// ConsumeAuthorizationCode atomically loads an authorization-code token
	// and marks it used. Returns ErrAlreadyUsed on replay and ErrExpired past
	// its lifetime. Atomicity is required so concurrent exchanges of the same
	// code cannot both succeed.
	ConsumeAuthorizationCode(ctx context.Context, id string) (*Token, error)

	// RevokeLineage removes the token and every descendant and ancestor in
	// its refresh chain, returning how many records were removed.
	RevokeLineage(ctx context.Context, id string) (int, error)

	// DeleteExpiredTokens bulk-deletes tokens whose lifetime has elapsed at
	// now, returning how many rows were removed.
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error)
}

// ClientStore provides read access to registered clients. Client provisioning
// is administrative; the core only reads and verifies secrets.
type ClientStore interface {
	// SaveClient persists a client registration.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID, returning ErrNotFound if absent.
	GetClient(ctx context.Context, id string) (*Client, error)

	// ValidateClientSecret verifies a presented secret against the stored
	// hash in constant time. Returns ErrInvalidCredentials on mismatch and
	// performs a dummy comparison when the client is unknown so timing does
	// not reveal client existence.
	ValidateClientSecret(ctx context.Context, id, secret string) error
}

// IdentityStore persists end-user identities.
type IdentityStore interface {
	// SaveIdentity persists an identity record.
	SaveIdentity(ctx context.Context, identity *Identity) error

	// GetIdentity retrieves an identity by ID.
	GetIdentity(ctx context.Context, id string) (*Identity, error)

	// FindIdentity looks an identity up by authenticator and subject.
	FindIdentity(ctx context.Context, authenticator, subject string) (*Identity, error)

	// ValidatePassword verifies a username/password pair under the password
	// authenticator, returning the identity on success and
	// ErrInvalidCredentials otherwise. Unknown usernames cost the same as
	// wrong passwords.
	ValidatePassword(ctx context.Context, username, password string) (*Identity, error)
}

// ReferrerStore backs the CORS origin allow-list.
type ReferrerStore interface {
	// SaveReferrer registers an origin.
	SaveReferrer(ctx context.Context, ref *Referrer) error

	// HasReferrer reports whether the origin is registered for any
	// application.
	HasReferrer(ctx context.Context, origin string) (bool, error)
}

// FlowStore persists the transient state of delegated authorization flows.
type FlowStore interface {
	// SaveAuthenticatorState records the start of a flow.
	SaveAuthenticatorState(ctx context.Context, state *AuthenticatorState) error

	// ConsumeAuthenticatorState atomically retrieves and deletes a state by
	// its opaque ID. Unknown IDs return ErrNotFound, elapsed ones ErrExpired;
	// a second consume of the same ID returns ErrNotFound.
	ConsumeAuthenticatorState(ctx context.Context, stateID string) (*AuthenticatorState, error)

	// DeleteExpiredStates removes states whose lifetime has elapsed at now.
	DeleteExpiredStates(ctx context.Context, now time.Time) (int, error)
}

// SessionStore persists HTTP sessions.
type SessionStore interface {
	// SaveSession persists a session record.
	SaveSession(ctx context.Context, session *Session) error

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, id string) (*Session, error)

	// DeleteSession removes a session.
	DeleteSession(ctx context.Context, id string) error

	// DeleteExpiredSessions bulk-deletes sessions expired at now, returning
	// how many rows were removed.
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)
}

// Store is the full persistence surface the server depends on.
type Store interface {
	TokenStore
	ClientStore
	IdentityStore
	ReferrerStore
	FlowStore
	SessionStore
}
