package server

import (
	"fmt"
	"time"
)

// Defaults applied by Validate when a field is zero.
const (
	DefaultAccessTokenTTL       = time.Hour
	DefaultRefreshTokenTTL      = 30 * 24 * time.Hour
	DefaultAuthorizationCodeTTL = 10 * time.Minute
	DefaultStateTTL             = 10 * time.Minute
	DefaultSessionTTL           = 24 * time.Hour

	DefaultOriginCacheTTL     = 5 * time.Minute
	DefaultOriginCacheEntries = 1000

	DefaultTokenSweepInterval   = 5 * time.Minute
	DefaultSessionSweepInterval = 10 * time.Minute
)

// Config holds the tunable parameters of the authorization server.
type Config struct {
	// ApplicationID scopes token lookups to this deployment's application,
	// preventing cross-tenant token confusion.
	ApplicationID string

	// AccessTokenTTL is the lifetime of issued bearer tokens.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the lifetime of issued refresh tokens.
	RefreshTokenTTL time.Duration

	// AuthorizationCodeTTL is the lifetime of single-use authorization codes.
	AuthorizationCodeTTL time.Duration

	// StateTTL bounds how long a delegated flow may stay in flight between
	// /authorize and the provider callback.
	StateTTL time.Duration

	// SessionTTL is the lifetime of server-side sessions created on a
	// successful callback.
	SessionTTL time.Duration

	// RequirePKCE makes the code_challenge parameter mandatory on every
	// authorization-code flow, regardless of per-client settings.
	RequirePKCE bool

	// AllowPKCEPlain permits the deprecated "plain" challenge method for
	// legacy clients. S256 is always accepted.
	AllowPKCEPlain bool

	// DefaultAuthenticator is the provider used when /authorize names none.
	DefaultAuthenticator string

	// OriginCacheTTL bounds how long a CORS origin decision is cached.
	OriginCacheTTL time.Duration

	// OriginCacheEntries bounds the CORS cache size.
	OriginCacheEntries int

	// TokenSweepInterval is the period of the expired-token cleanup task.
	TokenSweepInterval time.Duration

	// SessionSweepInterval is the period of the expired-session cleanup task.
	SessionSweepInterval time.Duration
}

// Validate checks the configuration and fills in defaults for zero fields.
func (c *Config) Validate() error {
	if c.AccessTokenTTL < 0 || c.RefreshTokenTTL < 0 || c.AuthorizationCodeTTL < 0 ||
		c.StateTTL < 0 || c.SessionTTL < 0 {
		return fmt.Errorf("token lifetimes must not be negative")
	}
	if c.OriginCacheEntries < 0 {
		return fmt.Errorf("origin cache size must not be negative")
	}

	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL == 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.AuthorizationCodeTTL == 0 {
		c.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if c.StateTTL == 0 {
		c.StateTTL = DefaultStateTTL
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.OriginCacheTTL == 0 {
		c.OriginCacheTTL = DefaultOriginCacheTTL
	}
	if c.OriginCacheEntries == 0 {
		c.OriginCacheEntries = DefaultOriginCacheEntries
	}
	if c.TokenSweepInterval == 0 {
		c.TokenSweepInterval = DefaultTokenSweepInterval
	}
	if c.SessionSweepInterval == 0 {
		c.SessionSweepInterval = DefaultSessionSweepInterval
	}
	return nil
}
