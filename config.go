package authgate

import (
	"fmt"

	"github.com/authgate/authgate/server"
)

// Config composes the handler-level settings with the embedded server
// configuration.
type Config struct {
	// Server configures the authorization-server core.
	Server server.Config

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP. Only
	// enable behind a reverse proxy you control.
	TrustProxy bool

	// TrustedProxyCount is the number of trailing proxies in
	// X-Forwarded-For that are yours.
	TrustedProxyCount int

	// RateLimitPerSecond throttles requests per client IP on the auth
	// endpoints. Zero disables rate limiting.
	RateLimitPerSecond float64

	// RateLimitBurst is the per-IP burst allowance.
	RateLimitBurst int

	// AuditEnabled turns on security audit logging.
	AuditEnabled bool

	// ExposeHeaders lists custom response headers browsers may read on
	// CORS responses, such as pagination headers.
	ExposeHeaders []string
}

// Validate checks the configuration, including the embedded server config.
func (c *Config) Validate() error {
	if c.RateLimitPerSecond < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	if c.RateLimitPerSecond > 0 && c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 10
	}
	if c.TrustedProxyCount < 0 {
		return fmt.Errorf("trusted proxy count must not be negative")
	}
	return c.Server.Validate()
}
