// Package server implements the authorization-server core: grant state
// machines, credential resolution, client authentication, the delegated
// authorization flow, the CORS origin cache, and the cleanup tasks.
package server

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/authgate/authgate/instrumentation"
	"github.com/authgate/authgate/providers"
	"github.com/authgate/authgate/security"
	"github.com/authgate/authgate/storage"
)

// safeTruncate truncates a string to maxLen characters without panicking, so
// token prefixes can be logged without exposing the full value.
func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// Server coordinates grants, delegated flows, and revocation over a storage
// backend and a set of identity providers.
type Server struct {
	store     storage.Store
	providers map[string]providers.Provider
	origins   *OriginCache

	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config

	metrics *instrumentation.Metrics
	now     func() time.Time
}

// New creates an authorization server over the given store.
func New(store storage.Store, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	srv := &Server{
		store:     store,
		providers: make(map[string]providers.Provider),
		Config:    config,
		Logger:    logger,
		now:       time.Now,
	}
	srv.origins = NewOriginCache(store, config.OriginCacheTTL, config.OriginCacheEntries, logger)
	return srv, nil
}

// RegisterProvider makes a delegated identity provider available to the
// authorization flow under its own name.
func (s *Server) RegisterProvider(p providers.Provider) {
	s.providers[p.Name()] = p
}

// SetAuditor sets the security auditor.
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetMetrics wires instrumentation counters into the server and its origin
// cache.
func (s *Server) SetMetrics(m *instrumentation.Metrics) {
	s.metrics = m
	s.origins.SetMetrics(m)
}

// SetClock overrides the server's time source. Tests use this to cross
// expiry boundaries deterministically.
func (s *Server) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
		s.origins.SetClock(now)
	}
}

// Store exposes the underlying storage backend.
func (s *Server) Store() storage.Store {
	return s.store
}

// Origins exposes the CORS origin cache.
func (s *Server) Origins() *OriginCache {
	return s.origins
}

// generateRandomToken generates a cryptographically secure random token.
// oauth2.GenerateVerifier produces a URL-safe base64 random string suitable
// for token IDs, authorization codes, and state parameters alike.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
