package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/authgate/authgate/storage"
)

// Principal is the security context a validated bearer token resolves to.
type Principal struct {
	TokenID    string
	ClientID   string
	IdentityID string
	Scopes     []string
}

// HasAnyScope reports whether the principal holds at least one of the
// required scopes. An empty required set can never be satisfied, which is
// how deny-all routes are expressed.
func (p *Principal) HasAnyScope(required []string) bool {
	for _, want := range required {
		for _, got := range p.Scopes {
			if got == want {
				return true
			}
		}
	}
	return false
}

// AuthenticateBearer resolves a bearer token ID into a principal. Unknown
// tokens, non-bearer tokens (an authorization code or refresh token is not
// a resource credential), and expired tokens all fail with
// storage.ErrNotFound or storage.ErrExpired; the caller maps either to an
// unauthorized challenge.
func (s *Server) AuthenticateBearer(ctx context.Context, tokenID string) (*Principal, error) {
	if tokenID == "" {
		return nil, storage.ErrNotFound
	}

	token, err := s.store.GetToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("token lookup failed: %w", err)
	}
	if token.Type != storage.TokenTypeBearer {
		return nil, storage.ErrNotFound
	}
	if token.IsExpired(s.now()) {
		return nil, storage.ErrExpired
	}

	// Tokens minted for a client of another application in a shared store
	// are not credentials here.
	client, err := s.store.GetClient(ctx, token.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("client lookup failed: %w", err)
	}
	if client.ApplicationID != s.Config.ApplicationID {
		return nil, storage.ErrNotFound
	}

	return &Principal{
		TokenID:    token.ID,
		ClientID:   token.ClientID,
		IdentityID: token.IdentityID,
		Scopes:     token.Scopes,
	}, nil
}
