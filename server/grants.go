package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/authgate/authgate/security"
	"github.com/authgate/authgate/storage"
)

// Grant types accepted at the token endpoint.
const (
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypePassword          = "password"
	GrantTypeRefreshToken      = "refresh_token"
)

// TokenRequest carries the form parameters of a token-endpoint request.
type TokenRequest struct {
	GrantType    string
	Scope        string
	Code         string // authorization_code
	RedirectURI  string // authorization_code
	CodeVerifier string // authorization_code, PKCE
	RefreshToken string // refresh_token
	Username     string // password
	Password     string // password
	ClientIP     string // for audit only
}

// TokenGrant is the successful outcome of a grant: the issued credential and
// its wire attributes.
type TokenGrant struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string // empty when the grant issues none
	Scope        string // empty when the token is scopeless
}

// Grant dispatches a token-endpoint request to the state machine for its
// grant type. The client has already passed AuthorizeClient.
func (s *Server) Grant(ctx context.Context, client *storage.Client, creds Credentials, req *TokenRequest) (*TokenGrant, error) {
	var (
		grant *TokenGrant
		err   error
	)

	switch req.GrantType {
	case GrantTypeClientCredentials:
		grant, err = s.clientCredentialsGrant(ctx, client, creds, req)
	case GrantTypeAuthorizationCode:
		grant, err = s.authorizationCodeGrant(ctx, client, req)
	case GrantTypePassword:
		grant, err = s.passwordGrant(ctx, client, req)
	case GrantTypeRefreshToken:
		grant, err = s.refreshTokenGrant(ctx, client, req)
	case "":
		err = ErrInvalidRequest("grant_type is required")
	default:
		err = ErrUnsupportedGrantType("")
	}

	if s.metrics != nil {
		if err != nil {
			code := ErrorCodeServerError
			var oerr *Error
			if errors.As(err, &oerr) {
				code = oerr.Code
			}
			s.metrics.RecordGrantFailure(ctx, req.GrantType, code)
		} else {
			s.metrics.RecordTokenIssued(ctx, req.GrantType, client.ID)
		}
	}
	return grant, err
}

// clientCredentialsGrant issues a bearer token to the client itself: no
// identity, no refresh token.
func (s *Server) clientCredentialsGrant(ctx context.Context, client *storage.Client, creds Credentials, req *TokenRequest) (*TokenGrant, error) {
	if client.Type != storage.ClientTypeClientCredentials {
		return nil, ErrUnauthorizedClient("")
	}
	if creds.Secret == "" || !client.Confidential() {
		return nil, ErrUnauthorizedClient("client authentication is required for this grant")
	}

	scopes, err := s.validateScopes(client, req.Scope)
	if err != nil {
		return nil, err
	}

	token, err := s.issueToken(ctx, storage.TokenTypeBearer, client.ID, "", scopes, "", s.Config.AccessTokenTTL)
	if err != nil {
		return nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued("", client.ID, req.ClientIP, GrantTypeClientCredentials, strings.Join(scopes, " "))
	}
	return s.newTokenGrant(token, ""), nil
}

// passwordGrant validates resource-owner credentials and issues a bearer
// plus refresh token bound to the resolved identity.
func (s *Server) passwordGrant(ctx context.Context, client *storage.Client, req *TokenRequest) (*TokenGrant, error) {
	if client.Type != storage.ClientTypeOwnerCredentials {
		return nil, ErrUnauthorizedClient("")
	}
	if req.Username == "" || req.Password == "" {
		return nil, ErrInvalidRequest("username and password are required")
	}

	identity, err := s.store.ValidatePassword(ctx, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCredentials) {
			if s.Auditor != nil {
				s.Auditor.LogAuthFailure("", client.ID, req.ClientIP, "invalid_owner_credentials")
			}
			return nil, ErrInvalidGrant("invalid resource owner credentials")
		}
		s.Logger.Error("password validation failed", "error", err)
		return nil, ErrServerError("")
	}

	scopes, err := s.validateScopes(client, req.Scope)
	if err != nil {
		return nil, err
	}

	access, refresh, err := s.issueTokenPair(ctx, client.ID, identity.ID, scopes)
	if err != nil {
		return nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(identity.ID, client.ID, req.ClientIP, GrantTypePassword, strings.Join(scopes, " "))
	}
	return s.newTokenGrant(access, refresh.ID), nil
}

// authorizationCodeGrant exchanges a single-use authorization code for a
// token pair. Replay of a consumed code revokes everything the code issued.
func (s *Server) authorizationCodeGrant(ctx context.Context, client *storage.Client, req *TokenRequest) (*TokenGrant, error) {
	if client.Type != storage.ClientTypeAuthorizationGrant {
		return nil, ErrUnauthorizedClient("")
	}
	if req.Code == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	code, err := s.store.ConsumeAuthorizationCode(ctx, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrAlreadyUsed):
			// Replay of a consumed code: revoke what it produced.
			if _, rerr := s.store.RevokeLineage(ctx, req.Code); rerr != nil && !errors.Is(rerr, storage.ErrNotFound) {
				s.Logger.Error("failed to revoke replayed code lineage", "error", rerr,
					"code_prefix", safeTruncate(req.Code, 8))
			}
			if s.Auditor != nil {
				s.Auditor.LogEvent(security.Event{
					Type:      security.EventAuthorizationCodeReuseDetected,
					ClientID:  client.ID,
					IPAddress: req.ClientIP,
				})
			}
			return nil, ErrInvalidGrant("authorization code has already been used")
		case errors.Is(err, storage.ErrExpired):
			return nil, ErrInvalidGrant("authorization code has expired")
		case errors.Is(err, storage.ErrNotFound):
			return nil, ErrInvalidGrant("")
		default:
			s.Logger.Error("code consumption failed", "error", err)
			return nil, ErrServerError("")
		}
	}

	if code.ClientID != client.ID {
		return nil, ErrInvalidGrant("")
	}
	if req.RedirectURI != code.RedirectURI {
		return nil, ErrInvalidGrant("redirect_uri does not match the one the code was issued for")
	}
	if err := s.validatePKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventPKCEValidationFailed,
				ClientID:  client.ID,
				IPAddress: req.ClientIP,
				Details:   map[string]any{"reason": err.Error()},
			})
		}
		return nil, ErrInvalidGrant("PKCE verification failed")
	}

	access, refresh, err := s.issueCodeDescendants(ctx, code)
	if err != nil {
		return nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(code.IdentityID, client.ID, req.ClientIP, GrantTypeAuthorizationCode, strings.Join(code.Scopes, " "))
	}
	return s.newTokenGrant(access, refresh.ID), nil
}

// refreshTokenGrant rotates a refresh token. The old lineage is revoked
// before the replacement is issued, so at most one line of descent stays
// valid and a concurrent reuse of the same refresh token fails.
func (s *Server) refreshTokenGrant(ctx context.Context, client *storage.Client, req *TokenRequest) (*TokenGrant, error) {
	if client.Type != storage.ClientTypeAuthorizationGrant && client.Type != storage.ClientTypeOwnerCredentials {
		return nil, ErrUnauthorizedClient("")
	}
	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	token, err := s.store.GetToken(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidGrant("")
		}
		s.Logger.Error("refresh token lookup failed", "error", err)
		return nil, ErrServerError("")
	}

	if token.Type != storage.TokenTypeRefresh || token.ClientID != client.ID {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventRefreshTokenReuseDetected,
				ClientID:  client.ID,
				IPAddress: req.ClientIP,
			})
		}
		return nil, ErrInvalidGrant("")
	}
	if token.IsExpired(s.now()) {
		if _, rerr := s.store.RevokeLineage(ctx, token.ID); rerr != nil && !errors.Is(rerr, storage.ErrNotFound) {
			s.Logger.Error("failed to revoke expired refresh lineage", "error", rerr)
		}
		return nil, ErrInvalidGrant("refresh token has expired")
	}

	// Revoking first makes the rotation race-safe: of two concurrent
	// requests presenting the same refresh token, only one finds a lineage
	// to revoke; the loser receives invalid_grant.
	if _, err := s.store.RevokeLineage(ctx, token.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidGrant("")
		}
		s.Logger.Error("lineage revocation failed", "error", err)
		return nil, ErrServerError("")
	}

	access, refresh, err := s.issueTokenPair(ctx, client.ID, token.IdentityID, token.Scopes)
	if err != nil {
		return nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(token.IdentityID, client.ID, req.ClientIP)
	}
	return s.newTokenGrant(access, refresh.ID), nil
}

// Revoke destroys the presented token and its whole lineage. Per RFC 7009
// the endpoint answers success even for unknown tokens, so an attacker
// cannot probe for valid IDs; only tokens owned by the authenticated client
// are actually removed.
func (s *Server) Revoke(ctx context.Context, client *storage.Client, tokenID, clientIP string) error {
	if tokenID == "" {
		return ErrInvalidRequest("token is required")
	}

	token, err := s.store.GetToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		s.Logger.Error("revocation lookup failed", "error", err)
		return ErrServerError("")
	}
	if token.ClientID != client.ID {
		return nil
	}

	removed, err := s.store.RevokeLineage(ctx, tokenID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.Logger.Error("revocation failed", "error", err)
		return ErrServerError("")
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRevoked(token.IdentityID, client.ID, clientIP, token.Type)
	}
	if s.metrics != nil {
		s.metrics.RecordTokenRevocation(ctx, client.ID, removed)
	}
	s.Logger.Info("token lineage revoked",
		"client_id", client.ID,
		"token_prefix", safeTruncate(tokenID, 8),
		"removed", removed)
	return nil
}

// issueToken creates and persists one token.
func (s *Server) issueToken(ctx context.Context, tokenType, clientID, identityID string, scopes []string, parentID string, ttl time.Duration) (*storage.Token, error) {
	token := &storage.Token{
		ID:         generateRandomToken(),
		Type:       tokenType,
		ClientID:   clientID,
		IdentityID: identityID,
		ParentID:   parentID,
		Scopes:     scopes,
		CreatedAt:  s.now(),
		ExpiresIn:  ttl,
	}
	if err := s.store.SaveToken(ctx, token); err != nil {
		s.Logger.Error("token persistence failed", "error", err)
		return nil, ErrServerError("")
	}
	return token, nil
}

// issueTokenPair creates a fresh bearer token and a refresh token chained to
// it. The pair roots a new lineage.
func (s *Server) issueTokenPair(ctx context.Context, clientID, identityID string, scopes []string) (*storage.Token, *storage.Token, error) {
	access, err := s.issueToken(ctx, storage.TokenTypeBearer, clientID, identityID, scopes, "", s.Config.AccessTokenTTL)
	if err != nil {
		return nil, nil, err
	}
	refresh, err := s.issueToken(ctx, storage.TokenTypeRefresh, clientID, identityID, scopes, access.ID, s.Config.RefreshTokenTTL)
	if err != nil {
		return nil, nil, err
	}
	return access, refresh, nil
}

// issueCodeDescendants creates the bearer and refresh tokens descending from
// a consumed authorization code, keeping the code as lineage root so a code
// replay can revoke everything it produced.
func (s *Server) issueCodeDescendants(ctx context.Context, code *storage.Token) (*storage.Token, *storage.Token, error) {
	access, err := s.issueToken(ctx, storage.TokenTypeBearer, code.ClientID, code.IdentityID, code.Scopes, code.ID, s.Config.AccessTokenTTL)
	if err != nil {
		return nil, nil, err
	}
	refresh, err := s.issueToken(ctx, storage.TokenTypeRefresh, code.ClientID, code.IdentityID, code.Scopes, access.ID, s.Config.RefreshTokenTTL)
	if err != nil {
		return nil, nil, err
	}
	return access, refresh, nil
}

func (s *Server) newTokenGrant(access *storage.Token, refreshID string) *TokenGrant {
	return &TokenGrant{
		AccessToken:  access.ID,
		TokenType:    "Bearer",
		ExpiresIn:    int64(access.ExpiresIn / time.Second),
		RefreshToken: refreshID,
		Scope:        strings.Join(access.Scopes, " "),
	}
}
