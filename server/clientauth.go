package server

import (
	"context"
	"errors"

	"github.com/authgate/authgate/storage"
)

// AuthorizeClient authenticates the client (not the end user) ahead of grant
// handling:
//
//   - empty credentials or unknown client -> invalid_client
//   - public client presenting any secret -> access_denied
//   - confidential client with a missing or wrong secret -> access_denied
//
// Descriptions stay generic so a caller cannot distinguish an unknown
// client_id from a wrong secret beyond what RFC 6749 exposes.
func (s *Server) AuthorizeClient(ctx context.Context, creds Credentials) (*storage.Client, error) {
	if creds.Empty() {
		s.auditAuthFailure(ctx, "", ErrorCodeInvalidClient)
		return nil, ErrInvalidClient("")
	}

	client, err := s.store.GetClient(ctx, creds.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.auditAuthFailure(ctx, creds.ClientID, ErrorCodeInvalidClient)
			return nil, ErrInvalidClient("")
		}
		s.Logger.Error("client lookup failed", "error", err)
		return nil, ErrServerError("")
	}

	if !client.Confidential() {
		if creds.Secret != "" {
			s.auditAuthFailure(ctx, creds.ClientID, ErrorCodeAccessDenied)
			return nil, ErrAccessDenied("public clients must not present a secret")
		}
		return client, nil
	}

	if creds.Secret == "" {
		s.auditAuthFailure(ctx, creds.ClientID, ErrorCodeAccessDenied)
		return nil, ErrAccessDenied("")
	}
	if err := s.store.ValidateClientSecret(ctx, creds.ClientID, creds.Secret); err != nil {
		if errors.Is(err, storage.ErrInvalidCredentials) {
			s.auditAuthFailure(ctx, creds.ClientID, ErrorCodeAccessDenied)
			return nil, ErrAccessDenied("")
		}
		s.Logger.Error("client secret validation failed", "error", err)
		return nil, ErrServerError("")
	}

	return client, nil
}

func (s *Server) auditAuthFailure(ctx context.Context, clientID, reason string) {
	if s.Auditor != nil {
		s.Auditor.LogAuthFailure("", clientID, "", reason)
	}
	if s.metrics != nil {
		s.metrics.RecordAuthenticationFailure(ctx, reason)
	}
}
