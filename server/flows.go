package server

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/authgate/authgate/providers"
	"github.com/authgate/authgate/security"
	"github.com/authgate/authgate/storage"
)

// Response types accepted at the authorization endpoint.
const (
	ResponseTypeCode  = "code"
	ResponseTypeToken = "token"
)

// AuthorizeRequest carries the parameters of a GET /authorize request.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string // client's own CSRF state, echoed back
	Authenticator       string // provider name; config default when empty
	CodeChallenge       string
	CodeChallengeMethod string
	ClientIP            string
}

// CallbackResult is the successful outcome of a provider callback: the
// redirect back to the client, carrying either an authorization code
// (query) or a bearer token (fragment).
type CallbackResult struct {
	RedirectURI string
	UseFragment bool
	State       string

	Code string // response_type=code

	AccessToken string // response_type=token
	TokenType   string
	ExpiresIn   int64
	Scope       string

	SessionID string // server-side session created for the identity
}

// Location builds the redirect URL back to the client, encoding the code in
// the query string or the token in the URL fragment.
func (r *CallbackResult) Location() string {
	params := url.Values{}
	if r.State != "" {
		params.Set("state", r.State)
	}
	if r.UseFragment {
		params.Set("access_token", r.AccessToken)
		params.Set("token_type", r.TokenType)
		params.Set("expires_in", strconv.FormatInt(r.ExpiresIn, 10))
		if r.Scope != "" {
			params.Set("scope", r.Scope)
		}
	} else {
		params.Set("code", r.Code)
	}
	return appendParams(r.RedirectURI, params, r.UseFragment)
}

// StartAuthorizationFlow validates an authorization request and returns the
// provider URL to redirect the user to.
//
// Error transport depends on how far validation got: before the redirect
// target is verified, errors surface as plain protocol errors (the handler
// answers 400 JSON); once it is verified they become RedirectErrors, encoded
// into the client's redirect as query parameters for authorization-grant
// clients and as the URL fragment for implicit clients.
func (s *Server) StartAuthorizationFlow(ctx context.Context, req *AuthorizeRequest) (string, error) {
	if req.ClientID == "" {
		return "", ErrInvalidRequest("client_id is required")
	}

	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrInvalidRequest("unknown client")
		}
		s.Logger.Error("client lookup failed", "error", err)
		return "", ErrServerError("")
	}

	redirectURI, err := validateRedirectURI(client, req.RedirectURI)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventInvalidRedirect,
				ClientID:  client.ID,
				IPAddress: req.ClientIP,
				Details:   map[string]any{"redirect_uri": req.RedirectURI},
			})
		}
		return "", err
	}

	// From here on a verified redirect exists and errors travel on it.
	fragment := client.Type == storage.ClientTypeImplicit
	redirectErr := func(e *Error) error {
		return &RedirectError{RedirectURI: redirectURI, UseFragment: fragment, State: req.State, Err: e}
	}

	switch req.ResponseType {
	case ResponseTypeCode:
		if client.Type != storage.ClientTypeAuthorizationGrant {
			return "", redirectErr(ErrUnauthorizedClient("client may not use the authorization code flow"))
		}
	case ResponseTypeToken:
		if client.Type != storage.ClientTypeImplicit {
			return "", redirectErr(ErrUnauthorizedClient("client may not use the implicit flow"))
		}
	default:
		return "", redirectErr(ErrUnsupportedResponseType(""))
	}

	if _, err := s.validateScopes(client, req.Scope); err != nil {
		var oerr *Error
		if errors.As(err, &oerr) {
			return "", redirectErr(oerr)
		}
		return "", redirectErr(ErrServerError(""))
	}

	if req.ResponseType == ResponseTypeCode && (s.Config.RequirePKCE || client.RequirePKCE) && req.CodeChallenge == "" {
		return "", redirectErr(ErrInvalidRequest("code_challenge is required"))
	}
	if err := s.validateChallengeMethod(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		return "", redirectErr(ErrInvalidRequest(err.Error()))
	}

	name := req.Authenticator
	if name == "" {
		name = s.Config.DefaultAuthenticator
	}
	provider, ok := s.providers[name]
	if !ok {
		return "", redirectErr(ErrInvalidRequest("unknown authenticator"))
	}

	stateID := generateRandomToken()
	state := &storage.AuthenticatorState{
		StateID:             stateID,
		ClientID:            client.ID,
		Authenticator:       provider.Name(),
		RedirectURI:         redirectURI,
		Scope:               req.Scope,
		ResponseType:        req.ResponseType,
		ClientState:         req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           s.now(),
		ExpiresAt:           s.now().Add(s.Config.StateTTL),
	}
	if err := s.store.SaveAuthenticatorState(ctx, state); err != nil {
		s.Logger.Error("failed to save authenticator state", "error", err)
		return "", redirectErr(ErrServerError(""))
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventAuthorizationFlowStarted,
			ClientID:  client.ID,
			IPAddress: req.ClientIP,
			Details: map[string]any{
				"authenticator": provider.Name(),
				"response_type": req.ResponseType,
				"scope":         req.Scope,
			},
		})
	}

	return provider.AuthorizationURL(stateID, req.CodeChallenge, req.CodeChallengeMethod), nil
}

// HandleProviderCallback consumes the state record named by the provider
// callback, exchanges the provider code, resolves the identity, and issues
// either an authorization code or an implicit bearer token.
//
// An unknown, malformed, or expired state yields invalid_request with no
// redirect: nothing trustworthy ties the callback to a client redirect.
// After the state is consumed the client's redirect is verified and errors
// travel on it.
func (s *Server) HandleProviderCallback(ctx context.Context, stateID, providerCode, providerErr, clientIP string) (*CallbackResult, error) {
	if stateID == "" {
		return nil, ErrInvalidRequest("state is required")
	}

	state, err := s.store.ConsumeAuthenticatorState(ctx, stateID)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventStateRejected,
				IPAddress: clientIP,
				Details:   map[string]any{"state_prefix": safeTruncate(stateID, 8)},
			})
		}
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
			return nil, ErrInvalidRequest("unknown or expired state")
		}
		s.Logger.Error("state consumption failed", "error", err)
		return nil, ErrServerError("")
	}

	fragment := state.ResponseType == ResponseTypeToken
	redirectErr := func(e *Error) error {
		return &RedirectError{RedirectURI: state.RedirectURI, UseFragment: fragment, State: state.ClientState, Err: e}
	}

	if providerErr != "" {
		return nil, redirectErr(ErrAccessDenied("the authorization request was denied"))
	}
	if providerCode == "" {
		return nil, redirectErr(ErrInvalidRequest("code is required"))
	}

	provider, ok := s.providers[state.Authenticator]
	if !ok {
		return nil, redirectErr(ErrServerError(""))
	}

	providerToken, err := provider.ExchangeCode(ctx, providerCode, "")
	if err != nil {
		s.Logger.Error("provider code exchange failed", "provider", provider.Name(), "error", err)
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventProviderCodeExchangeFailed,
				ClientID:  state.ClientID,
				IPAddress: clientIP,
				Details:   map[string]any{"provider": provider.Name()},
			})
		}
		if s.metrics != nil {
			s.metrics.RecordProviderAPICall(ctx, provider.Name(), "exchange_code", 0, 0, err)
		}
		return nil, redirectErr(ErrTemporarilyUnavailable(""))
	}

	profile, err := provider.FetchProfile(ctx, providerToken.AccessToken)
	if err != nil {
		s.Logger.Error("provider profile fetch failed", "provider", provider.Name(), "error", err)
		return nil, redirectErr(ErrTemporarilyUnavailable(""))
	}

	identity, err := s.resolveIdentity(ctx, provider.Name(), profile)
	if err != nil {
		return nil, redirectErr(ErrServerError(""))
	}

	session := &storage.Session{
		ID:         generateRandomToken(),
		IdentityID: identity.ID,
		CreatedAt:  s.now(),
		ExpiresIn:  s.Config.SessionTTL,
	}
	if err := s.store.SaveSession(ctx, session); err != nil {
		s.Logger.Warn("failed to create session", "error", err)
		session.ID = ""
	}

	result := &CallbackResult{
		RedirectURI: state.RedirectURI,
		UseFragment: fragment,
		State:       state.ClientState,
		SessionID:   session.ID,
	}
	scopes := strings.Fields(state.Scope)

	switch state.ResponseType {
	case ResponseTypeToken:
		// Implicit clients never receive a refresh token.
		token, err := s.issueToken(ctx, storage.TokenTypeBearer, state.ClientID, identity.ID, scopes, "", s.Config.AccessTokenTTL)
		if err != nil {
			return nil, redirectErr(ErrServerError(""))
		}
		result.AccessToken = token.ID
		result.TokenType = "Bearer"
		result.ExpiresIn = int64(token.ExpiresIn / time.Second)
		result.Scope = strings.Join(scopes, " ")

		if s.Auditor != nil {
			s.Auditor.LogTokenIssued(identity.ID, state.ClientID, clientIP, "implicit", state.Scope)
		}

	default:
		code := &storage.Token{
			ID:                  generateRandomToken(),
			Type:                storage.TokenTypeAuthorizationCode,
			ClientID:            state.ClientID,
			IdentityID:          identity.ID,
			RedirectURI:         state.RedirectURI,
			Scopes:              scopes,
			CreatedAt:           s.now(),
			ExpiresIn:           s.Config.AuthorizationCodeTTL,
			CodeChallenge:       state.CodeChallenge,
			CodeChallengeMethod: state.CodeChallengeMethod,
		}
		if err := s.store.SaveToken(ctx, code); err != nil {
			s.Logger.Error("code persistence failed", "error", err)
			return nil, redirectErr(ErrServerError(""))
		}
		result.Code = code.ID

		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:       security.EventAuthorizationCodeIssued,
				IdentityID: identity.ID,
				ClientID:   state.ClientID,
				IPAddress:  clientIP,
			})
		}
	}

	return result, nil
}

// resolveIdentity finds or creates the identity for a provider profile and
// refreshes its claims.
func (s *Server) resolveIdentity(ctx context.Context, authenticator string, profile *providers.Profile) (*storage.Identity, error) {
	identity, err := s.store.FindIdentity(ctx, authenticator, profile.Subject)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.Logger.Error("identity lookup failed", "error", err)
		return nil, err
	}

	if identity == nil {
		identity = &storage.Identity{
			ID:            uuid.NewString(),
			ApplicationID: s.Config.ApplicationID,
			Authenticator: authenticator,
			Subject:       profile.Subject,
			CreatedAt:     s.now(),
		}
	}
	identity.Name = profile.Name
	identity.Email = profile.Email

	if err := s.store.SaveIdentity(ctx, identity); err != nil {
		s.Logger.Error("identity persistence failed", "error", err)
		return nil, err
	}
	return identity, nil
}
