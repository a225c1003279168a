// Package memory provides an in-memory implementation of the storage
// interfaces. It is the default backend for tests and single-process
// deployments; durable deployments use the sqlite backend.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/authgate/authgate/instrumentation"
	"github.com/authgate/authgate/storage"
)

// Hard limits against memory exhaustion. A store that hits one of these
// refuses further writes of that kind instead of growing without bound.
const (
	MaxTokens     = 100000
	MaxClients    = 10000
	MaxIdentities = 100000
	MaxReferrers  = 10000
	MaxStates     = 10000
	MaxSessions   = 100000
)

// dummyHash is a bcrypt hash compared against when a client or identity is
// unknown, so lookups cost the same whether or not the record exists.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	tokens     map[string]*storage.Token
	clients    map[string]*storage.Client
	identities map[string]*storage.Identity
	subjects   map[string]string // authenticator+"\x00"+subject -> identity ID
	usernames  map[string]string // password-authenticator username -> identity ID
	referrers  map[string]*storage.Referrer
	states     map[string]*storage.AuthenticatorState
	sessions   map[string]*storage.Session

	logger *slog.Logger
	now    func() time.Time

	inst   *instrumentation.Instrumentation
	tracer trace.Tracer
}

// Compile-time interface checks
var (
	_ storage.Store = (*Store)(nil)
)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		tokens:     make(map[string]*storage.Token),
		clients:    make(map[string]*storage.Client),
		identities: make(map[string]*storage.Identity),
		subjects:   make(map[string]string),
		usernames:  make(map[string]string),
		referrers:  make(map[string]*storage.Referrer),
		states:     make(map[string]*storage.AuthenticatorState),
		sessions:   make(map[string]*storage.Session),
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// SetLogger sets the logger used for storage diagnostics.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetClock overrides the store's time source. Tests use this to cross expiry
// boundaries deterministically.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetInstrumentation enables tracing and metrics for storage operations.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// --- tokens ---

// SaveToken persists a token record.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "save_token")
	defer span.End()

	var err error
	defer func() { s.record(ctx, span, "save_token", err, start) }()

	if token == nil || token.ID == "" {
		err = fmt.Errorf("token ID must not be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[token.ID]; !exists && len(s.tokens) >= MaxTokens {
		err = fmt.Errorf("token store full: limit %d reached", MaxTokens)
		return err
	}

	cp := *token
	cp.Scopes = append([]string(nil), token.Scopes...)
	s.tokens[token.ID] = &cp
	return nil
}

// GetToken retrieves a token by ID.
func (s *Store) GetToken(ctx context.Context, id string) (*storage.Token, error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "get_token")
	defer span.End()

	var err error
	defer func() { s.record(ctx, span, "get_token", err, start) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[id]
	if !ok {
		err = storage.ErrNotFound
		return nil, err
	}

	cp := *token
	cp.Scopes = append([]string(nil), token.Scopes...)
	return &cp, nil
}

// DeleteToken removes a single token.
func (s *Store) DeleteToken(ctx context.Context, id string) error {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "delete_token")
	defer span.End()

	var err error
	defer func() { s.record(ctx, span, "delete_token", err, start) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[id]; !ok {
		err = storage.ErrNotFound
		return err
	}
	delete(s.tokens, id)
	return nil
}

// ConsumeAuthorizationCode atomically loads an authorization code and marks
// it used. Replay returns ErrAlreadyUsed; an elapsed lifetime returns
// ErrExpired.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, id string) (*storage.Token, error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "consume_authorization_code")
	defer span.End()

	var err error
	defer func() { s.record(ctx, span, "consume_authorization_code", err, start) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[id]
	if !ok || token.Type != storage.TokenTypeAuthorizationCode {
		err = storage.ErrNotFound
		return nil, err
	}
	if token.IsExpired(s.now()) {
		err = storage.ErrExpired
		return nil, err
	}
	if token.Used {
		err = storage.ErrAlreadyUsed
		return nil, err
	}

	token.Used = true

	cp := *token
	cp.Scopes = append([]string(nil), token.Scopes...)
	return &cp, nil
}

// RevokeLineage removes the token plus every ancestor and descendant in its
// refresh chain, returning how many records were removed.
func (s *Store) RevokeLineage(ctx context.Context, id string) (int, error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "revoke_lineage")
	defer span.End()

	var err error
	defer func() { s.record(ctx, span, "revoke_lineage", err, start) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[id]; !ok {
		err = storage.ErrNotFound
		return 0, err
	}

	doomed := map[string]bool{id: true}

	// Expand to ancestors and descendants until no new member appears.
	for {
		grew := false
		for tid, token := range s.tokens {
			if doomed[tid] {
				if token.ParentID != "" && !doomed[token.ParentID] {
					if _, ok := s.tokens[token.ParentID]; ok {
						doomed[token.ParentID] = true
						grew = true
					}
				}
				continue
			}
			if token.ParentID != "" && doomed[token.ParentID] {
				doomed[tid] = true
				grew = true
			}
		}
		if !grew {
			break
		}
	}

	for tid := range doomed {
		delete(s.tokens, tid)
	}

	return len(doomed), nil
}

// DeleteExpiredTokens bulk-deletes tokens expired at now.
func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "delete_expired_tokens")
	defer span.End()

	var err error
	defer func() { s.record(ctx, span, "delete_expired_tokens", err, start) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, token := range s.tokens {
		if token.IsExpired(now) {
			delete(s.tokens, id)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("expired tokens removed", "count", removed)
	}
	return removed, nil
}

// --- clients ---

// SaveClient persists a client registration. An implicit client carrying a
// secret is rejected.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "save_client")
	defer span.End()

	var err error
	defer func() { s.record(ctx, span, "save_client", err, start) }()

	if client == nil || client.ID == "" {
		err = fmt.Errorf("client ID must not be empty")
		return err
	}
	if !client.MayHoldSecret() && client.SecretHash != "" {
		err = fmt.Errorf("%w: implicit clients cannot hold a secret", storage.ErrConstraint)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ID]; !exists && len(s.clients) >= MaxClients {
		err = fmt.Errorf("client store full: limit %d reached", MaxClients)
		return err
	}

	cp := *client
	cp.RedirectURIs = append([]string(nil), client.RedirectURIs...)
	cp.ReferrerURIs = append([]string(nil), client.ReferrerURIs...)
	cp.Scopes = append([]string(nil), client.Scopes...)
	s.clients[client.ID] = &cp

	for _, origin := range client.ReferrerURIs {
		if len(s.referrers) >= MaxReferrers {
			break
		}
		s.referrers[origin] = &storage.Referrer{
			Origin:        origin,
			ApplicationID: client.ApplicationID,
			CreatedAt:     s.now(),
		}
	}
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, id string) (*storage.Client, error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "get_client")
	defer span.End()

	var err error
	defer func() { s.record(ctx, span, "get_client", err, start) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[id]
	if !ok {
		err = storage.ErrNotFound
		return nil, err
	}

	cp := *client
	cp.RedirectURIs = append([]string(nil), client.RedirectURIs...)
	cp.ReferrerURIs = append([]string(nil), client.ReferrerURIs...)
	cp.Scopes = append([]string(nil), client.Scopes...)
	return &cp, nil
}

// ValidateClientSecret verifies a presented secret against the stored bcrypt
// hash. Unknown clients cost a dummy comparison so timing does not reveal
// their existence.
func (s *Store) ValidateClientSecret(ctx context.Context, id, secret string) error {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "validate_client_secret")
	defer span.End()

	var err error
	defer func() { s.record(ctx, span, "validate_client_secret", err, start) }()

	s.mu.RLock()
	client, ok := s.clients[id]
	s.mu.RUnlock()

	if !ok || client.SecretHash == "" {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
		err = storage.ErrInvalidCredentials
		return err
	}

	if bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)) != nil {
		err = storage.ErrInvalidCredentials
		return err
	}
	return nil
}

// --- identities ---

// SaveIdentity persists an identity record.
func (s *Store) SaveIdentity(ctx context.Context, identity *storage.Identity) error {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "save_identity")
	defer span.End()

	var err error
	defer func() { s.record(ctx, span, "save_identity", err, start) }()

	if identity == nil || identity.ID == "" {
		err = fmt.Errorf("identity ID must not be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.identities[identity.ID]; !exists && len(s.identities) >= MaxIdentities {
		err = fmt.Errorf("identity store full: limit %d reached", MaxIdentities)
		return err
	}

	cp := *identity
	s.identities[identity.ID] = &cp
	if identity.Authenticator != "" && identity.Subject != "" {
		s.subjects[subjectKey(identity.Authenticator, identity.Subject)] = identity.ID
		if identity.Authenticator == "password" {
			s.usernames[identity.Subject] = identity.ID
		}
	}
	return nil
}

// GetIdentity retrieves an identity by ID.
func (s *Store) GetIdentity(ctx context.Context, id string) (*storage.Identity, error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "get_identity")
	defer span.End()

	var err error
	defer func() { s.record(ctx, span, "get_identity", err, start) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	identity, ok := s.identities[id]
	if !ok {
		err = storage.ErrNotFound
		return nil, err
	}
	cp := *identity
	return &cp, nil
}

// FindIdentity looks an identity up by authenticator and subject.
func (s *Store) FindIdentity(ctx context.Context, authenticator, subject string) (*storage.Identity, error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "find_identity")
	defer span.End()

	var err error
	defer func() { s.record(ctx, span, "find_identity", err, start) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.subjects[subjectKey(authenticator, subject)]
	if !ok {
		err = storage.ErrNotFound
		return nil, err
	}
	identity := s.identities[id]
	cp := *identity
	return &cp, nil
}

// ValidatePassword verifies a username/password pair under the password
// authenticator. Unknown usernames cost the same dummy comparison as wrong
// passwords.
func (s *Store) ValidatePassword(ctx context.Context, username, password string) (*storage.Identity, error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "validate_password")
	defer span.End()

	var err error
	defer func() { s.record(ctx, span, "validate_password", err, start) }()

	s.mu.RLock()
	id, ok := s.usernames[username]
	var identity *storage.Identity
	if ok {
		identity = s.identities[id]
	}
	s.mu.RUnlock()

	if identity == nil || identity.PasswordHash == "" {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		err = storage.ErrInvalidCredentials
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(identity.PasswordHash), []byte(password)) != nil {
		err = storage.ErrInvalidCredentials
		return nil, err
	}

	cp := *identity
	return &cp, nil
}

// --- referrers ---

// SaveReferrer registers a CORS origin.
func (s *Store) SaveReferrer(ctx context.Context, ref *storage.Referrer) error {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "save_referrer")
	defer span.End()

	var err error
	defer func() { s.record(ctx, span, "save_referrer", err, start) }()

	if ref == nil || ref.Origin == "" {
		err = fmt.Errorf("referrer origin must not be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.referrers[ref.Origin]; !exists && len(s.referrers) >= MaxReferrers {
		err = fmt.Errorf("referrer store full: limit %d reached", MaxReferrers)
		return err
	}

	cp := *ref
	s.referrers[ref.Origin] = &cp
	return nil
}

// HasReferrer reports whether the origin is registered.
func (s *Store) HasReferrer(ctx context.Context, origin string) (bool, error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "has_referrer")
	defer span.End()

	var err error
	defer func() { s.record(ctx, span, "has_referrer", err, start) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.referrers[origin]
	return ok, nil
}

// --- authenticator states ---

// SaveAuthenticatorState records the start of a delegated flow.
func (s *Store) SaveAuthenticatorState(ctx context.Context, state *storage.AuthenticatorState) error {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "save_authenticator_state")
	defer span.End()

	var err error
	defer func() { s.record(ctx, span, "save_authenticator_state", err, start) }()

	if state == nil || state.StateID == "" {
		err = fmt.Errorf("state ID must not be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.states[state.StateID]; !exists && len(s.states) >= MaxStates {
		err = fmt.Errorf("state store full: limit %d reached", MaxStates)
		return err
	}

	cp := *state
	s.states[state.StateID] = &cp
	return nil
}

// ConsumeAuthenticatorState atomically retrieves and deletes a state record.
// A second consume of the same ID returns ErrNotFound.
func (s *Store) ConsumeAuthenticatorState(ctx context.Context, stateID string) (*storage.AuthenticatorState, error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "consume_authenticator_state")
	defer span.End()

	var err error
	defer func() { s.record(ctx, span, "consume_authenticator_state", err, start) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[stateID]
	if !ok {
		err = storage.ErrNotFound
		return nil, err
	}
	delete(s.states, stateID)

	if s.now().After(state.ExpiresAt) {
		err = storage.ErrExpired
		return nil, err
	}

	cp := *state
	return &cp, nil
}

// DeleteExpiredStates removes states expired at now.
func (s *Store) DeleteExpiredStates(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "delete_expired_states")
	defer span.End()

	var err error
	defer func() { s.record(ctx, span, "delete_expired_states", err, start) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, state := range s.states {
		if now.After(state.ExpiresAt) {
			delete(s.states, id)
			removed++
		}
	}
	return removed, nil
}

// --- sessions ---

// SaveSession persists a session record.
func (s *Store) SaveSession(ctx context.Context, session *storage.Session) error {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "save_session")
	defer span.End()

	var err error
	defer func() { s.record(ctx, span, "save_session", err, start) }()

	if session == nil || session.ID == "" {
		err = fmt.Errorf("session ID must not be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; !exists && len(s.sessions) >= MaxSessions {
		err = fmt.Errorf("session store full: limit %d reached", MaxSessions)
		return err
	}

	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "get_session")
	defer span.End()

	var err error
	defer func() { s.record(ctx, span, "get_session", err, start) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		err = storage.ErrNotFound
		return nil, err
	}
	cp := *session
	return &cp, nil
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "delete_session")
	defer span.End()

	var err error
	defer func() { s.record(ctx, span, "delete_session", err, start) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		err = storage.ErrNotFound
		return err
	}
	delete(s.sessions, id)
	return nil
}

// DeleteExpiredSessions bulk-deletes sessions expired at now.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "delete_expired_sessions")
	defer span.End()

	var err error
	defer func() { s.record(ctx, span, "delete_expired_sessions", err, start) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, session := range s.sessions {
		if session.IsExpired(now) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// --- instrumentation helpers ---

func (s *Store) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))
}

func (s *Store) record(ctx context.Context, span trace.Span, operation string, err error, start time.Time) {
	if err != nil {
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	if s.inst == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	s.inst.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(start).Milliseconds()))
}

func subjectKey(authenticator, subject string) string {
	return authenticator + "\x00" + subject
}
