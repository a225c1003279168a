// Package sqlite provides a SQLite-backed implementation of the storage
// interfaces, with schema migrations embedded and applied on open.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/authgate/authgate/storage"
)

// dummyHash is compared against when a client or identity is unknown, so
// lookups cost the same whether or not the record exists.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// Store is a SQLite-backed implementation of storage.Store.
//
// Timestamps are persisted as unix seconds; expiry comparisons run
// server-side in SQL against a caller-supplied instant so clock skew between
// the sweeping process and stored rows cannot creep in.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New opens (or creates) the database at path, applies pending migrations,
// and returns the store. Use ":memory:" semantics via a file DSN only in
// tests; production deployments pass a filesystem path.
func New(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{
		db:     db,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock overrides the store's time source. Tests use this to cross expiry
// boundaries deterministically.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// --- tokens ---

const tokenColumns = `id, type, client_id, identity_id, parent_id, redirect_uri, scopes, created_at, expires_in, used, code_challenge, code_challenge_method`

// SaveToken persists a token record.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	if token == nil || token.ID == "" {
		return fmt.Errorf("token ID must not be empty")
	}

	scopes, err := json.Marshal(token.Scopes)
	if err != nil {
		return fmt.Errorf("encoding scopes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO tokens (`+tokenColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		token.ID,
		token.Type,
		token.ClientID,
		token.IdentityID,
		token.ParentID,
		token.RedirectURI,
		string(scopes),
		token.CreatedAt.Unix(),
		int64(token.ExpiresIn/time.Second),
		boolToInt(token.Used),
		token.CodeChallenge,
		token.CodeChallengeMethod,
	)
	if err != nil {
		return mapSQLError(err, "inserting token")
	}
	return nil
}

// GetToken retrieves a token by ID.
func (s *Store) GetToken(ctx context.Context, id string) (*storage.Token, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE id = ?`, id)
	return scanToken(row)
}

// DeleteToken removes a single token.
func (s *Store) DeleteToken(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE id = ?`, id)
	if err != nil {
		return mapSQLError(err, "deleting token")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ConsumeAuthorizationCode atomically loads an authorization code and marks
// it used. The used flag is flipped with a guarded UPDATE inside a
// transaction so concurrent exchanges of the same code cannot both succeed.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, id string) (*storage.Token, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	row := tx.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE id = ? AND type = ?`,
		id, storage.TokenTypeAuthorizationCode)
	token, err := scanToken(row)
	if err != nil {
		return nil, err
	}

	if token.IsExpired(s.now()) {
		return nil, storage.ErrExpired
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE tokens SET used = 1 WHERE id = ? AND used = 0`, id)
	if err != nil {
		return nil, mapSQLError(err, "marking code used")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, storage.ErrAlreadyUsed
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	token.Used = true
	return token, nil
}

// RevokeLineage removes the token plus every ancestor and descendant in its
// refresh chain, returning how many rows were removed.
func (s *Store) RevokeLineage(ctx context.Context, id string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		WITH RECURSIVE doomed(id) AS (
			SELECT id FROM tokens WHERE id = ?1
			UNION
			SELECT t.id FROM tokens t JOIN doomed d ON t.parent_id = d.id
			UNION
			SELECT p.id FROM tokens p JOIN tokens c ON c.parent_id = p.id
				JOIN doomed d ON c.id = d.id
		)
		DELETE FROM tokens WHERE id IN (SELECT id FROM doomed)`, id)
	if err != nil {
		return 0, mapSQLError(err, "revoking lineage")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting revoked rows: %w", err)
	}
	if n == 0 {
		return 0, storage.ErrNotFound
	}
	return int(n), nil
}

// DeleteExpiredTokens bulk-deletes tokens expired at now. The comparison is
// strict, so a row exactly at its expiry boundary survives.
func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	return s.bulkDeleteExpired(ctx, now,
		`DELETE FROM tokens WHERE created_at + expires_in < ?`)
}

// --- clients ---

// SaveClient persists a client registration and its referrer origins. An
// implicit client carrying a secret is rejected.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("client ID must not be empty")
	}
	if !client.MayHoldSecret() && client.SecretHash != "" {
		return fmt.Errorf("%w: implicit clients cannot hold a secret", storage.ErrConstraint)
	}

	redirects, err := json.Marshal(client.RedirectURIs)
	if err != nil {
		return fmt.Errorf("encoding redirect URIs: %w", err)
	}
	referrers, err := json.Marshal(client.ReferrerURIs)
	if err != nil {
		return fmt.Errorf("encoding referrer URIs: %w", err)
	}
	scopes, err := json.Marshal(client.Scopes)
	if err != nil {
		return fmt.Errorf("encoding scopes: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO clients
			(id, type, secret_hash, application_id, redirect_uris, referrer_uris, scopes, require_pkce, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		client.ID,
		client.Type,
		client.SecretHash,
		client.ApplicationID,
		string(redirects),
		string(referrers),
		string(scopes),
		boolToInt(client.RequirePKCE),
		client.CreatedAt.Unix(),
	)
	if err != nil {
		return mapSQLError(err, "inserting client")
	}

	for _, origin := range client.ReferrerURIs {
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO referrers (origin, application_id, created_at)
			VALUES (?, ?, ?)`,
			origin, client.ApplicationID, s.now().Unix())
		if err != nil {
			return mapSQLError(err, "inserting referrer")
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, id string) (*storage.Client, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, secret_hash, application_id, redirect_uris, referrer_uris, scopes, require_pkce, created_at
		FROM clients WHERE id = ?`, id)

	var c storage.Client
	var redirects, referrers, scopes string
	var requirePKCE int
	var createdAt int64
	err := row.Scan(&c.ID, &c.Type, &c.SecretHash, &c.ApplicationID,
		&redirects, &referrers, &scopes, &requirePKCE, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, mapSQLError(err, "scanning client")
	}

	if err := json.Unmarshal([]byte(redirects), &c.RedirectURIs); err != nil {
		return nil, fmt.Errorf("decoding redirect URIs: %w", err)
	}
	if err := json.Unmarshal([]byte(referrers), &c.ReferrerURIs); err != nil {
		return nil, fmt.Errorf("decoding referrer URIs: %w", err)
	}
	if err := json.Unmarshal([]byte(scopes), &c.Scopes); err != nil {
		return nil, fmt.Errorf("decoding scopes: %w", err)
	}
	c.RequirePKCE = requirePKCE != 0
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &c, nil
}

// ValidateClientSecret verifies a presented secret against the stored bcrypt
// hash. Unknown clients cost a dummy comparison.
func (s *Store) ValidateClientSecret(ctx context.Context, id, secret string) error {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT secret_hash FROM clients WHERE id = ?`, id).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && hash == "") {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
		return storage.ErrInvalidCredentials
	}
	if err != nil {
		return mapSQLError(err, "loading client secret")
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) != nil {
		return storage.ErrInvalidCredentials
	}
	return nil
}

// --- identities ---

// SaveIdentity persists an identity record.
func (s *Store) SaveIdentity(ctx context.Context, identity *storage.Identity) error {
	if identity == nil || identity.ID == "" {
		return fmt.Errorf("identity ID must not be empty")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO identities
			(id, application_id, authenticator, subject, name, email, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		identity.ID,
		identity.ApplicationID,
		identity.Authenticator,
		identity.Subject,
		identity.Name,
		identity.Email,
		identity.PasswordHash,
		identity.CreatedAt.Unix(),
	)
	if err != nil {
		return mapSQLError(err, "inserting identity")
	}
	return nil
}

const identityColumns = `id, application_id, authenticator, subject, name, email, password_hash, created_at`

// GetIdentity retrieves an identity by ID.
func (s *Store) GetIdentity(ctx context.Context, id string) (*storage.Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = ?`, id)
	return scanIdentity(row)
}

// FindIdentity looks an identity up by authenticator and subject.
func (s *Store) FindIdentity(ctx context.Context, authenticator, subject string) (*storage.Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE authenticator = ? AND subject = ?`,
		authenticator, subject)
	return scanIdentity(row)
}

// ValidatePassword verifies a username/password pair under the password
// authenticator.
func (s *Store) ValidatePassword(ctx context.Context, username, password string) (*storage.Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE authenticator = 'password' AND subject = ?`,
		username)
	identity, err := scanIdentity(row)
	if err != nil || identity.PasswordHash == "" {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, storage.ErrInvalidCredentials
	}

	if bcrypt.CompareHashAndPassword([]byte(identity.PasswordHash), []byte(password)) != nil {
		return nil, storage.ErrInvalidCredentials
	}
	return identity, nil
}

// --- referrers ---

// SaveReferrer registers a CORS origin.
func (s *Store) SaveReferrer(ctx context.Context, ref *storage.Referrer) error {
	if ref == nil || ref.Origin == "" {
		return fmt.Errorf("referrer origin must not be empty")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO referrers (origin, application_id, created_at)
		VALUES (?, ?, ?)`,
		ref.Origin, ref.ApplicationID, ref.CreatedAt.Unix())
	if err != nil {
		return mapSQLError(err, "inserting referrer")
	}
	return nil
}

// HasReferrer reports whether the origin is registered.
func (s *Store) HasReferrer(ctx context.Context, origin string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM referrers WHERE origin = ?`, origin).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapSQLError(err, "looking up referrer")
	}
	return true, nil
}

// --- authenticator states ---

// SaveAuthenticatorState records the start of a delegated flow.
func (s *Store) SaveAuthenticatorState(ctx context.Context, state *storage.AuthenticatorState) error {
	if state == nil || state.StateID == "" {
		return fmt.Errorf("state ID must not be empty")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authenticator_states
			(state_id, client_id, authenticator, redirect_uri, scope, response_type,
			 client_state, code_challenge, code_challenge_method, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.StateID,
		state.ClientID,
		state.Authenticator,
		state.RedirectURI,
		state.Scope,
		state.ResponseType,
		state.ClientState,
		state.CodeChallenge,
		state.CodeChallengeMethod,
		state.CreatedAt.Unix(),
		state.ExpiresAt.Unix(),
	)
	if err != nil {
		return mapSQLError(err, "inserting authenticator state")
	}
	return nil
}

// ConsumeAuthenticatorState atomically retrieves and deletes a state record.
func (s *Store) ConsumeAuthenticatorState(ctx context.Context, stateID string) (*storage.AuthenticatorState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	row := tx.QueryRowContext(ctx, `
		SELECT state_id, client_id, authenticator, redirect_uri, scope, response_type,
		       client_state, code_challenge, code_challenge_method, created_at, expires_at
		FROM authenticator_states WHERE state_id = ?`, stateID)

	var st storage.AuthenticatorState
	var createdAt, expiresAt int64
	err = row.Scan(&st.StateID, &st.ClientID, &st.Authenticator, &st.RedirectURI,
		&st.Scope, &st.ResponseType, &st.ClientState, &st.CodeChallenge,
		&st.CodeChallengeMethod, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, mapSQLError(err, "scanning authenticator state")
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM authenticator_states WHERE state_id = ?`, stateID); err != nil {
		return nil, mapSQLError(err, "deleting authenticator state")
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	st.CreatedAt = time.Unix(createdAt, 0).UTC()
	st.ExpiresAt = time.Unix(expiresAt, 0).UTC()

	if s.now().After(st.ExpiresAt) {
		return nil, storage.ErrExpired
	}
	return &st, nil
}

// DeleteExpiredStates removes states expired at now.
func (s *Store) DeleteExpiredStates(ctx context.Context, now time.Time) (int, error) {
	return s.bulkDeleteExpired(ctx, now,
		`DELETE FROM authenticator_states WHERE expires_at < ?`)
}

// --- sessions ---

// SaveSession persists a session record.
func (s *Store) SaveSession(ctx context.Context, session *storage.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session ID must not be empty")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions (id, identity_id, created_at, expires_in)
		VALUES (?, ?, ?, ?)`,
		session.ID,
		session.IdentityID,
		session.CreatedAt.Unix(),
		int64(session.ExpiresIn/time.Second),
	)
	if err != nil {
		return mapSQLError(err, "inserting session")
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, identity_id, created_at, expires_in FROM sessions WHERE id = ?`, id)

	var sess storage.Session
	var createdAt, expiresIn int64
	err := row.Scan(&sess.ID, &sess.IdentityID, &createdAt, &expiresIn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, mapSQLError(err, "scanning session")
	}
	sess.CreatedAt = time.Unix(createdAt, 0).UTC()
	sess.ExpiresIn = time.Duration(expiresIn) * time.Second
	return &sess, nil
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return mapSQLError(err, "deleting session")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteExpiredSessions bulk-deletes sessions expired at now.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	return s.bulkDeleteExpired(ctx, now,
		`DELETE FROM sessions WHERE created_at + expires_in < ?`)
}

// --- helpers ---

// bulkDeleteExpired runs one bulk delete inside its own transaction. On
// failure the transaction is rolled back and the original error propagated;
// the rollback itself runs unconditionally via defer.
func (s *Store) bulkDeleteExpired(ctx context.Context, now time.Time, query string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, query, now.Unix())
	if err != nil {
		return 0, mapSQLError(err, "bulk deleting expired rows")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return int(n), nil
}

func scanToken(row *sql.Row) (*storage.Token, error) {
	var t storage.Token
	var scopes string
	var createdAt, expiresIn int64
	var used int
	err := row.Scan(&t.ID, &t.Type, &t.ClientID, &t.IdentityID, &t.ParentID,
		&t.RedirectURI, &scopes, &createdAt, &expiresIn, &used,
		&t.CodeChallenge, &t.CodeChallengeMethod)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, mapSQLError(err, "scanning token")
	}

	if err := json.Unmarshal([]byte(scopes), &t.Scopes); err != nil {
		return nil, fmt.Errorf("decoding scopes: %w", err)
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.ExpiresIn = time.Duration(expiresIn) * time.Second
	t.Used = used != 0
	return &t, nil
}

func scanIdentity(row *sql.Row) (*storage.Identity, error) {
	var id storage.Identity
	var createdAt int64
	err := row.Scan(&id.ID, &id.ApplicationID, &id.Authenticator, &id.Subject,
		&id.Name, &id.Email, &id.PasswordHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, mapSQLError(err, "scanning identity")
	}
	id.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &id, nil
}

// mapSQLError translates driver errors into the shared sentinel taxonomy.
// Constraint violations become ErrConstraint so callers can answer 409
// without leaking driver internals.
func mapSQLError(err error, doing string) error {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		if code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY {
			return fmt.Errorf("%w: %s", storage.ErrConstraint, doing)
		}
	}
	return fmt.Errorf("%s: %w", doing, err)
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
