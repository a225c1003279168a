// Package testutil provides testing helpers shared across the authorization
// server's packages.
package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/authgate/authgate/storage"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.now = t
}

// MustHashSecret returns a bcrypt hash of secret at the minimum cost, which
// keeps tests fast while exercising the real verification path.
func MustHashSecret(secret string) string {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		panic(fmt.Sprintf("failed to hash secret: %v", err))
	}
	return string(hash)
}

// TestClientID is the fixed, UUID-shaped ID of the client returned by
// GenerateTestClient. Client identifiers must be UUID-shaped to survive
// credential resolution.
const TestClientID = "3f1cc215-7a26-4e53-9f6b-2d9f0f04a1c7"

// GenerateTestClient creates a confidential client-credentials client whose
// secret is "s3cret".
func GenerateTestClient() *storage.Client {
	return &storage.Client{
		ID:            TestClientID,
		Type:          storage.ClientTypeClientCredentials,
		SecretHash:    MustHashSecret("s3cret"),
		ApplicationID: "test-app",
		Scopes:        []string{"debug", "read", "write"},
		CreatedAt:     time.Now(),
	}
}

// GenerateTestToken creates a bearer token for the given client.
func GenerateTestToken(clientID string, scopes []string) *storage.Token {
	return &storage.Token{
		ID:        GenerateRandomString(32),
		Type:      storage.TokenTypeBearer,
		ClientID:  clientID,
		Scopes:    scopes,
		CreatedAt: time.Now(),
		ExpiresIn: time.Hour,
	}
}

// GenerateTestState creates an authenticator state for a delegated flow.
func GenerateTestState(clientID string) *storage.AuthenticatorState {
	return &storage.AuthenticatorState{
		StateID:       GenerateRandomString(32),
		ClientID:      clientID,
		Authenticator: "google",
		RedirectURI:   "https://example.com/callback",
		Scope:         "read",
		ResponseType:  "code",
		ClientState:   "client-csrf",
		CreatedAt:     time.Now(),
		ExpiresAt:     time.Now().Add(10 * time.Minute),
	}
}

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid PKCE challenge and verifier pair.
// The challenge is the S256 hash of the verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}
