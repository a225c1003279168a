// Package security provides security features for the authorization server
// including rate limiting, audit logging, expiry checks, and client IP
// extraction.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type       string
	IdentityID string
	ClientID   string
	IPAddress  string
	Details    map[string]any
	Timestamp  time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"identity_hash", hashForLogging(event.IdentityID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs when a token is issued
func (a *Auditor) LogTokenIssued(identityID, clientID, ipAddress, grantType, scope string) {
	a.LogEvent(Event{
		Type:       EventTokenIssued,
		IdentityID: identityID,
		ClientID:   clientID,
		IPAddress:  ipAddress,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogTokenRefreshed logs when a token is refreshed
func (a *Auditor) LogTokenRefreshed(identityID, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:       EventTokenRefreshed,
		IdentityID: identityID,
		ClientID:   clientID,
		IPAddress:  ipAddress,
	})
}

// LogTokenRevoked logs when a token is revoked
func (a *Auditor) LogTokenRevoked(identityID, clientID, ipAddress, tokenType string) {
	a.LogEvent(Event{
		Type:       EventTokenRevoked,
		IdentityID: identityID,
		ClientID:   clientID,
		IPAddress:  ipAddress,
		Details: map[string]any{
			"token_type": tokenType,
		},
	})
}

// LogAuthFailure logs an authentication failure
func (a *Auditor) LogAuthFailure(identityID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:       EventAuthFailure,
		IdentityID: identityID,
		ClientID:   clientID,
		IPAddress:  ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogAccessDenied logs a scope authorization failure for a valid token
func (a *Auditor) LogAccessDenied(identityID, clientID, ipAddress, realm string) {
	a.LogEvent(Event{
		Type:       EventAccessDenied,
		IdentityID: identityID,
		ClientID:   clientID,
		IPAddress:  ipAddress,
		Details: map[string]any{
			"realm": realm,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, identityID string) {
	a.LogEvent(Event{
		Type:       EventRateLimitExceeded,
		IdentityID: identityID,
		IPAddress:  ipAddress,
	})
}

// LogScopeEscalation logs a request for scopes outside the client's configured set
func (a *Auditor) LogScopeEscalation(clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      EventScopeEscalationAttempt,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
