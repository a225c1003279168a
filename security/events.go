package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a new access token is issued to a client
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when an access token is refreshed using a refresh token
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked by the user or client
	EventTokenRevoked = "token_revoked"

	// EventLineageRevoked is logged when a refresh-token lineage is invalidated
	EventLineageRevoked = "token_lineage_revoked" //nolint:gosec // G101: event type name, not a credential

	// Authorization flow events

	// EventAuthorizationFlowStarted is logged when an authorization flow is initiated
	EventAuthorizationFlowStarted = "authorization_flow_started"

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when an authorization code is reused (attack)
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventStateRejected is logged when an authorization callback carries an
	// unknown, expired, or malformed state identifier
	EventStateRejected = "authenticator_state_rejected"

	// Security violation events

	// EventAuthFailure is logged when client or user authentication fails
	EventAuthFailure = "auth_failure"

	// EventAccessDenied is logged when a valid token lacks a required scope
	EventAccessDenied = "access_denied"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when PKCE code_verifier validation fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventRefreshTokenReuseDetected is logged when a refresh token outside the
	// valid lineage is presented (possible theft)
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected"

	// EventInvalidRedirect is logged when an invalid redirect URI is used
	EventInvalidRedirect = "invalid_redirect"

	// EventScopeEscalationAttempt is logged when a client requests a scope
	// outside its application's configured set
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// EventCORSOriginRejected is logged when an Origin header fails validation
	EventCORSOriginRejected = "cors_origin_rejected"

	// Delegated authenticator events

	// EventInvalidProviderCallback is logged when provider callback validation fails
	EventInvalidProviderCallback = "invalid_provider_callback"

	// EventProviderCodeExchangeFailed is logged when code exchange with the provider fails
	EventProviderCodeExchangeFailed = "provider_code_exchange_failed"

	// Operational events

	// EventCleanupFailed is logged when a background expiry sweep fails
	EventCleanupFailed = "cleanup_failed"
)
