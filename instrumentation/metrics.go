package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the authorization server
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Grant handling
	TokensIssued  metric.Int64Counter
	GrantFailures metric.Int64Counter
	TokensRevoked metric.Int64Counter

	// Resource access
	AuthenticationFailures metric.Int64Counter
	AuthorizationFailures  metric.Int64Counter

	// CORS cache
	CORSCacheHits         metric.Int64Counter
	CORSCacheMisses       metric.Int64Counter
	CORSCacheLoadFailures metric.Int64Counter

	// Cleanup tasks
	CleanupRunsTotal    metric.Int64Counter
	CleanupDeletedTotal metric.Int64Counter

	// Security
	RateLimitExceeded metric.Int64Counter
	AuditEventsTotal  metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram

	// Delegated authenticators
	ProviderAPICallsTotal metric.Int64Counter
	ProviderAPIDuration   metric.Float64Histogram
	ProviderAPIErrors     metric.Int64Counter
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")
	providerMeter := inst.Meter("provider")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"oauth.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.TokensIssued, err = serverMeter.Int64Counter(
		"oauth.tokens.issued",
		metric.WithDescription("Number of tokens issued, by grant type"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.issued counter: %w", err)
	}

	m.GrantFailures, err = serverMeter.Int64Counter(
		"oauth.grant.failures",
		metric.WithDescription("Number of failed grant attempts, by error code"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grant.failures counter: %w", err)
	}

	m.TokensRevoked, err = serverMeter.Int64Counter(
		"oauth.tokens.revoked",
		metric.WithDescription("Number of tokens revoked"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.revoked counter: %w", err)
	}

	m.AuthenticationFailures, err = securityMeter.Int64Counter(
		"oauth.resource.authentication_failures",
		metric.WithDescription("Bearer token authentication failures on protected resources"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource.authentication_failures counter: %w", err)
	}

	m.AuthorizationFailures, err = securityMeter.Int64Counter(
		"oauth.resource.authorization_failures",
		metric.WithDescription("Scope authorization failures on protected resources"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource.authorization_failures counter: %w", err)
	}

	m.CORSCacheHits, err = serverMeter.Int64Counter(
		"oauth.cors.cache_hits",
		metric.WithDescription("CORS origin lookups answered from cache"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cors.cache_hits counter: %w", err)
	}

	m.CORSCacheMisses, err = serverMeter.Int64Counter(
		"oauth.cors.cache_misses",
		metric.WithDescription("CORS origin lookups requiring a storage load"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cors.cache_misses counter: %w", err)
	}

	m.CORSCacheLoadFailures, err = serverMeter.Int64Counter(
		"oauth.cors.load_failures",
		metric.WithDescription("CORS origin loads that failed and resolved to deny"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cors.load_failures counter: %w", err)
	}

	m.CleanupRunsTotal, err = serverMeter.Int64Counter(
		"oauth.cleanup.runs",
		metric.WithDescription("Number of background expiry sweeps, by task and result"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cleanup.runs counter: %w", err)
	}

	m.CleanupDeletedTotal, err = serverMeter.Int64Counter(
		"oauth.cleanup.deleted",
		metric.WithDescription("Number of expired rows removed by background sweeps"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cleanup.deleted counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"oauth.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.AuditEventsTotal, err = securityMeter.Int64Counter(
		"oauth.audit.events.total",
		metric.WithDescription("Total number of audit events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events.total counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.ProviderAPICallsTotal, err = providerMeter.Int64Counter(
		"provider.api.calls.total",
		metric.WithDescription("Total number of identity provider API calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.calls.total counter: %w", err)
	}

	m.ProviderAPIDuration, err = providerMeter.Float64Histogram(
		"provider.api.duration",
		metric.WithDescription("Identity provider API call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.duration histogram: %w", err)
	}

	m.ProviderAPIErrors, err = providerMeter.Int64Counter(
		"provider.api.errors.total",
		metric.WithDescription("Total number of identity provider API errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.errors.total counter: %w", err)
	}

	return m, nil
}

// Helper methods for common metric recording patterns

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordTokenIssued records a successful token issuance
func (m *Metrics) RecordTokenIssued(ctx context.Context, grantType, clientID string) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("client_id", clientID),
	))
}

// RecordGrantFailure records a failed grant attempt
func (m *Metrics) RecordGrantFailure(ctx context.Context, grantType, errorCode string) {
	m.GrantFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("error_code", errorCode),
	))
}

// RecordTokenRevocation records a token revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID string, removed int) {
	m.TokensRevoked.Add(ctx, int64(removed), metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordAuthenticationFailure records a bearer token rejection
func (m *Metrics) RecordAuthenticationFailure(ctx context.Context, reason string) {
	m.AuthenticationFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordAuthorizationFailure records an insufficient-scope rejection
func (m *Metrics) RecordAuthorizationFailure(ctx context.Context, realm string) {
	m.AuthorizationFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("realm", realm),
	))
}

// RecordCORSLookup records a CORS cache lookup outcome
func (m *Metrics) RecordCORSLookup(ctx context.Context, hit bool) {
	if hit {
		m.CORSCacheHits.Add(ctx, 1)
	} else {
		m.CORSCacheMisses.Add(ctx, 1)
	}
}

// RecordCORSLoadFailure records a failed CORS allow-list load
func (m *Metrics) RecordCORSLoadFailure(ctx context.Context) {
	m.CORSCacheLoadFailures.Add(ctx, 1)
}

// RecordCleanupRun records a background sweep outcome
func (m *Metrics) RecordCleanupRun(ctx context.Context, task string, deleted int, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.CleanupRunsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task", task),
		attribute.String("result", result),
	))
	if deleted > 0 {
		m.CleanupDeletedTotal.Add(ctx, int64(deleted), metric.WithAttributes(
			attribute.String("task", task),
		))
	}
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordProviderAPICall records an identity provider API call
func (m *Metrics) RecordProviderAPICall(ctx context.Context, provider, operation string, statusCode int, durationMs float64, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("operation", operation),
		attribute.Int("status", statusCode),
	}

	m.ProviderAPICallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.ProviderAPIDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	))

	if err != nil {
		errorType := "unknown"
		if statusCode >= 400 && statusCode < 500 {
			errorType = "client_error"
		} else if statusCode >= 500 {
			errorType = "server_error"
		}

		m.ProviderAPIErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("operation", operation),
			attribute.String("error_type", errorType),
		))
	}
}
