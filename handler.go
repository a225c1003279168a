package authgate

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/authgate/authgate/instrumentation"
	"github.com/authgate/authgate/security"
	"github.com/authgate/authgate/server"
)

// Handler exposes the authorization server over HTTP: the token, authorize,
// callback, and revocation endpoints, plus the filter middleware that guards
// protected resources.
type Handler struct {
	server  *server.Server
	config  *Config
	logger  *slog.Logger
	limiter *security.RateLimiter
	auditor *security.Auditor
	metrics *instrumentation.Metrics
	tracer  trace.Tracer
}

// NewHandler creates the HTTP layer over an authorization server.
func NewHandler(srv *server.Server, config *Config, logger *slog.Logger) (*Handler, error) {
	if srv == nil {
		return nil, errors.New("server is required")
	}
	if config == nil {
		config = &Config{}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: srv,
		config: config,
		logger: logger,
	}

	if config.RateLimitPerSecond > 0 {
		h.limiter = security.NewRateLimiter(int(config.RateLimitPerSecond), config.RateLimitBurst, logger)
	}

	h.auditor = security.NewAuditor(logger, config.AuditEnabled)
	srv.SetAuditor(h.auditor)

	return h, nil
}

// SetInstrumentation wires metrics and tracing into the handler and the
// server underneath it.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	h.tracer = inst.Tracer("http")
	h.metrics = inst.Metrics()
	h.server.SetMetrics(inst.Metrics())
}

// Close releases handler-owned resources.
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// Routes returns a mux with the authorization endpoints registered behind
// the CORS and rate-limit middleware. Protected resources are registered
// separately through RegisterProtected.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/token", h.public(http.HandlerFunc(h.ServeToken)))
	mux.Handle("/authorize", h.public(http.HandlerFunc(h.ServeAuthorize)))
	mux.Handle("/authorize/callback", h.public(http.HandlerFunc(h.ServeCallback)))
	mux.Handle("/revoke", h.public(http.HandlerFunc(h.ServeRevoke)))
	return mux
}

// public is the middleware chain for the authorization endpoints.
func (h *Handler) public(next http.Handler) http.Handler {
	return h.withCORS(h.withRateLimit(next))
}

// ServeToken handles POST /token. Client authentication and the grant state
// machines produce protocol errors, which always surface here as JSON; no
// redirect target exists at the token endpoint.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.writeProtocolError(w, server.ErrInvalidRequest("method not allowed"))
		h.recordHTTPMetrics(r, "token", http.StatusBadRequest, startTime)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeProtocolError(w, server.ErrInvalidRequest("malformed request body"))
		h.recordHTTPMetrics(r, "token", http.StatusBadRequest, startTime)
		return
	}

	creds := server.ResolveCredentials(r)
	client, err := h.server.AuthorizeClient(ctx, creds)
	if err != nil {
		instrumentation.RecordError(span, err)
		status := h.writeOAuthError(w, r, err)
		h.recordHTTPMetrics(r, "token", status, startTime)
		return
	}

	req := &server.TokenRequest{
		GrantType:    r.Form.Get("grant_type"),
		Scope:        r.Form.Get("scope"),
		Code:         r.Form.Get("code"),
		RedirectURI:  r.Form.Get("redirect_uri"),
		CodeVerifier: r.Form.Get("code_verifier"),
		RefreshToken: r.Form.Get("refresh_token"),
		Username:     r.Form.Get("username"),
		Password:     r.Form.Get("password"),
		ClientIP:     h.clientIP(r),
	}

	instrumentation.AddGrantAttributes(span, req.GrantType, client.ID)

	grant, err := h.server.Grant(ctx, client, creds, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		status := h.writeOAuthError(w, r, err)
		h.recordHTTPMetrics(r, "token", status, startTime)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, grant)
	h.recordHTTPMetrics(r, "token", http.StatusOK, startTime)
}

// ServeAuthorize handles GET /authorize: it validates the request and
// redirects the user agent to the delegated identity provider. Failures
// before the redirect target is verified answer 400 JSON; afterwards they
// redirect back to the client with the error encoded per client type.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.authorize")
		defer span.End()
	}

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		h.writeProtocolError(w, server.ErrInvalidRequest("method not allowed"))
		h.recordHTTPMetrics(r, "authorize", http.StatusBadRequest, startTime)
		return
	}

	q := r.URL.Query()
	req := &server.AuthorizeRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		Authenticator:       q.Get("authenticator"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		ClientIP:            h.clientIP(r),
	}

	location, err := h.server.StartAuthorizationFlow(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		status := h.writeOAuthError(w, r, err)
		h.recordHTTPMetrics(r, "authorize", status, startTime)
		return
	}

	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, location, http.StatusFound)
	h.recordHTTPMetrics(r, "authorize", http.StatusFound, startTime)
}

// ServeCallback handles GET /authorize/callback from a delegated identity
// provider. An unverifiable state answers 400 JSON; once the state resolves
// to a client, success and failure alike redirect back to it.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.callback")
		defer span.End()
	}

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		h.writeProtocolError(w, server.ErrInvalidRequest("method not allowed"))
		h.recordHTTPMetrics(r, "callback", http.StatusBadRequest, startTime)
		return
	}

	q := r.URL.Query()
	result, err := h.server.HandleProviderCallback(ctx, q.Get("state"), q.Get("code"), q.Get("error"), h.clientIP(r))
	if err != nil {
		instrumentation.RecordError(span, err)
		status := h.writeOAuthError(w, r, err)
		h.recordHTTPMetrics(r, "callback", status, startTime)
		return
	}

	if result.SessionID != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookieName,
			Value:    result.SessionID,
			Path:     "/",
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteLaxMode,
		})
	}

	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, result.Location(), http.StatusFound)
	h.recordHTTPMetrics(r, "callback", http.StatusFound, startTime)
}

// sessionCookieName carries the server-side session created during the
// delegated flow.
const sessionCookieName = "authgate_session"

// ServeRevoke handles POST /revoke per RFC 7009: the client authenticates
// and names a token; unknown or foreign tokens still answer 200 so the
// endpoint cannot be used as an oracle.
func (h *Handler) ServeRevoke(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.writeProtocolError(w, server.ErrInvalidRequest("method not allowed"))
		h.recordHTTPMetrics(r, "revoke", http.StatusBadRequest, startTime)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeProtocolError(w, server.ErrInvalidRequest("malformed request body"))
		h.recordHTTPMetrics(r, "revoke", http.StatusBadRequest, startTime)
		return
	}

	creds := server.ResolveCredentials(r)
	client, err := h.server.AuthorizeClient(ctx, creds)
	if err != nil {
		status := h.writeOAuthError(w, r, err)
		h.recordHTTPMetrics(r, "revoke", status, startTime)
		return
	}

	token := r.Form.Get("token")
	if token == "" {
		h.writeProtocolError(w, server.ErrInvalidRequest("token is required"))
		h.recordHTTPMetrics(r, "revoke", http.StatusBadRequest, startTime)
		return
	}

	if err := h.server.Revoke(ctx, client, token, h.clientIP(r)); err != nil {
		status := h.writeOAuthError(w, r, err)
		h.recordHTTPMetrics(r, "revoke", status, startTime)
		return
	}

	w.WriteHeader(http.StatusOK)
	h.recordHTTPMetrics(r, "revoke", http.StatusOK, startTime)
}

// withCORS validates the Origin header against the referrer allow-list and
// answers preflight requests. Requests without an Origin header pass
// through untouched.
func (h *Handler) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The response varies on Origin whether or not this one is
		// allow-listed; a shared cache must not replay either outcome
		// to a different origin.
		w.Header().Add("Vary", "Origin")
		origin := r.Header.Get("Origin")
		if origin != "" && h.server.Origins().IsValidOrigin(r.Context(), origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			if len(h.config.ExposeHeaders) > 0 {
				w.Header().Set("Access-Control-Expose-Headers", strings.Join(h.config.ExposeHeaders, ", "))
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRateLimit throttles requests per client IP.
func (h *Handler) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil {
			ip := h.clientIP(r)
			if !h.limiter.Allow(ip) {
				h.auditor.LogRateLimitExceeded(ip, "")
				if h.metrics != nil {
					h.metrics.RecordRateLimitExceeded(r.Context(), "ip")
				}
				w.Header().Set("Retry-After", "1")
				h.writeError(w, "rate_limited", "too many requests", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP resolves the caller's IP, honoring forwarding headers only when
// the deployment trusts its proxy chain.
func (h *Handler) clientIP(r *http.Request) string {
	return security.ClientIP(r, h.config.TrustProxy, h.config.TrustedProxyCount)
}

// writeOAuthError maps a server error onto the wire: redirect errors become
// 302s carrying the encoded error, protocol errors become JSON bodies, and
// anything else degrades to server_error. Returns the HTTP status sent.
func (h *Handler) writeOAuthError(w http.ResponseWriter, r *http.Request, err error) int {
	var rerr *server.RedirectError
	if errors.As(err, &rerr) {
		http.Redirect(w, r, rerr.Location(), http.StatusFound)
		return http.StatusFound
	}

	var oerr *server.Error
	if !errors.As(err, &oerr) {
		h.logger.Error("unexpected handler error", "error", err)
		oerr = server.ErrServerError("")
	}
	h.writeProtocolError(w, oerr)
	return oerr.Status
}

// writeProtocolError writes an RFC 6749 error as a JSON body. A 401 carries
// the Basic challenge the token endpoint authenticates clients with.
func (h *Handler) writeProtocolError(w http.ResponseWriter, oerr *server.Error) {
	if oerr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
	}
	h.writeError(w, oerr.Code, oerr.Description, oerr.Status)
}

// writeError writes an error response in the RFC 6749 JSON shape.
func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	}); err != nil {
		h.logger.Error("failed to encode error response", "error", err)
	}
}

// writeTokenResponse writes a successful token grant. Token responses are
// never cacheable.
func (h *Handler) writeTokenResponse(w http.ResponseWriter, grant *server.TokenGrant) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	if err := json.NewEncoder(w).Encode(TokenResponse{
		AccessToken:  grant.AccessToken,
		TokenType:    grant.TokenType,
		ExpiresIn:    grant.ExpiresIn,
		RefreshToken: grant.RefreshToken,
		Scope:        grant.Scope,
	}); err != nil {
		h.logger.Error("failed to encode token response", "error", err)
	}
}

// recordHTTPMetrics records request latency and status for an endpoint.
func (h *Handler) recordHTTPMetrics(r *http.Request, endpoint string, status int, startTime time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.RecordHTTPRequest(r.Context(), r.Method, endpoint, status, float64(time.Since(startTime).Milliseconds()))
}
