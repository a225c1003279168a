// Package github implements the providers.Provider interface for GitHub.
//
// GitHub's user endpoint may omit the email when the user keeps it private,
// so the profile fetch falls back to the emails endpoint and picks the
// primary verified address.
package github

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"

	"github.com/authgate/authgate/providers"
)

var _ providers.Provider = (*Provider)(nil)

const providerName = "github"

const (
	userEndpoint   = "https://api.github.com/user"
	emailsEndpoint = "https://api.github.com/user/emails"
)

// Provider implements the providers.Provider interface for GitHub OAuth.
type Provider struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// Config holds GitHub OAuth configuration.
type Config struct {
	// ClientID is the GitHub OAuth App client ID.
	ClientID string

	// ClientSecret is the GitHub OAuth App client secret.
	ClientSecret string

	// RedirectURL is the OAuth callback URL.
	RedirectURL string

	// Scopes are optional custom scopes (defaults to ["user:email", "read:user"]).
	Scopes []string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
}

// NewProvider creates a new GitHub OAuth provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"user:email", "read:user"}
	}
	scopesCopy := make([]string, len(scopes))
	copy(scopesCopy, scopes)

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopesCopy,
			Endpoint:     oauthgithub.Endpoint,
		},
		httpClient: httpClient,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// AuthorizationURL generates the GitHub OAuth authorization URL with optional
// PKCE parameters. GitHub supports PKCE but does not require it for
// confidential clients.
func (p *Provider) AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string {
	var opts []oauth2.AuthCodeOption
	if codeChallenge != "" && codeChallengeMethod != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", codeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", codeChallengeMethod),
		)
	}
	return p.config.AuthCodeURL(state, opts...)
}

// ExchangeCode exchanges an authorization code for tokens. GitHub OAuth Apps
// do not return refresh tokens.
func (p *Provider) ExchangeCode(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	return providers.ExchangeCodeWithPKCE(ctx, p.config, p.httpClient, code, verifier)
}

// FetchProfile retrieves the user's profile from GitHub's user endpoint.
func (p *Provider) FetchProfile(ctx context.Context, accessToken string) (*providers.Profile, error) {
	var user struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := providers.GetJSONWithRetry(ctx, p.httpClient, userEndpoint, accessToken, &user); err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	if user.ID == 0 {
		return nil, fmt.Errorf("user response carried no ID")
	}

	profile := &providers.Profile{
		Subject: strconv.FormatInt(user.ID, 10),
		Email:   user.Email,
		Name:    user.Name,
		Picture: user.AvatarURL,
	}
	if profile.Name == "" {
		profile.Name = user.Login
	}

	email, verified, err := p.primaryEmail(ctx, accessToken)
	if err == nil && email != "" {
		profile.Email = email
		profile.EmailVerified = verified
	}
	return profile, nil
}

// primaryEmail fetches the user's primary email address, which the user
// endpoint omits when the email is private.
func (p *Provider) primaryEmail(ctx context.Context, accessToken string) (string, bool, error) {
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := providers.GetJSONWithRetry(ctx, p.httpClient, emailsEndpoint, accessToken, &emails); err != nil {
		return "", false, err
	}

	for _, e := range emails {
		if e.Primary {
			return e.Email, e.Verified, nil
		}
	}
	for _, e := range emails {
		if e.Verified {
			return e.Email, true, nil
		}
	}
	return "", false, nil
}
