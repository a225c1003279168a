// Package linkedin implements the providers.Provider interface for LinkedIn,
// using the OpenID Connect userinfo endpoint.
package linkedin

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	oauthlinkedin "golang.org/x/oauth2/linkedin"

	"github.com/authgate/authgate/providers"
)

var _ providers.Provider = (*Provider)(nil)

const (
	providerName     = "linkedin"
	userinfoEndpoint = "https://api.linkedin.com/v2/userinfo"
)

// Provider implements the providers.Provider interface for LinkedIn OAuth.
type Provider struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// Config holds LinkedIn OAuth configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	HTTPClient   *http.Client // Optional custom HTTP client
}

// NewProvider creates a new LinkedIn OAuth provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     oauthlinkedin.Endpoint,
		},
		httpClient: httpClient,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// AuthorizationURL generates the LinkedIn OAuth authorization URL. LinkedIn
// does not support PKCE, so the challenge parameters are ignored.
func (p *Provider) AuthorizationURL(state, _, _ string) string {
	return p.config.AuthCodeURL(state)
}

// ExchangeCode exchanges an authorization code for tokens.
func (p *Provider) ExchangeCode(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	return providers.ExchangeCodeWithPKCE(ctx, p.config, p.httpClient, code, verifier)
}

// FetchProfile retrieves the user's profile from LinkedIn's userinfo endpoint.
func (p *Provider) FetchProfile(ctx context.Context, accessToken string) (*providers.Profile, error) {
	var userinfo struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
		GivenName     string `json:"given_name"`
		FamilyName    string `json:"family_name"`
		Picture       string `json:"picture"`
	}

	if err := providers.GetJSONWithRetry(ctx, p.httpClient, userinfoEndpoint, accessToken, &userinfo); err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	if userinfo.Sub == "" {
		return nil, fmt.Errorf("userinfo response carried no subject")
	}

	return &providers.Profile{
		Subject:       userinfo.Sub,
		Email:         userinfo.Email,
		EmailVerified: userinfo.EmailVerified,
		Name:          userinfo.Name,
		GivenName:     userinfo.GivenName,
		FamilyName:    userinfo.FamilyName,
		Picture:       userinfo.Picture,
	}, nil
}
