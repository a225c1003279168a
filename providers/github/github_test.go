package github

import (
	"testing"
)

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name: "valid config",
			config: &Config{
				ClientID:     "test-client-id",
				ClientSecret: "test-client-secret",
				RedirectURL:  "https://example.com/callback",
			},
			wantErr: false,
		},
		{
			name:    "missing client ID",
			config:  &Config{ClientSecret: "test-client-secret"},
			wantErr: true,
		},
		{
			name:    "missing client secret",
			config:  &Config{ClientID: "test-client-id"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewProvider(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewProvider() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && provider.httpClient == nil {
				t.Error("NewProvider() httpClient is nil")
			}
		})
	}
}

func TestNewProviderDefaultScopes(t *testing.T) {
	provider, err := NewProvider(&Config{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	want := []string{"user:email", "read:user"}
	got := provider.config.Scopes
	if len(got) != len(want) {
		t.Fatalf("scopes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("scopes[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestAuthorizationURL(t *testing.T) {
	provider, err := NewProvider(&Config{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		RedirectURL:  "https://example.com/callback",
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	url := provider.AuthorizationURL("state-123", "", "")
	if url == "" {
		t.Fatal("AuthorizationURL() returned empty string")
	}

	withPKCE := provider.AuthorizationURL("state-123", "challenge-abc", "S256")
	if withPKCE == url {
		t.Error("PKCE parameters did not change the authorization URL")
	}
}

func TestName(t *testing.T) {
	provider, err := NewProvider(&Config{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if got := provider.Name(); got != "github" {
		t.Errorf("Name() = %q, want %q", got, "github")
	}
}
