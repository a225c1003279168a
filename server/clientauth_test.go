package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/authgate/authgate/internal/testutil"
	"github.com/authgate/authgate/storage"
)

const publicClientID = "9b7e4d2a-1f6c-4c38-8a05-3e9f61b2c7d4"

func TestAuthorizeClient(t *testing.T) {
	srv, store, _ := newTestServer(t)

	saveClient(t, store, testutil.GenerateTestClient())
	saveClient(t, store, &storage.Client{
		ID:            publicClientID,
		Type:          storage.ClientTypeImplicit,
		ApplicationID: "test-app",
		RedirectURIs:  []string{"https://example.com/cb"},
		Scopes:        []string{"read"},
		CreatedAt:     time.Now(),
	})

	tests := []struct {
		name     string
		creds    Credentials
		wantCode string // empty means success
	}{
		{
			name:  "confidential client with correct secret",
			creds: Credentials{ClientID: testutil.TestClientID, Secret: "s3cret"},
		},
		{
			name:  "public client without secret",
			creds: Credentials{ClientID: publicClientID},
		},
		{
			name:     "empty credentials",
			creds:    Credentials{},
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "unknown client",
			creds:    Credentials{ClientID: "5a1b9c3d-7e2f-4680-9d14-c8b6a0f3e572", Secret: "s3cret"},
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "public client presenting a secret",
			creds:    Credentials{ClientID: publicClientID, Secret: "anything"},
			wantCode: ErrorCodeAccessDenied,
		},
		{
			name:     "confidential client with wrong secret",
			creds:    Credentials{ClientID: testutil.TestClientID, Secret: "wrong"},
			wantCode: ErrorCodeAccessDenied,
		},
		{
			name:     "confidential client without secret",
			creds:    Credentials{ClientID: testutil.TestClientID},
			wantCode: ErrorCodeAccessDenied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := srv.AuthorizeClient(context.Background(), tt.creds)

			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("AuthorizeClient() error = %v, want success", err)
				}
				if client.ID != tt.creds.ClientID {
					t.Errorf("client ID = %q, want %q", client.ID, tt.creds.ClientID)
				}
				return
			}

			var oerr *Error
			if !errors.As(err, &oerr) {
				t.Fatalf("AuthorizeClient() error = %v, want *Error", err)
			}
			if oerr.Code != tt.wantCode {
				t.Errorf("error code = %q, want %q", oerr.Code, tt.wantCode)
			}
		})
	}
}

func TestAuthorizeClientStatusCodes(t *testing.T) {
	srv, _, _ := newTestServer(t)

	_, err := srv.AuthorizeClient(context.Background(), Credentials{})
	var oerr *Error
	if !errors.As(err, &oerr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if oerr.Status != 401 {
		t.Errorf("invalid_client status = %d, want 401", oerr.Status)
	}
}
