package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/authgate/authgate/storage"
)

// PKCE constants (RFC 7636).
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"

	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
)

// validateScopes parses a space-delimited scope parameter and checks every
// entry against the client's configured scope set. Validation is
// all-or-nothing: one unknown scope rejects the whole request. An empty
// parameter is valid and yields no scopes.
func (s *Server) validateScopes(client *storage.Client, scope string) ([]string, error) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return nil, nil
	}

	configured := make(map[string]struct{}, len(client.Scopes))
	for _, name := range client.Scopes {
		configured[name] = struct{}{}
	}

	requested := strings.Fields(scope)
	granted := make([]string, 0, len(requested))
	for _, name := range requested {
		if _, ok := configured[name]; !ok {
			if s.Auditor != nil {
				s.Auditor.LogScopeEscalation(client.ID, "", name)
			}
			return nil, ErrInvalidScope(fmt.Sprintf("scope %q is not configured for this client", name))
		}
		granted = append(granted, name)
	}
	return granted, nil
}

// validateRedirectURI resolves the effective redirect URI for a client.
// A request without one falls back to the single registered URI; anything
// presented must match a registered URI exactly. Substring or prefix
// matching would reopen redirect substitution.
func validateRedirectURI(client *storage.Client, redirectURI string) (string, error) {
	if redirectURI == "" {
		if len(client.RedirectURIs) == 1 {
			return client.RedirectURIs[0], nil
		}
		return "", ErrInvalidRequest("redirect_uri is required")
	}

	for _, registered := range client.RedirectURIs {
		if registered == redirectURI {
			return redirectURI, nil
		}
	}
	return "", ErrInvalidRequest("redirect_uri is not registered for this client")
}

// validatePKCE verifies a code verifier against the challenge recorded when
// the code was issued, per RFC 7636. An empty challenge means the flow did
// not use PKCE.
func (s *Server) validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		return nil
	}

	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters", MaxCodeVerifierLength)
	}
	for _, ch := range verifier {
		valid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !valid {
			return fmt.Errorf("code_verifier contains invalid characters")
		}
	}

	var computed string
	switch method {
	case PKCEMethodS256:
		hash := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(hash[:])
	case PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return fmt.Errorf("'plain' code_challenge_method is not allowed")
		}
		computed = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// validateChallengeMethod checks the challenge parameters presented at flow
// start, before anything is stored.
func (s *Server) validateChallengeMethod(challenge, method string) error {
	if challenge == "" {
		if s.Config.RequirePKCE {
			return fmt.Errorf("code_challenge is required")
		}
		return nil
	}
	switch method {
	case PKCEMethodS256:
		return nil
	case PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return fmt.Errorf("'plain' code_challenge_method is not allowed")
		}
		return nil
	case "":
		return fmt.Errorf("code_challenge_method is required when code_challenge is present")
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}
}
