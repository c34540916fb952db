package live

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// CredentialSource supplies the short-lived credential a provider presents
// when opening a session. Credentials are fetched fresh per connection; they
// are never cached here because the issuing side owns expiry.
type CredentialSource interface {
	// Token returns a credential valid for one session handshake. An error
	// is fatal to the connection attempt: callers must not open a socket
	// without a credential, and must not retry on their own.
	Token(ctx context.Context) (string, error)
}

// StaticCredential is a CredentialSource backed by a fixed API key. Useful
// for development kits that talk to the provider directly.
type StaticCredential string

// Token implements [CredentialSource].
func (s StaticCredential) Token(context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("live: static credential is empty")
	}
	return string(s), nil
}

// TokenEndpoint fetches session credentials from a local HTTP endpoint, the
// deployment shape where a companion service holds the real provider key and
// mints ephemeral tokens for the daemon.
//
// The endpoint must answer GET with a JSON object carrying a non-empty
// "token" field. Anything else — connection failure, non-2xx status, a
// non-JSON body, a missing or empty token — is a hard error.
type TokenEndpoint struct {
	// URL of the token endpoint, e.g. "http://127.0.0.1:8787/v1/session-token".
	URL string

	// Client is the HTTP client to use. Nil falls back to a client with a
	// 10 second timeout.
	Client *http.Client
}

var _ CredentialSource = (*TokenEndpoint)(nil)

// tokenResponse is the expected endpoint reply.
type tokenResponse struct {
	Token string `json:"token"`
}

// Token implements [CredentialSource].
func (t *TokenEndpoint) Token(ctx context.Context) (string, error) {
	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return "", fmt.Errorf("live: build token request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("live: fetch session token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("live: token endpoint returned %s", resp.Status)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("live: decode token response: %w", err)
	}
	if tr.Token == "" {
		return "", fmt.Errorf("live: token endpoint response has no token")
	}
	return tr.Token, nil
}
