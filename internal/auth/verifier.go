package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jackkroninger/agent-api/internal/config"
)

// ErrInvalidToken indicates the caller's bearer token was rejected.
var ErrInvalidToken = errors.New("invalid token")

// Verifier resolves the authenticated user id from a bearer token. Token
// issuance and user management live outside this service; every handler
// must use the identity returned here and never a placeholder.
type Verifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// StaticVerifier accepts a single preconfigured token. Development use.
type StaticVerifier struct {
	Token  string
	UserID string
}

// Verify compares in constant time and returns the configured user id.
func (v *StaticVerifier) Verify(_ context.Context, token string) (string, error) {
	if subtle.ConstantTimeCompare([]byte(token), []byte(v.Token)) != 1 {
		return "", ErrInvalidToken
	}
	return v.UserID, nil
}

// RemoteVerifier delegates verification to an external identity service
// that returns {"user_id": "..."} for a valid bearer token.
type RemoteVerifier struct {
	URL    string
	Client *http.Client
}

// NewRemoteVerifier creates a verifier against the given endpoint.
func NewRemoteVerifier(url string) *RemoteVerifier {
	return &RemoteVerifier{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Verify calls the identity service with the bearer token.
func (v *RemoteVerifier) Verify(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.URL, nil)
	if err != nil {
		return "", fmt.Errorf("verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("verify request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", ErrInvalidToken
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return "", fmt.Errorf("verify failed with status %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode verify response: %w", err)
	}
	if payload.UserID == "" {
		return "", ErrInvalidToken
	}
	return payload.UserID, nil
}

// NewVerifierFromConfig picks the static verifier when a token is
// configured, otherwise the remote verifier.
func NewVerifierFromConfig(cfg config.ServerConfig) (Verifier, error) {
	if cfg.AuthToken != "" {
		userID := cfg.AuthUserID
		if userID == "" {
			return nil, errors.New("auth_user_id required with static auth_token")
		}
		return &StaticVerifier{Token: cfg.AuthToken, UserID: userID}, nil
	}
	if cfg.AuthVerifyURL != "" {
		return NewRemoteVerifier(cfg.AuthVerifyURL), nil
	}
	return nil, errors.New("either auth_token or auth_verify_url must be configured")
}
