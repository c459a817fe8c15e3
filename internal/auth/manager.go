// Package auth implements delegated third-party authorization: the
// credential lifecycle manager that gates capability tools behind an
// out-of-band consent flow, and the bearer verifier that resolves caller
// identity.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/jackkroninger/agent-api/internal/config"
	"github.com/jackkroninger/agent-api/internal/db"
	"github.com/jackkroninger/agent-api/internal/models"
)

// refreshStuckTimeout is how long a record may sit in the refreshing state
// before it is treated as expired and retried. Guards against a writer that
// died mid-refresh.
const refreshStuckTimeout = 2 * time.Minute

var (
	// ErrUnknownProvider indicates no exchanger is registered under the
	// requested provider name.
	ErrUnknownProvider = errors.New("unknown oauth provider")

	// ErrConsentMismatch indicates an authorization callback carried a state
	// token matching no pending record.
	ErrConsentMismatch = errors.New("no pending consent matches state")
)

// AuthorizationRequiredError is a control-flow signal, not a defect: the end
// user must visit the consent URL before the gated tool can run. It always
// terminates the turn as the user-visible final message.
type AuthorizationRequiredError struct {
	Provider   string
	ConsentURL string
}

func (e *AuthorizationRequiredError) Error() string {
	return fmt.Sprintf("authorization required for %s: please sign in by following the link: %s", e.Provider, e.ConsentURL)
}

// Exchanger abstracts one provider's OAuth endpoints.
type Exchanger interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	Client(ctx context.Context, token *oauth2.Token) *http.Client
}

// Store is the credential store contract: one record per (user, provider),
// idempotent upserts, ErrNotFound for absent records.
type Store interface {
	GetCredential(ctx context.Context, userID, provider string) (models.CredentialRecord, error)
	UpsertCredential(ctx context.Context, rec models.CredentialRecord) error
	GetCredentialByConsentState(ctx context.Context, state string) (models.CredentialRecord, error)
}

// Manager owns credential records and drives them through the
// absent → pending_consent → valid → expired → refreshing lifecycle.
//
// Concurrent acquisitions for the same (user, provider) may race on
// refresh. That is tolerated by design: duplicate refresh calls are safe
// and the last successful write wins, so no cross-process lock is taken.
type Manager struct {
	store     Store
	providers map[string]Exchanger
	logger    *slog.Logger

	now          func() time.Time
	stuckTimeout time.Duration
}

// NewManager creates a credential lifecycle manager.
func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:        store,
		providers:    make(map[string]Exchanger),
		logger:       logger,
		now:          time.Now,
		stuckTimeout: refreshStuckTimeout,
	}
}

// RegisterProvider adds a provider's exchanger. Called at startup, before
// any acquisition; the provider map is read-only afterwards.
func (m *Manager) RegisterProvider(name string, ex Exchanger) {
	m.providers[name] = ex
}

// Acquire returns a usable token for (user, provider), refreshing
// transparently when possible. When consent is missing or unrecoverable it
// returns *AuthorizationRequiredError carrying the consent URL.
func (m *Manager) Acquire(ctx context.Context, userID, provider string) (*oauth2.Token, error) {
	ex, ok := m.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	rec, err := m.store.GetCredential(ctx, userID, provider)
	if errors.Is(err, db.ErrNotFound) {
		return nil, m.issueConsent(ctx, userID, provider, ex)
	}
	if err != nil {
		return nil, fmt.Errorf("read credential: %w", err)
	}

	now := m.now()
	switch rec.State {
	case models.CredentialPendingConsent:
		// Consent already requested; re-raise with the same state token so
		// the eventual callback still correlates.
		return nil, &AuthorizationRequiredError{
			Provider:   provider,
			ConsentURL: ex.AuthCodeURL(rec.ConsentState),
		}

	case models.CredentialValid:
		if rec.WithinWindow(now) {
			return tokenFromRecord(rec)
		}
		// Window elapsed since the last write.
		rec.State = models.CredentialExpired
		return m.refresh(ctx, rec, ex)

	case models.CredentialExpired:
		return m.refresh(ctx, rec, ex)

	case models.CredentialRefreshing:
		if now.Sub(rec.UpdatedAt) > m.stuckTimeout {
			m.logger.Warn("credential stuck refreshing, retrying",
				"user_id", userID, "provider", provider, "since", rec.UpdatedAt)
		}
		// Another writer may be mid-refresh; refreshing again is safe.
		return m.refresh(ctx, rec, ex)

	default:
		return nil, m.issueConsent(ctx, userID, provider, ex)
	}
}

// refresh drives expired → refreshing → valid, downgrading to a fresh
// consent request when no refresh token exists or the exchange fails.
func (m *Manager) refresh(ctx context.Context, rec models.CredentialRecord, ex Exchanger) (*oauth2.Token, error) {
	if rec.RefreshToken == "" {
		m.logger.Info("credential expired without refresh token",
			"user_id", rec.UserID, "provider", rec.Provider)
		return nil, m.issueConsent(ctx, rec.UserID, rec.Provider, ex)
	}

	rec.State = models.CredentialRefreshing
	rec.Version++
	rec.UpdatedAt = m.now()
	if err := m.store.UpsertCredential(ctx, rec); err != nil {
		return nil, fmt.Errorf("mark refreshing: %w", err)
	}

	// A refresh that has started runs to completion even if the turn is
	// cancelled, so the record never dangles in refreshing state.
	tok, err := ex.Refresh(context.WithoutCancel(ctx), rec.RefreshToken)
	if err != nil {
		m.logger.Warn("credential refresh failed",
			"user_id", rec.UserID, "provider", rec.Provider, "error", err)
		return nil, m.issueConsent(ctx, rec.UserID, rec.Provider, ex)
	}

	if tok.RefreshToken == "" {
		tok.RefreshToken = rec.RefreshToken
	}
	if err := m.persistValid(ctx, rec.UserID, rec.Provider, rec.Version, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// issueConsent writes a pending_consent record and returns the
// AuthorizationRequired signal with a fresh consent URL.
func (m *Manager) issueConsent(ctx context.Context, userID, provider string, ex Exchanger) error {
	state := uuid.New().String()
	rec := models.CredentialRecord{
		UserID:       userID,
		Provider:     provider,
		State:        models.CredentialPendingConsent,
		ConsentState: state,
		Version:      1,
		UpdatedAt:    m.now(),
	}
	if err := m.store.UpsertCredential(ctx, rec); err != nil {
		return fmt.Errorf("persist pending consent: %w", err)
	}
	return &AuthorizationRequiredError{
		Provider:   provider,
		ConsentURL: ex.AuthCodeURL(state),
	}
}

// HandleCallback completes the out-of-band consent flow: it resolves the
// pending record by state token, exchanges the authorization code, and
// persists the credential as valid.
func (m *Manager) HandleCallback(ctx context.Context, state, code string) error {
	rec, err := m.store.GetCredentialByConsentState(ctx, state)
	if errors.Is(err, db.ErrNotFound) {
		return ErrConsentMismatch
	}
	if err != nil {
		return fmt.Errorf("resolve consent state: %w", err)
	}

	ex, ok := m.providers[rec.Provider]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, rec.Provider)
	}

	tok, err := ex.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange authorization code: %w", err)
	}

	if err := m.persistValid(ctx, rec.UserID, rec.Provider, rec.Version, tok); err != nil {
		return err
	}
	m.logger.Info("credential authorized", "user_id", rec.UserID, "provider", rec.Provider)
	return nil
}

// Client wraps an already-acquired token in the provider's refreshing HTTP
// client. It performs no store reads; pair it with Acquire.
func (m *Manager) Client(ctx context.Context, provider string, tok *oauth2.Token) (*http.Client, error) {
	ex, ok := m.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return ex.Client(ctx, tok), nil
}

func (m *Manager) persistValid(ctx context.Context, userID, provider string, prevVersion int, tok *oauth2.Token) error {
	payload, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("serialize token: %w", err)
	}
	rec := models.CredentialRecord{
		UserID:       userID,
		Provider:     provider,
		State:        models.CredentialValid,
		Payload:      string(payload),
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		Version:      prevVersion + 1,
		UpdatedAt:    m.now(),
	}
	if err := m.store.UpsertCredential(ctx, rec); err != nil {
		return fmt.Errorf("persist valid credential: %w", err)
	}
	return nil
}

func tokenFromRecord(rec models.CredentialRecord) (*oauth2.Token, error) {
	var tok oauth2.Token
	if err := json.Unmarshal([]byte(rec.Payload), &tok); err != nil {
		return nil, fmt.Errorf("deserialize token payload: %w", err)
	}
	return &tok, nil
}

// oauthExchanger implements Exchanger on an oauth2.Config.
type oauthExchanger struct {
	config oauth2.Config
}

// NewOAuthExchanger builds an exchanger from provider configuration.
func NewOAuthExchanger(cfg config.OAuthProviderConfig) Exchanger {
	return &oauthExchanger{
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
	}
}

// NewGoogleExchanger builds an exchanger with Google endpoints; only client
// credentials, redirect URL, and scopes come from configuration.
func NewGoogleExchanger(cfg config.OAuthProviderConfig) Exchanger {
	cfg.AuthURL = "https://accounts.google.com/o/oauth2/v2/auth"
	cfg.TokenURL = "https://oauth2.googleapis.com/token"
	return NewOAuthExchanger(cfg)
}

// ExchangerFor selects the exchanger for one configured provider block. A
// block that omits both endpoint URLs gets the Google endpoints, so a
// google_calendar entry needs only client credentials and a redirect URL.
func ExchangerFor(cfg config.OAuthProviderConfig) Exchanger {
	if cfg.AuthURL == "" && cfg.TokenURL == "" {
		return NewGoogleExchanger(cfg)
	}
	return NewOAuthExchanger(cfg)
}

func (e *oauthExchanger) AuthCodeURL(state string) string {
	// Offline access so the provider issues a refresh token.
	return e.config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

func (e *oauthExchanger) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	return e.config.Exchange(ctx, code)
}

func (e *oauthExchanger) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return e.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}

func (e *oauthExchanger) Client(ctx context.Context, token *oauth2.Token) *http.Client {
	return e.config.Client(ctx, token)
}
