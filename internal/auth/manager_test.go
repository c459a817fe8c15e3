package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/jackkroninger/agent-api/internal/config"
	"github.com/jackkroninger/agent-api/internal/db"
	"github.com/jackkroninger/agent-api/internal/models"
)

// fakeStore is an in-memory credential store with upsert counting.
type fakeStore struct {
	records map[string]models.CredentialRecord
	upserts int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]models.CredentialRecord)}
}

func storeKey(userID, provider string) string { return userID + "/" + provider }

func (s *fakeStore) GetCredential(_ context.Context, userID, provider string) (models.CredentialRecord, error) {
	rec, ok := s.records[storeKey(userID, provider)]
	if !ok {
		return models.CredentialRecord{}, db.ErrNotFound
	}
	return rec, nil
}

func (s *fakeStore) UpsertCredential(_ context.Context, rec models.CredentialRecord) error {
	s.upserts++
	s.records[storeKey(rec.UserID, rec.Provider)] = rec
	return nil
}

func (s *fakeStore) GetCredentialByConsentState(_ context.Context, state string) (models.CredentialRecord, error) {
	for _, rec := range s.records {
		if rec.ConsentState == state && rec.State == models.CredentialPendingConsent {
			return rec, nil
		}
	}
	return models.CredentialRecord{}, db.ErrNotFound
}

// fakeExchanger simulates the provider's OAuth endpoints.
type fakeExchanger struct {
	exchangeToken *oauth2.Token
	refreshToken  *oauth2.Token
	refreshErr    error
	refreshCalls  int
}

func (e *fakeExchanger) AuthCodeURL(state string) string {
	return "https://provider.example/consent?state=" + state
}

func (e *fakeExchanger) Exchange(_ context.Context, code string) (*oauth2.Token, error) {
	if code == "" {
		return nil, errors.New("empty code")
	}
	return e.exchangeToken, nil
}

func (e *fakeExchanger) Refresh(_ context.Context, refreshToken string) (*oauth2.Token, error) {
	e.refreshCalls++
	if e.refreshErr != nil {
		return nil, e.refreshErr
	}
	return e.refreshToken, nil
}

func (e *fakeExchanger) Client(_ context.Context, _ *oauth2.Token) *http.Client {
	return http.DefaultClient
}

func newTestManager(t *testing.T, store Store, ex Exchanger) *Manager {
	t.Helper()
	m := NewManager(store, nil)
	m.RegisterProvider("calendar", ex)
	return m
}

func TestAcquireAbsentIssuesConsent(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store, &fakeExchanger{})

	tok, err := m.Acquire(context.Background(), "u1", "calendar")
	require.Nil(t, tok)

	var authErr *AuthorizationRequiredError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "calendar", authErr.Provider)
	assert.NotEmpty(t, authErr.ConsentURL)

	rec, getErr := store.GetCredential(context.Background(), "u1", "calendar")
	require.NoError(t, getErr)
	assert.Equal(t, models.CredentialPendingConsent, rec.State)
	assert.NotEmpty(t, rec.ConsentState)
	assert.Contains(t, authErr.ConsentURL, rec.ConsentState)
	assert.Len(t, store.records, 1)
}

func TestAcquirePendingReusesConsentState(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store, &fakeExchanger{})

	_, err := m.Acquire(context.Background(), "u1", "calendar")
	var first *AuthorizationRequiredError
	require.ErrorAs(t, err, &first)

	_, err = m.Acquire(context.Background(), "u1", "calendar")
	var second *AuthorizationRequiredError
	require.ErrorAs(t, err, &second)

	// Same state token, still one record: the eventual callback correlates.
	assert.Equal(t, first.ConsentURL, second.ConsentURL)
	assert.Len(t, store.records, 1)
}

func TestAcquireValidWithinWindowIsPureRead(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store, &fakeExchanger{})

	expiry := time.Now().Add(time.Hour)
	store.records[storeKey("u1", "calendar")] = models.CredentialRecord{
		UserID:    "u1",
		Provider:  "calendar",
		State:     models.CredentialValid,
		Payload:   fmt.Sprintf(`{"access_token":"at-1","expiry":%q}`, expiry.Format(time.RFC3339)),
		ExpiresAt: expiry,
		Version:   2,
	}

	tok, err := m.Acquire(context.Background(), "u1", "calendar")
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok.AccessToken)
	assert.Zero(t, store.upserts, "valid-within-window must not write")
}

func TestAcquireExpiredRefreshesTransparently(t *testing.T) {
	store := newFakeStore()
	ex := &fakeExchanger{
		refreshToken: &oauth2.Token{
			AccessToken: "at-2",
			Expiry:      time.Now().Add(time.Hour),
		},
	}
	m := newTestManager(t, store, ex)

	store.records[storeKey("u1", "calendar")] = models.CredentialRecord{
		UserID:       "u1",
		Provider:     "calendar",
		State:        models.CredentialValid,
		Payload:      `{"access_token":"at-1"}`,
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(-time.Minute),
		Version:      2,
	}

	tok, err := m.Acquire(context.Background(), "u1", "calendar")
	require.NoError(t, err)
	assert.Equal(t, "at-2", tok.AccessToken)
	assert.Equal(t, 1, ex.refreshCalls)

	rec := store.records[storeKey("u1", "calendar")]
	assert.Equal(t, models.CredentialValid, rec.State)
	assert.True(t, rec.ExpiresAt.After(time.Now()))
	// Provider did not rotate the refresh token; the old one is kept.
	assert.Equal(t, "rt-1", rec.RefreshToken)
	assert.Greater(t, rec.Version, 2)
}

func TestAcquireRefreshFailureDowngradesToConsent(t *testing.T) {
	store := newFakeStore()
	ex := &fakeExchanger{refreshErr: errors.New("refresh token revoked")}
	m := newTestManager(t, store, ex)

	store.records[storeKey("u1", "calendar")] = models.CredentialRecord{
		UserID:       "u1",
		Provider:     "calendar",
		State:        models.CredentialExpired,
		RefreshToken: "rt-revoked",
		Version:      3,
	}

	_, err := m.Acquire(context.Background(), "u1", "calendar")
	var authErr *AuthorizationRequiredError
	require.ErrorAs(t, err, &authErr)
	assert.NotEmpty(t, authErr.ConsentURL)

	rec := store.records[storeKey("u1", "calendar")]
	assert.Equal(t, models.CredentialPendingConsent, rec.State)
}

func TestAcquireExpiredWithoutRefreshTokenRequiresConsent(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store, &fakeExchanger{})

	store.records[storeKey("u1", "calendar")] = models.CredentialRecord{
		UserID:   "u1",
		Provider: "calendar",
		State:    models.CredentialExpired,
		Version:  3,
	}

	_, err := m.Acquire(context.Background(), "u1", "calendar")
	var authErr *AuthorizationRequiredError
	require.ErrorAs(t, err, &authErr)
}

func TestAcquireStuckRefreshingRetries(t *testing.T) {
	store := newFakeStore()
	ex := &fakeExchanger{
		refreshToken: &oauth2.Token{
			AccessToken: "at-3",
			Expiry:      time.Now().Add(time.Hour),
		},
	}
	m := newTestManager(t, store, ex)

	store.records[storeKey("u1", "calendar")] = models.CredentialRecord{
		UserID:       "u1",
		Provider:     "calendar",
		State:        models.CredentialRefreshing,
		RefreshToken: "rt-1",
		UpdatedAt:    time.Now().Add(-10 * time.Minute),
		Version:      4,
	}

	tok, err := m.Acquire(context.Background(), "u1", "calendar")
	require.NoError(t, err)
	assert.Equal(t, "at-3", tok.AccessToken)
	assert.Equal(t, models.CredentialValid, store.records[storeKey("u1", "calendar")].State)
}

func TestAcquireUnknownProvider(t *testing.T) {
	m := NewManager(newFakeStore(), nil)
	_, err := m.Acquire(context.Background(), "u1", "nope")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestHandleCallbackCompletesConsent(t *testing.T) {
	store := newFakeStore()
	ex := &fakeExchanger{
		exchangeToken: &oauth2.Token{
			AccessToken:  "at-new",
			RefreshToken: "rt-new",
			Expiry:       time.Now().Add(time.Hour),
		},
	}
	m := newTestManager(t, store, ex)

	_, err := m.Acquire(context.Background(), "u1", "calendar")
	var authErr *AuthorizationRequiredError
	require.ErrorAs(t, err, &authErr)

	state := store.records[storeKey("u1", "calendar")].ConsentState
	require.NoError(t, m.HandleCallback(context.Background(), state, "auth-code"))

	rec := store.records[storeKey("u1", "calendar")]
	assert.Equal(t, models.CredentialValid, rec.State)
	assert.Equal(t, "rt-new", rec.RefreshToken)
	assert.Empty(t, rec.ConsentState)

	// The gated path now succeeds with no consent URL produced.
	tok, err := m.Acquire(context.Background(), "u1", "calendar")
	require.NoError(t, err)
	assert.Equal(t, "at-new", tok.AccessToken)
}

func TestHandleCallbackUnknownState(t *testing.T) {
	m := newTestManager(t, newFakeStore(), &fakeExchanger{})
	err := m.HandleCallback(context.Background(), "no-such-state", "code")
	assert.ErrorIs(t, err, ErrConsentMismatch)
}

func TestClientWrapsAcquiredToken(t *testing.T) {
	m := newTestManager(t, newFakeStore(), &fakeExchanger{})

	client, err := m.Client(context.Background(), "calendar", &oauth2.Token{AccessToken: "at-1"})
	require.NoError(t, err)
	assert.NotNil(t, client)

	_, err = m.Client(context.Background(), "nope", &oauth2.Token{})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestExchangerForDefaultsToGoogleEndpoints(t *testing.T) {
	ex := ExchangerFor(config.OAuthProviderConfig{
		ClientID:    "cid",
		RedirectURL: "https://api.example.com/oauth2/callback",
	})
	assert.Contains(t, ex.AuthCodeURL("state-1"), "accounts.google.com")

	ex = ExchangerFor(config.OAuthProviderConfig{
		ClientID: "cid",
		AuthURL:  "https://idp.example.com/auth",
		TokenURL: "https://idp.example.com/token",
	})
	assert.Contains(t, ex.AuthCodeURL("state-2"), "idp.example.com")
}
