package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackkroninger/agent-api/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// credentialRow is the stored shape of a credential record. expires_at is
// optional in the schema, hence the pointer.
type credentialRow struct {
	UserID       string     `json:"user_id"`
	Provider     string     `json:"provider"`
	State        string     `json:"state"`
	Payload      string     `json:"payload"`
	RefreshToken string     `json:"refresh_token"`
	ConsentState string     `json:"consent_state"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Version      int        `json:"version"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (r credentialRow) record() models.CredentialRecord {
	rec := models.CredentialRecord{
		UserID:       r.UserID,
		Provider:     r.Provider,
		State:        models.CredentialState(r.State),
		Payload:      r.Payload,
		RefreshToken: r.RefreshToken,
		ConsentState: r.ConsentState,
		Version:      r.Version,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.ExpiresAt != nil {
		rec.ExpiresAt = *r.ExpiresAt
	}
	return rec
}

// credentialID derives the deterministic record id that makes upserts
// idempotent per (user, provider).
func credentialID(userID, provider string) string {
	return userID + "/" + provider
}

// GetCredential returns the credential record for (user, provider), or
// ErrNotFound when no record exists.
func (c *Client) GetCredential(ctx context.Context, userID, provider string) (models.CredentialRecord, error) {
	results, err := surrealdb.Query[[]credentialRow](ctx, c.db, `
		SELECT * FROM type::thing("credential", $id)
	`, map[string]any{"id": credentialID(userID, provider)})
	if err != nil {
		return models.CredentialRecord{}, fmt.Errorf("get credential: %w", err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return models.CredentialRecord{}, ErrNotFound
	}
	return (*results)[0].Result[0].record(), nil
}

// UpsertCredential writes the record for (user, provider). The write is an
// idempotent upsert keyed by a deterministic record id: repeating it with
// the same content leaves the store unchanged, and concurrent writers
// resolve to last write wins.
func (c *Client) UpsertCredential(ctx context.Context, rec models.CredentialRecord) error {
	vars := map[string]any{
		"id":            credentialID(rec.UserID, rec.Provider),
		"user_id":       rec.UserID,
		"provider":      rec.Provider,
		"state":         string(rec.State),
		"payload":       rec.Payload,
		"refresh_token": rec.RefreshToken,
		"consent_state": rec.ConsentState,
		"version":       rec.Version,
		"updated_at":    rec.UpdatedAt,
	}

	expiresClause := "expires_at: NONE,"
	if !rec.ExpiresAt.IsZero() {
		expiresClause = "expires_at: <datetime> $expires_at,"
		vars["expires_at"] = rec.ExpiresAt
	}

	sql := fmt.Sprintf(`
		UPSERT type::thing("credential", $id) CONTENT {
			user_id: $user_id,
			provider: $provider,
			state: $state,
			payload: $payload,
			refresh_token: $refresh_token,
			consent_state: $consent_state,
			%s
			version: $version,
			updated_at: <datetime> $updated_at
		}
	`, expiresClause)

	if _, err := surrealdb.Query[any](ctx, c.db, sql, vars); err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// GetCredentialByConsentState resolves the pending record matching an
// out-of-band authorization callback's state token.
func (c *Client) GetCredentialByConsentState(ctx context.Context, state string) (models.CredentialRecord, error) {
	results, err := surrealdb.Query[[]credentialRow](ctx, c.db, `
		SELECT * FROM credential WHERE consent_state = $state LIMIT 1
	`, map[string]any{"state": state})
	if err != nil {
		return models.CredentialRecord{}, fmt.Errorf("get credential by consent state: %w", err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return models.CredentialRecord{}, ErrNotFound
	}
	return (*results)[0].Result[0].record(), nil
}
