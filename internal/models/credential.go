package models

import "time"

// CredentialState is the lifecycle state of a delegated-authorization grant.
type CredentialState string

const (
	// CredentialAbsent is the implicit state when no record exists.
	CredentialAbsent CredentialState = "absent"
	// CredentialPendingConsent means a consent URL was issued and the
	// out-of-band callback has not arrived yet.
	CredentialPendingConsent CredentialState = "pending_consent"
	CredentialValid          CredentialState = "valid"
	CredentialExpired        CredentialState = "expired"
	CredentialRefreshing     CredentialState = "refreshing"
)

// CredentialRecord holds the authorization material for one (user, provider)
// pair. Exactly one record exists per pair; writes are idempotent upserts.
// The payload is opaque to the store and owned by the credential manager.
type CredentialRecord struct {
	UserID   string          `json:"user_id"`
	Provider string          `json:"provider"`
	State    CredentialState `json:"state"`

	// Payload is the serialized token material.
	Payload      string `json:"payload,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`

	// ConsentState correlates the out-of-band authorization callback with
	// this record while State is pending_consent.
	ConsentState string `json:"consent_state,omitempty"`

	// ExpiresAt bounds the validity window of the payload.
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// Version advances monotonically on every write; last write wins when
	// concurrent refreshes race.
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WithinWindow reports whether the payload is still inside its validity
// window at the given instant.
func (r *CredentialRecord) WithinWindow(now time.Time) bool {
	return r.State == CredentialValid && !r.ExpiresAt.IsZero() && now.Before(r.ExpiresAt)
}
