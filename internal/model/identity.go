// Package model defines the data structures shared by the flows, the
// session layer and the HTML views.
package model

import "time"

// Identity is the authenticated user as reported by the identity provider.
//
// The application only reads it. Optional attributes are empty strings when
// the provider has no value for them (a phone-only account has no email or
// display name until the user sets them elsewhere).
type Identity struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"` // verified, E.164
}

// HasPhoneNumber reports whether the provider verified a phone number for
// this identity.
func (i *Identity) HasPhoneNumber() bool {
	return i != nil && i.PhoneNumber != ""
}

// SessionRecord is the persisted form of an authenticated session.
//
// Anonymous sessions never reach storage. The refresh token is stored
// sealed; only the auth package can open it.
type SessionRecord struct {
	ID                 string    `db:"id"`
	UID                string    `db:"uid"`
	PhoneNumber        string    `db:"phone_number"`
	DisplayName        string    `db:"display_name"`
	Email              string    `db:"email"`
	SealedRefreshToken string    `db:"refresh_token"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
	ExpiresAt          time.Time `db:"expires_at"`
}

// Identity returns the identity attributes captured in the record.
func (r *SessionRecord) Identity() *Identity {
	return &Identity{
		UID:         r.UID,
		DisplayName: r.DisplayName,
		Email:       r.Email,
		PhoneNumber: r.PhoneNumber,
	}
}
