package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sakif/phone-profile/internal/model"
)

// Claims is the payload of a provider ID token. The provider puts the
// account id in both "sub" and "user_id".
type Claims struct {
	jwt.RegisteredClaims
	UserID      string `json:"user_id,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Email       string `json:"email,omitempty"`
	Name        string `json:"name,omitempty"`
}

// Identity converts the claims to the model type.
func (c *Claims) Identity() *model.Identity {
	uid := c.UserID
	if uid == "" {
		uid = c.Subject
	}
	return &model.Identity{
		UID:         uid,
		DisplayName: c.Name,
		Email:       c.Email,
		PhoneNumber: c.PhoneNumber,
	}
}

// ParseIDToken decodes an ID token's claims without checking its signature.
//
// Only call this on tokens received directly from the provider over TLS.
// The profile API is the party that verifies signatures.
func ParseIDToken(idToken string) (*model.Identity, time.Time, error) {
	if idToken == "" {
		return nil, time.Time{}, errors.New("identity: empty ID token")
	}

	var c Claims
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, &c); err != nil {
		return nil, time.Time{}, fmt.Errorf("identity: decoding ID token: %w", err)
	}

	ident := c.Identity()
	if ident.UID == "" {
		return nil, time.Time{}, errors.New("identity: ID token has no subject")
	}

	var exp time.Time
	if c.ExpiresAt != nil {
		exp = c.ExpiresAt.Time
	}
	return ident, exp, nil
}
