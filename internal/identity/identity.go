// Package identity is the boundary to the external identity provider.
//
// PHONE SIGN-IN, AS THE PROVIDER SEES IT:
//  1. ChallengeConfig tells the browser which human-verification widget to
//     render (a site key).
//  2. SendCode takes the phone number plus the solved challenge and texts a
//     one-time code to the phone. It returns a verification id.
//  3. SignInWithCredential trades (verification id, code) for an ID token
//     and a refresh token. The verification id is consumed.
//  4. TokenSource turns the refresh token into short-lived ID tokens, which
//     are what the profile API accepts as bearer tokens.
//
// Provider-specific failures are normalised into *Error so that callers
// only ever deal with three cases: invalid phone number, invalid code, and
// everything else.
package identity

import (
	"context"
	"time"

	"github.com/sakif/phone-profile/internal/model"
)

// ChallengeConfig describes the human-verification widget the provider
// expects. An empty SiteKey means the provider does not require one.
type ChallengeConfig struct {
	SiteKey string
}

// ChallengeResponse is the token the browser obtained by solving the
// challenge widget.
type ChallengeResponse struct {
	Token string
}

// PhoneCredential pairs a verification id with the code the user typed.
type PhoneCredential struct {
	VerificationID string
	Code           string
}

// Credential builds the credential SignInWithCredential expects.
func Credential(verificationID, code string) PhoneCredential {
	return PhoneCredential{VerificationID: verificationID, Code: code}
}

// SignIn is the outcome of a successful credential exchange.
type SignIn struct {
	Identity     *model.Identity
	IDToken      string
	RefreshToken string
	ExpiresAt    time.Time
	IsNewUser    bool
}

// Token is a freshly issued ID token together with the identity it
// describes.
type Token struct {
	IDToken  string
	Expiry   time.Time
	Identity *model.Identity
}

// TokenSource hands out ID tokens for one signed-in user.
type TokenSource interface {
	Token(ctx context.Context) (*Token, error)
}

// Provider is the set of identity provider operations the application
// consumes.
type Provider interface {
	ChallengeConfig(ctx context.Context) (ChallengeConfig, error)
	SendCode(ctx context.Context, phoneNumber string, challenge ChallengeResponse) (string, error)
	SignInWithCredential(ctx context.Context, cred PhoneCredential) (*SignIn, error)
	TokenSource(refreshToken string) TokenSource
	SignOut(ctx context.Context, uid string) error
}
