// Package dev is an in-process identity provider for local development and
// tests. It behaves like the real provider from the application's point of
// view: codes expire, verification ids are single-use, ID tokens are JWTs.
//
// Nothing is sent by SMS. The code is logged at INFO and can be read back
// with LastCode, the same way a dev OTP store works.
package dev

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/rs/xid"

	"github.com/sakif/phone-profile/internal/identity"
	"github.com/sakif/phone-profile/internal/model"
)

const (
	// CodeTTL is how long a verification code stays valid.
	CodeTTL = 5 * time.Minute

	idTokenTTL = time.Hour
	issuer     = "phone-profile-dev"
)

var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

type verification struct {
	phone    string
	secret   string
	issuedAt time.Time
}

type issuedCode struct {
	code     string
	issuedAt time.Time
}

// Provider is the development identity provider.
type Provider struct {
	signingKey []byte
	logger     *slog.Logger
	now        func() time.Time

	mu            sync.Mutex
	verifications map[string]*verification   // verification id -> pending code
	accounts      map[string]*model.Identity // phone -> account
	refresh       map[string]string          // refresh token -> uid
	lastCode      map[string]issuedCode      // phone -> most recent code
}

var _ identity.Provider = (*Provider)(nil)

// New returns a Provider that signs ID tokens with signingKey.
func New(signingKey []byte, logger *slog.Logger) (*Provider, error) {
	if len(signingKey) < 16 {
		return nil, errors.New("dev: signing key must be at least 16 bytes")
	}
	return &Provider{
		signingKey:    signingKey,
		logger:        logger,
		now:           time.Now,
		verifications: make(map[string]*verification),
		accounts:      make(map[string]*model.Identity),
		refresh:       make(map[string]string),
		lastCode:      make(map[string]issuedCode),
	}, nil
}

// ChallengeConfig reports no site key: the dev provider does not ask for a
// human-verification challenge.
func (p *Provider) ChallengeConfig(ctx context.Context) (identity.ChallengeConfig, error) {
	return identity.ChallengeConfig{}, nil
}

// SendCode issues a 6-digit code for phoneNumber.
//
// The code is a TOTP value over a fresh random secret with a period equal to
// CodeTTL, computed at issue time. Validating against the issue time means
// the code stays valid for exactly CodeTTL regardless of period boundaries.
func (p *Provider) SendCode(ctx context.Context, phoneNumber string, _ identity.ChallengeResponse) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", identity.Unknown("send code cancelled", err)
	}
	if !e164.MatchString(phoneNumber) {
		return "", identity.FromCode("INVALID_PHONE_NUMBER : Invalid format.")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: phoneNumber,
		Period:      uint(CodeTTL / time.Second),
		Digits:      otp.DigitsSix,
	})
	if err != nil {
		return "", identity.Unknown("generating verification secret", err)
	}

	now := p.now()
	code, err := totp.GenerateCodeCustom(key.Secret(), now, p.validateOpts())
	if err != nil {
		return "", identity.Unknown("generating verification code", err)
	}

	id := xid.New().String()

	p.mu.Lock()
	p.pruneExpired(now)
	p.verifications[id] = &verification{phone: phoneNumber, secret: key.Secret(), issuedAt: now}
	p.lastCode[phoneNumber] = issuedCode{code: code, issuedAt: now}
	p.mu.Unlock()

	p.logger.Info("dev provider: verification code issued",
		slog.String("phone", phoneNumber),
		slog.String("code", code),
	)
	return id, nil
}

// SignInWithCredential checks the code. A wrong code leaves the
// verification pending so the user can try again; a correct one consumes it.
func (p *Provider) SignInWithCredential(ctx context.Context, cred identity.PhoneCredential) (*identity.SignIn, error) {
	if err := ctx.Err(); err != nil {
		return nil, identity.Unknown("sign in cancelled", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	v, ok := p.verifications[cred.VerificationID]
	if !ok {
		return nil, identity.FromCode("INVALID_SESSION_INFO")
	}

	now := p.now()
	if now.Sub(v.issuedAt) > CodeTTL {
		delete(p.verifications, cred.VerificationID)
		return nil, identity.FromCode("SESSION_EXPIRED")
	}

	valid, err := totp.ValidateCustom(cred.Code, v.secret, v.issuedAt, p.validateOpts())
	if err != nil || !valid {
		return nil, identity.FromCode("INVALID_CODE")
	}
	delete(p.verifications, cred.VerificationID)

	account, isNew := p.accounts[v.phone], false
	if account == nil {
		account = &model.Identity{UID: xid.New().String(), PhoneNumber: v.phone}
		p.accounts[v.phone] = account
		isNew = true
	}

	idToken, exp, err := p.issueIDToken(account, now)
	if err != nil {
		return nil, identity.Unknown("issuing ID token", err)
	}
	refreshToken := xid.New().String()
	p.refresh[refreshToken] = account.UID

	ident := *account
	return &identity.SignIn{
		Identity:     &ident,
		IDToken:      idToken,
		RefreshToken: refreshToken,
		ExpiresAt:    exp,
		IsNewUser:    isNew,
	}, nil
}

// TokenSource issues a new ID token on every call.
func (p *Provider) TokenSource(refreshToken string) identity.TokenSource {
	return tokenSourceFunc(func(ctx context.Context) (*identity.Token, error) {
		if err := ctx.Err(); err != nil {
			return nil, identity.Unknown("token refresh cancelled", err)
		}

		p.mu.Lock()
		defer p.mu.Unlock()

		uid, ok := p.refresh[refreshToken]
		if !ok {
			return nil, identity.FromCode("INVALID_REFRESH_TOKEN")
		}
		account := p.accountByUID(uid)
		if account == nil {
			return nil, identity.FromCode("USER_NOT_FOUND")
		}

		idToken, exp, err := p.issueIDToken(account, p.now())
		if err != nil {
			return nil, identity.Unknown("issuing ID token", err)
		}
		ident := *account
		return &identity.Token{IDToken: idToken, Expiry: exp, Identity: &ident}, nil
	})
}

// SignOut revokes every refresh token issued to uid.
func (p *Provider) SignOut(ctx context.Context, uid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for tok, owner := range p.refresh {
		if owner == uid {
			delete(p.refresh, tok)
		}
	}
	return nil
}

// LastCode returns the most recent code issued for phone.
func (p *Provider) LastCode(phone string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.lastCode[phone]
	return c.code, ok
}

func (p *Provider) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.verifications)
}

// pruneExpired forgets verifications and codes older than CodeTTL. The
// caller holds p.mu.
func (p *Provider) pruneExpired(now time.Time) {
	for id, v := range p.verifications {
		if now.Sub(v.issuedAt) > CodeTTL {
			delete(p.verifications, id)
		}
	}
	for phone, c := range p.lastCode {
		if now.Sub(c.issuedAt) > CodeTTL {
			delete(p.lastCode, phone)
		}
	}
}

// UpdateAccount sets the display name and email the provider reports for
// the account registered to phone. It stands in for the provider's own
// account-management console.
func (p *Provider) UpdateAccount(phone, displayName, email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	account, ok := p.accounts[phone]
	if !ok {
		return fmt.Errorf("dev: no account for %s", phone)
	}
	account.DisplayName = displayName
	account.Email = email
	return nil
}

func (p *Provider) accountByUID(uid string) *model.Identity {
	for _, a := range p.accounts {
		if a.UID == uid {
			return a
		}
	}
	return nil
}

func (p *Provider) issueIDToken(account *model.Identity, now time.Time) (string, time.Time, error) {
	exp := now.Add(idTokenTTL)
	claims := identity.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   account.UID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		UserID:      account.UID,
		PhoneNumber: account.PhoneNumber,
		Email:       account.Email,
		Name:        account.DisplayName,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.signingKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (p *Provider) validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    uint(CodeTTL / time.Second),
		Skew:      0,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

type tokenSourceFunc func(ctx context.Context) (*identity.Token, error)

func (f tokenSourceFunc) Token(ctx context.Context) (*identity.Token, error) { return f(ctx) }
