// Package toolkit implements identity.Provider on top of the Google Identity
// Toolkit REST API, the backend behind Firebase phone authentication.
//
// Endpoints used (all take the project's web API key as ?key=):
//
//	GET  {base}/v1/recaptchaParams                  → challenge site key
//	POST {base}/v1/accounts:sendVerificationCode    → sessionInfo (verification id)
//	POST {base}/v1/accounts:signInWithPhoneNumber   → idToken + refreshToken
//	POST {secureToken}/v1/token (refresh_token grant) → fresh idToken
//
// Error responses have the shape
//
//	{"error": {"code": 400, "message": "INVALID_CODE"}}
//
// and the message is turned into an *identity.Error.
package toolkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/sakif/phone-profile/internal/identity"
)

const (
	DefaultBaseURL        = "https://identitytoolkit.googleapis.com"
	DefaultSecureTokenURL = "https://securetoken.googleapis.com/v1/token"
	defaultTimeout        = 15 * time.Second
)

// Config holds the provider settings.
type Config struct {
	APIKey         string
	BaseURL        string // defaults to DefaultBaseURL
	SecureTokenURL string // defaults to DefaultSecureTokenURL
	HTTPClient     *http.Client
}

// Client talks to the Identity Toolkit API.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	oauth   *oauth2.Config
	logger  *slog.Logger
}

var _ identity.Provider = (*Client)(nil)

// New returns a Client. The API key is required.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("toolkit: API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.SecureTokenURL == "" {
		cfg.SecureTokenURL = DefaultSecureTokenURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}

	tokenURL, err := withKey(cfg.SecureTokenURL, cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("toolkit: secure token URL: %w", err)
	}

	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    cfg.HTTPClient,
		// The secure-token endpoint speaks the standard OAuth 2.0
		// refresh_token grant; no client credentials are involved, the API
		// key travels in the URL.
		oauth: &oauth2.Config{
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		logger: logger,
	}, nil
}

// ChallengeConfig fetches the reCAPTCHA site key configured for the project.
func (c *Client) ChallengeConfig(ctx context.Context) (identity.ChallengeConfig, error) {
	var out struct {
		RecaptchaSiteKey string `json:"recaptchaSiteKey"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/recaptchaParams", nil, &out); err != nil {
		return identity.ChallengeConfig{}, err
	}
	return identity.ChallengeConfig{SiteKey: out.RecaptchaSiteKey}, nil
}

// SendCode asks the provider to text a verification code to phoneNumber.
// It returns the provider's sessionInfo, which acts as the verification id.
func (c *Client) SendCode(ctx context.Context, phoneNumber string, challenge identity.ChallengeResponse) (string, error) {
	in := map[string]string{
		"phoneNumber":    phoneNumber,
		"recaptchaToken": challenge.Token,
	}
	var out struct {
		SessionInfo string `json:"sessionInfo"`
	}
	if err := c.call(ctx, http.MethodPost, "/v1/accounts:sendVerificationCode", in, &out); err != nil {
		return "", err
	}
	if out.SessionInfo == "" {
		return "", identity.Unknown("provider returned no verification id", nil)
	}

	c.logger.Debug("verification code sent", slog.String("phone", maskPhone(phoneNumber)))
	return out.SessionInfo, nil
}

// SignInWithCredential exchanges a verification id and code for tokens.
func (c *Client) SignInWithCredential(ctx context.Context, cred identity.PhoneCredential) (*identity.SignIn, error) {
	in := map[string]string{
		"sessionInfo": cred.VerificationID,
		"code":        cred.Code,
	}
	var out struct {
		IDToken      string `json:"idToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    string `json:"expiresIn"`
		LocalID      string `json:"localId"`
		PhoneNumber  string `json:"phoneNumber"`
		IsNewUser    bool   `json:"isNewUser"`
	}
	if err := c.call(ctx, http.MethodPost, "/v1/accounts:signInWithPhoneNumber", in, &out); err != nil {
		return nil, err
	}

	ident, exp, err := identity.ParseIDToken(out.IDToken)
	if err != nil {
		return nil, identity.Unknown("provider returned an unreadable ID token", err)
	}
	if ident.PhoneNumber == "" {
		ident.PhoneNumber = out.PhoneNumber
	}
	if exp.IsZero() {
		if secs, err := strconv.Atoi(out.ExpiresIn); err == nil {
			exp = time.Now().Add(time.Duration(secs) * time.Second)
		}
	}

	return &identity.SignIn{
		Identity:     ident,
		IDToken:      out.IDToken,
		RefreshToken: out.RefreshToken,
		ExpiresAt:    exp,
		IsNewUser:    out.IsNewUser,
	}, nil
}

// SignOut is a no-op: the provider keeps no server-side session for a web
// client, signing out only means forgetting the refresh token.
func (c *Client) SignOut(ctx context.Context, uid string) error {
	return nil
}

// call performs one JSON request against the Identity Toolkit API.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	u, err := withKey(c.baseURL+path, c.apiKey)
	if err != nil {
		return identity.Unknown("building request URL", err)
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return identity.Unknown("encoding request", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return identity.Unknown("building request", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return identity.Unknown("calling identity provider", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return identity.Unknown("reading provider response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, raw)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return identity.Unknown("decoding provider response", err)
		}
	}
	return nil
}

// errorEnvelope is the Identity Toolkit / secure-token error shape.
type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeError(status int, raw []byte) *identity.Error {
	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Error.Message != "" {
		return identity.FromCode(env.Error.Message)
	}
	return identity.Unknown(fmt.Sprintf("identity provider returned status %d", status), nil)
}

func withKey(rawURL, key string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("key", key)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// maskPhone keeps the country prefix and the last two digits.
func maskPhone(phone string) string {
	if len(phone) <= 5 {
		return "***"
	}
	return phone[:3] + strings.Repeat("*", len(phone)-5) + phone[len(phone)-2:]
}
