package service

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sakif/phone-profile/internal/auth"
	"github.com/sakif/phone-profile/internal/identity"
	"github.com/sakif/phone-profile/internal/identity/dev"
	"github.com/sakif/phone-profile/internal/model"
	"github.com/sakif/phone-profile/internal/repository/sqlite"
	"github.com/sakif/phone-profile/internal/session"
)

const testPhone = "+14155550123"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// env is a session manager backed by the dev provider and in-memory SQLite.
type env struct {
	provider *dev.Provider
	manager  *session.Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := testLogger()
	provider, err := dev.New([]byte("dev-signing-key-0123456789"), logger)
	require.NoError(t, err)
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	secret := "service-test-secret-at-least-32-bytes"
	tokens, err := auth.NewTokenService(secret, time.Hour)
	require.NoError(t, err)
	sealer, err := auth.NewSealer(secret)
	require.NoError(t, err)

	return &env{
		provider: provider,
		manager:  session.NewManager(provider, store, tokens, sealer, session.Config{}, logger),
	}
}

func (e *env) anonymous(t *testing.T) *session.Session {
	t.Helper()
	s, err := e.manager.Resolve(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	return s
}

// signedIn returns a session signed in as phone. When name or email is set
// the provider account carries them.
func (e *env) signedIn(t *testing.T, phone, name, email string) *session.Session {
	t.Helper()
	ctx := context.Background()

	if name != "" || email != "" {
		e.providerSignIn(t, phone)
		require.NoError(t, e.provider.UpdateAccount(phone, name, email))
	}

	s := e.anonymous(t)
	require.NoError(t, e.manager.SignIn(ctx, s, e.providerSignIn(t, phone)))
	return s
}

func (e *env) providerSignIn(t *testing.T, phone string) *identity.SignIn {
	t.Helper()
	ctx := context.Background()
	id, err := e.provider.SendCode(ctx, phone, identity.ChallengeResponse{})
	require.NoError(t, err)
	code, _ := e.provider.LastCode(phone)
	in, err := e.provider.SignInWithCredential(ctx, identity.Credential(id, code))
	require.NoError(t, err)
	return in
}

// stubProvider wraps the dev provider and lets a test replace individual
// calls and count them.
type stubProvider struct {
	*dev.Provider

	challengeCalls atomic.Int32
	sendCalls      atomic.Int32
	signInCalls    atomic.Int32

	challenge func(ctx context.Context) (identity.ChallengeConfig, error)
	sendCode  func(ctx context.Context, phone string, ch identity.ChallengeResponse) (string, error)
	signIn    func(ctx context.Context, cred identity.PhoneCredential) (*identity.SignIn, error)
}

func (p *stubProvider) ChallengeConfig(ctx context.Context) (identity.ChallengeConfig, error) {
	p.challengeCalls.Add(1)
	if p.challenge != nil {
		return p.challenge(ctx)
	}
	return identity.ChallengeConfig{SiteKey: "site-key"}, nil
}

func (p *stubProvider) SendCode(ctx context.Context, phone string, ch identity.ChallengeResponse) (string, error) {
	p.sendCalls.Add(1)
	if p.sendCode != nil {
		return p.sendCode(ctx, phone, ch)
	}
	return p.Provider.SendCode(ctx, phone, ch)
}

func (p *stubProvider) SignInWithCredential(ctx context.Context, cred identity.PhoneCredential) (*identity.SignIn, error) {
	p.signInCalls.Add(1)
	if p.signIn != nil {
		return p.signIn(ctx, cred)
	}
	return p.Provider.SignInWithCredential(ctx, cred)
}

// stubProfileAPI records calls and answers with the configured functions.
type stubProfileAPI struct {
	mu       sync.Mutex
	tokens   []string
	persists []model.Profile

	fetch   func(ctx context.Context) (*model.Profile, error)
	persist func(ctx context.Context, p model.Profile) error
}

func (a *stubProfileAPI) Fetch(ctx context.Context, token string) (*model.Profile, error) {
	a.mu.Lock()
	a.tokens = append(a.tokens, token)
	a.mu.Unlock()
	if a.fetch != nil {
		return a.fetch(ctx)
	}
	return &model.Profile{}, nil
}

func (a *stubProfileAPI) Persist(ctx context.Context, token string, p model.Profile) error {
	a.mu.Lock()
	a.tokens = append(a.tokens, token)
	a.persists = append(a.persists, p)
	a.mu.Unlock()
	if a.persist != nil {
		return a.persist(ctx, p)
	}
	return nil
}

func (a *stubProfileAPI) persistCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.persists)
}
