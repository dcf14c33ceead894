package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/phone-profile/internal/apperror"
	"github.com/sakif/phone-profile/internal/auth"
	"github.com/sakif/phone-profile/internal/identity"
	"github.com/sakif/phone-profile/internal/identity/dev"
	"github.com/sakif/phone-profile/internal/model"
	"github.com/sakif/phone-profile/internal/repository/sqlite"
)

const testSecret = "session-test-secret-at-least-32-bytes"

type fixture struct {
	provider *dev.Provider
	store    *sqlite.DB
	tokens   *auth.TokenService
	sealer   *auth.Sealer
	logger   *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	provider, err := dev.New([]byte("dev-signing-key-0123456789"), logger)
	require.NoError(t, err)
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	tokens, err := auth.NewTokenService(testSecret, time.Hour)
	require.NoError(t, err)
	sealer, err := auth.NewSealer(testSecret)
	require.NoError(t, err)

	return &fixture{provider: provider, store: store, tokens: tokens, sealer: sealer, logger: logger}
}

func (f *fixture) manager(cfg Config) *Manager {
	return NewManager(f.provider, f.store, f.tokens, f.sealer, cfg, f.logger)
}

func (f *fixture) signIn(t *testing.T, phone string) *identity.SignIn {
	t.Helper()
	ctx := context.Background()
	id, err := f.provider.SendCode(ctx, phone, identity.ChallengeResponse{})
	require.NoError(t, err)
	code, _ := f.provider.LastCode(phone)
	in, err := f.provider.SignInWithCredential(ctx, identity.Credential(id, code))
	require.NoError(t, err)
	return in
}

func resolve(t *testing.T, m *Manager, cookies ...*http.Cookie) (*Session, *httptest.ResponseRecorder) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	s, err := m.Resolve(rec, req)
	require.NoError(t, err)
	return s, rec
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == DefaultCookieName {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func TestResolve_NewAnonymousSession(t *testing.T) {
	m := newFixture(t).manager(Config{})

	s, rec := resolve(t, m)
	assert.False(t, s.Authenticated())
	assert.False(t, s.Loading())
	assert.Nil(t, s.Identity())

	c := sessionCookie(t, rec)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)

	again, rec2 := resolve(t, m, c)
	assert.Same(t, s, again)
	assert.Empty(t, rec2.Result().Cookies())
}

func TestResolve_TamperedCookieStartsOver(t *testing.T) {
	m := newFixture(t).manager(Config{})

	s, rec := resolve(t, m)
	c := sessionCookie(t, rec)
	c.Value = c.Value[:len(c.Value)-2] + "xx"

	other, _ := resolve(t, m, c)
	assert.NotEqual(t, s.ID(), other.ID())
}

func TestSignIn_RotatesAndNotifies(t *testing.T) {
	f := newFixture(t)
	m := f.manager(Config{})
	s, _ := resolve(t, m)
	oldID := s.ID()

	var seen []*model.Identity
	unsubscribe, ok := s.Subscribe(func(ident *model.Identity) { seen = append(seen, ident) })
	require.True(t, ok)
	defer unsubscribe()

	in := f.signIn(t, "+14155550123")
	require.NoError(t, m.SignIn(context.Background(), s, in))

	assert.True(t, s.Authenticated())
	assert.NotEqual(t, oldID, s.ID())
	_, ok = m.Lookup(oldID)
	assert.False(t, ok)
	require.Len(t, seen, 1)
	assert.Equal(t, "+14155550123", seen[0].PhoneNumber)

	rec, err := f.store.Get(context.Background(), s.ID())
	require.NoError(t, err)
	assert.Equal(t, in.Identity.UID, rec.UID)
	assert.NotEqual(t, in.RefreshToken, rec.SealedRefreshToken)

	token, err := s.Token(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestSignIn_RequiresIdentity(t *testing.T) {
	m := newFixture(t).manager(Config{})
	s, _ := resolve(t, m)
	assert.Error(t, m.SignIn(context.Background(), s, &identity.SignIn{}))
}

func TestResolve_RestoresPersistedSession(t *testing.T) {
	f := newFixture(t)
	first := f.manager(Config{})
	s, _ := resolve(t, first)
	require.NoError(t, first.SignIn(context.Background(), s, f.signIn(t, "+14155550123")))

	rec := httptest.NewRecorder()
	first.WriteCookie(rec, s)
	cookie := sessionCookie(t, rec)

	// A second manager has nothing in memory, as after a restart.
	second := f.manager(Config{})
	restored, _ := resolve(t, second, cookie)
	assert.False(t, restored.Loading())
	require.True(t, restored.Authenticated())
	assert.Equal(t, s.Identity().UID, restored.Identity().UID)
	assert.Equal(t, s.ID(), restored.ID())
}

func TestResolve_RevokedSessionIsDropped(t *testing.T) {
	f := newFixture(t)
	first := f.manager(Config{})
	s, _ := resolve(t, first)
	in := f.signIn(t, "+14155550123")
	require.NoError(t, first.SignIn(context.Background(), s, in))

	rec := httptest.NewRecorder()
	first.WriteCookie(rec, s)
	cookie := sessionCookie(t, rec)

	require.NoError(t, f.provider.SignOut(context.Background(), in.Identity.UID))

	second := f.manager(Config{})
	restored, rec2 := resolve(t, second, cookie)
	assert.False(t, restored.Authenticated())
	assert.NotEqual(t, s.ID(), restored.ID())
	assert.NotEmpty(t, sessionCookie(t, rec2).Value)

	_, err := f.store.Get(context.Background(), s.ID())
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

// flakyProvider wraps the dev provider and can fail or intercept token
// refreshes.
type flakyProvider struct {
	*dev.Provider

	mu       sync.Mutex
	tokenErr error
	onToken  func()
}

func (p *flakyProvider) setTokenErr(err error) {
	p.mu.Lock()
	p.tokenErr = err
	p.mu.Unlock()
}

func (p *flakyProvider) TokenSource(refreshToken string) identity.TokenSource {
	inner := p.Provider.TokenSource(refreshToken)
	return tokenFunc(func(ctx context.Context) (*identity.Token, error) {
		p.mu.Lock()
		err, hook := p.tokenErr, p.onToken
		p.mu.Unlock()
		if hook != nil {
			hook()
		}
		if err != nil {
			return nil, err
		}
		return inner.Token(ctx)
	})
}

type tokenFunc func(ctx context.Context) (*identity.Token, error)

func (f tokenFunc) Token(ctx context.Context) (*identity.Token, error) { return f(ctx) }

// storedSession signs a session in on a throwaway manager and returns its
// id and cookie.
func (f *fixture) storedSession(t *testing.T) (string, *http.Cookie) {
	t.Helper()
	first := f.manager(Config{})
	s, _ := resolve(t, first)
	require.NoError(t, first.SignIn(context.Background(), s, f.signIn(t, "+14155550123")))

	rec := httptest.NewRecorder()
	first.WriteCookie(rec, s)
	return s.ID(), sessionCookie(t, rec)
}

func TestResolve_TransientProviderErrorKeepsSession(t *testing.T) {
	f := newFixture(t)
	id, cookie := f.storedSession(t)

	flaky := &flakyProvider{Provider: f.provider}
	flaky.setTokenErr(identity.Unknown("calling identity provider", errors.New("dial tcp: i/o timeout")))
	m := NewManager(flaky, f.store, f.tokens, f.sealer, Config{}, f.logger)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	_, err := m.Resolve(httptest.NewRecorder(), req)
	require.Error(t, err)
	assert.False(t, identity.IsRefreshRejected(err))

	_, ok := m.Lookup(id)
	assert.False(t, ok, "a failed restore must not stay in memory")
	_, err = f.store.Get(context.Background(), id)
	require.NoError(t, err, "stored session must survive a provider outage")

	// The middleware answers 503 rather than treating the user as anonymous.
	handler := Middleware(m, f.logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached during provider outage")
	}))
	rec := httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/profile", nil)
	req.AddCookie(cookie)
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	flaky.setTokenErr(nil)
	restored, _ := resolve(t, m, cookie)
	assert.True(t, restored.Authenticated())
	assert.Equal(t, id, restored.ID())
}

func TestResolve_ClientDisconnectDuringRestore(t *testing.T) {
	f := newFixture(t)
	id, cookie := f.storedSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	flaky := &flakyProvider{Provider: f.provider, onToken: cancel}
	m := NewManager(flaky, f.store, f.tokens, f.sealer, Config{}, f.logger)

	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	req.AddCookie(cookie)
	_, _ = m.Resolve(httptest.NewRecorder(), req)
	require.Error(t, ctx.Err())

	again, _ := resolve(t, m, cookie)
	assert.True(t, again.Authenticated())
	assert.Equal(t, id, again.ID())
}

func TestResolve_ConcurrentRestoreSharesOutcome(t *testing.T) {
	f := newFixture(t)
	id, cookie := f.storedSession(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	flaky := &flakyProvider{Provider: f.provider}
	flaky.onToken = func() {
		close(entered)
		<-release
	}
	m := NewManager(flaky, f.store, f.tokens, f.sealer, Config{}, f.logger)

	first := make(chan *Session, 1)
	go func() {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(cookie)
		s, _ := m.Resolve(httptest.NewRecorder(), req)
		first <- s
	}()

	<-entered
	loading, ok := m.Lookup(id)
	require.True(t, ok)
	assert.True(t, loading.Loading())

	second := make(chan *Session, 1)
	go func() {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(cookie)
		s, _ := m.Resolve(httptest.NewRecorder(), req)
		second <- s
	}()

	close(release)
	a, b := <-first, <-second
	require.NotNil(t, a)
	assert.Same(t, a, b)
	assert.True(t, a.Authenticated())
}

func TestSignOut(t *testing.T) {
	f := newFixture(t)
	m := f.manager(Config{})
	s, _ := resolve(t, m)
	require.NoError(t, m.SignIn(context.Background(), s, f.signIn(t, "+14155550123")))
	id := s.ID()

	last := &model.Identity{}
	s.Subscribe(func(ident *model.Identity) { last = ident })

	rec := httptest.NewRecorder()
	require.NoError(t, m.SignOut(context.Background(), rec, s))

	assert.Nil(t, last)
	assert.False(t, s.Authenticated())
	assert.Equal(t, -1, sessionCookie(t, rec).MaxAge)
	_, ok := m.Lookup(id)
	assert.False(t, ok)
	_, err := f.store.Get(context.Background(), id)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestSweep_EvictsIdleSessions(t *testing.T) {
	m := newFixture(t).manager(Config{AnonymousIdle: time.Minute})
	start := time.Now()
	m.now = func() time.Time { return start }

	idle, _ := resolve(t, m)
	closed := false
	idle.Subscribe(func(ident *model.Identity) { closed = ident == nil })

	m.now = func() time.Time { return start.Add(50 * time.Second) }
	fresh, _ := resolve(t, m)

	m.now = func() time.Time { return start.Add(2 * time.Minute) }
	fresh.touch(m.now())
	m.Sweep(context.Background())

	_, ok := m.Lookup(idle.ID())
	assert.False(t, ok)
	assert.True(t, closed)
	_, ok = m.Lookup(fresh.ID())
	assert.True(t, ok)
}

func TestSession_SubscribeUnsubscribe(t *testing.T) {
	s := newSession("s", time.Now())

	calls := 0
	unsubscribe, ok := s.Subscribe(func(*model.Identity) { calls++ })
	require.True(t, ok)
	s.setIdentity(&model.Identity{UID: "u"}, nil)
	unsubscribe()
	unsubscribe()
	s.setIdentity(nil, nil)

	assert.Equal(t, 1, calls)
}

func TestSession_SubscribeAfterClose(t *testing.T) {
	s := newSession("s", time.Now())
	s.close()
	assert.True(t, s.Closed())

	called := false
	unsubscribe, ok := s.Subscribe(func(*model.Identity) { called = true })
	assert.False(t, ok)
	unsubscribe()
	s.setIdentity(&model.Identity{UID: "u"}, nil)
	assert.False(t, called)
}

func TestSession_Notifications(t *testing.T) {
	s := newSession("s", time.Now())
	s.Notify(model.Success("saved"))
	s.Notify(model.Failure("failed", "why"))

	notes := s.Notifications()
	require.Len(t, notes, 2)
	assert.Equal(t, model.VariantDefault, notes[0].Variant)
	assert.Equal(t, model.VariantDestructive, notes[1].Variant)
	assert.Empty(t, s.Notifications())
}

func TestSession_TokenWithoutIdentity(t *testing.T) {
	s := newSession("s", time.Now())
	_, err := s.Token(context.Background())
	assert.ErrorIs(t, err, apperror.ErrUnauthenticated)
}

func TestSession_WaitWhileLoading(t *testing.T) {
	s := newLoadingSession("s", time.Now())
	assert.True(t, s.Loading())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)

	s.finishLoading(&model.Identity{UID: "u"}, nil)
	assert.NoError(t, s.Wait(context.Background()))
	assert.False(t, s.Loading())
	assert.True(t, s.Authenticated())
}

func TestMiddleware(t *testing.T) {
	f := newFixture(t)
	m := f.manager(Config{})

	protected := Middleware(m, f.logger)(RequireIdentity("/login")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))
	loginOnly := Middleware(m, f.logger)(RedirectIfAuthenticated("/profile")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, ok := FromContext(r.Context())
		assert.True(t, ok)
		assert.NotNil(t, s)
		w.WriteHeader(http.StatusOK)
	})))

	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/profile", nil))
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))

	rec = httptest.NewRecorder()
	loginOnly.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Sign the anonymous session in, then replay its cookie.
	s, _ := m.Lookup(mustSessionID(t, m, sessionCookie(t, rec)))
	require.NoError(t, m.SignIn(context.Background(), s, f.signIn(t, "+14155550123")))
	signed := httptest.NewRecorder()
	m.WriteCookie(signed, s)
	cookie := sessionCookie(t, signed)

	req := httptest.NewRequest(http.MethodGet, "/login", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	loginOnly.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/profile", rec.Header().Get("Location"))

	req = httptest.NewRequest(http.MethodGet, "/profile", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func mustSessionID(t *testing.T, m *Manager, c *http.Cookie) string {
	t.Helper()
	id, err := m.tokens.Validate(c.Value)
	require.NoError(t, err)
	return id
}
