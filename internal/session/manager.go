package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/phone-profile/internal/apperror"
	"github.com/sakif/phone-profile/internal/auth"
	"github.com/sakif/phone-profile/internal/identity"
	"github.com/sakif/phone-profile/internal/model"
	"github.com/sakif/phone-profile/internal/repository"
)

// DefaultCookieName is the name of the session cookie.
const DefaultCookieName = "session"

// Config controls session lifetimes and the cookie.
type Config struct {
	CookieName     string        // defaults to DefaultCookieName
	TTL            time.Duration // lifetime of an authenticated session
	AnonymousIdle  time.Duration // in-memory sessions idle this long are evicted
	SweepInterval  time.Duration // janitor period, defaults to one minute
	RestoreTimeout time.Duration // bound on restoring a stored session, defaults to 15s
	Secure         bool          // set the Secure attribute on the cookie
}

// Manager creates, restores, signs in and signs out sessions.
//
// Every session lives in memory while it is in use. Authenticated sessions
// are also written to the repository, so they survive a restart and an
// eviction; anonymous ones are not.
type Manager struct {
	provider identity.Provider
	store    repository.SessionRepository
	tokens   *auth.TokenService
	sealer   *auth.Sealer
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager wires a Manager. tokens signs the cookie, sealer protects the
// refresh token at rest.
func NewManager(
	provider identity.Provider,
	store repository.SessionRepository,
	tokens *auth.TokenService,
	sealer *auth.Sealer,
	cfg Config,
	logger *slog.Logger,
) *Manager {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.TTL <= 0 {
		cfg.TTL = tokens.TTL()
	}
	if cfg.AnonymousIdle <= 0 {
		cfg.AnonymousIdle = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.RestoreTimeout <= 0 {
		cfg.RestoreTimeout = 15 * time.Second
	}
	return &Manager{
		provider: provider,
		store:    store,
		tokens:   tokens,
		sealer:   sealer,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Resolve returns the session for r, creating a new anonymous one when the
// cookie is missing, invalid, or names a session that no longer exists.
// The session cookie is (re)written on w.
//
// A persisted session is restored on first use: its refresh token is
// opened and exchanged once with the provider. Concurrent requests for the
// same session wait for that to finish. An error means the session exists
// but cannot be used right now (store or provider unavailable).
func (m *Manager) Resolve(w http.ResponseWriter, r *http.Request) (*Session, error) {
	ctx := r.Context()
	now := m.now()

	if id := m.sessionIDFromCookie(r); id != "" {
		s, err := m.resume(ctx, id, now)
		if err != nil {
			return nil, err
		}
		if s != nil {
			return s, nil
		}
	}

	s := m.create(now)
	m.WriteCookie(w, s)
	return s, nil
}

// resume returns the live session for id, restoring it from the store the
// first time it is seen. It returns nil, nil when there is nothing to
// resume.
func (m *Manager) resume(ctx context.Context, id string, now time.Time) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		s = newLoadingSession(id, now)
		m.sessions[id] = s
	}
	m.mu.Unlock()

	if !ok {
		// The outcome is shared with every request for this session, so a
		// client that goes away must not cut it short.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RestoreTimeout)
		defer cancel()
		m.restore(rctx, s)
	}

	s.touch(now)
	if err := s.Wait(ctx); err != nil {
		return nil, err
	}
	if failed, err := s.restoreFailed(); failed {
		return nil, err
	}
	return s, nil
}

// Lookup returns an in-memory session by id.
func (m *Manager) Lookup(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// SignIn attaches a freshly signed-in identity to s and persists it.
//
// The session id is rotated, so the caller must write the cookie again
// (WriteCookie) before responding.
func (m *Manager) SignIn(ctx context.Context, s *Session, in *identity.SignIn) error {
	if in == nil || in.Identity == nil || in.Identity.UID == "" {
		return errors.New("session: sign-in result has no identity")
	}

	sealed, err := m.sealer.Seal(in.RefreshToken)
	if err != nil {
		return fmt.Errorf("session: sealing refresh token: %w", err)
	}

	newID := xid.New().String()
	now := m.now()
	rec := &model.SessionRecord{
		ID:                 newID,
		UID:                in.Identity.UID,
		PhoneNumber:        in.Identity.PhoneNumber,
		DisplayName:        in.Identity.DisplayName,
		Email:              in.Identity.Email,
		SealedRefreshToken: sealed,
		CreatedAt:          now,
		ExpiresAt:          now.Add(m.cfg.TTL),
	}
	if err := m.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("session: persisting: %w", err)
	}

	m.mu.Lock()
	s.mu.Lock()
	oldID := s.id
	s.id = newID
	s.mu.Unlock()
	delete(m.sessions, oldID)
	m.sessions[newID] = s
	m.mu.Unlock()

	s.setIdentity(in.Identity, m.provider.TokenSource(in.RefreshToken))

	m.logger.Info("session signed in",
		slog.String("uid", in.Identity.UID),
		slog.Bool("new_user", in.IsNewUser),
	)
	return nil
}

// SignOut clears the identity, deletes the stored session, tells the
// provider, and expires the cookie.
func (m *Manager) SignOut(ctx context.Context, w http.ResponseWriter, s *Session) error {
	ident := s.Identity()
	id := s.ID()

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	var errs []error
	if err := m.store.Delete(ctx, id); err != nil {
		errs = append(errs, err)
	}
	if ident != nil {
		if err := m.provider.SignOut(ctx, ident.UID); err != nil {
			errs = append(errs, fmt.Errorf("session: provider sign-out: %w", err))
		}
	}

	s.setIdentity(nil, nil)
	s.close()
	m.clearCookie(w)

	if ident != nil {
		m.logger.Info("session signed out", slog.String("uid", ident.UID))
	}
	return errors.Join(errs...)
}

// WriteCookie sets the signed session cookie for s.
func (m *Manager) WriteCookie(w http.ResponseWriter, s *Session) {
	token, err := m.tokens.Generate(s.ID())
	if err != nil {
		m.logger.Error("signing session cookie", slog.Any("error", err))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(m.tokens.TTL().Seconds()),
		HttpOnly: true,
		Secure:   m.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *Manager) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Run sweeps idle sessions and purges expired stored ones until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep evicts in-memory sessions idle longer than AnonymousIdle and purges
// expired records from the store. Evicted authenticated sessions can still
// be restored from the store.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.now()

	var evicted []*Session
	m.mu.Lock()
	for id, s := range m.sessions {
		if s.Loading() {
			continue
		}
		if s.idleSince(now) > m.cfg.AnonymousIdle {
			delete(m.sessions, id)
			evicted = append(evicted, s)
		}
	}
	m.mu.Unlock()

	for _, s := range evicted {
		s.close()
	}

	purged, err := m.store.PurgeExpired(ctx, now)
	if err != nil {
		m.logger.Error("purging expired sessions", slog.Any("error", err))
	}
	if len(evicted) > 0 || purged > 0 {
		m.logger.Debug("session sweep",
			slog.Int("evicted", len(evicted)),
			slog.Int64("purged", purged),
		)
	}
}

func (m *Manager) create(now time.Time) *Session {
	s := newSession(xid.New().String(), now)
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	return s
}

// restore rebuilds the identity of a persisted session. The stored record
// is deleted only when the refresh token can never work again; on any
// other failure it is kept for the next attempt.
func (m *Manager) restore(ctx context.Context, s *Session) {
	id := s.ID()

	rec, err := m.store.Get(ctx, id)
	if errors.Is(err, apperror.ErrNotFound) {
		m.forget(s, nil)
		return
	}
	if err != nil {
		m.forget(s, fmt.Errorf("session: loading %s: %w", id, err))
		return
	}

	refreshToken, err := m.sealer.Open(rec.SealedRefreshToken)
	if err == nil && refreshToken == "" {
		err = errors.New("empty refresh token")
	}
	if err != nil {
		m.logger.Warn("stored session cannot be opened", slog.String("session", id), slog.Any("error", err))
		m.drop(ctx, s)
		return
	}

	ts := m.provider.TokenSource(refreshToken)
	tok, err := ts.Token(ctx)
	switch {
	case identity.IsRefreshRejected(err):
		m.logger.Warn("stored session refused by provider", slog.String("session", id), slog.Any("error", err))
		m.drop(ctx, s)
		return
	case err != nil:
		m.logger.Warn("restoring session failed, keeping it for retry", slog.String("session", id), slog.Any("error", err))
		m.forget(s, fmt.Errorf("session: restoring %s: %w", id, err))
		return
	}

	ident := rec.Identity()
	if tok.Identity != nil && tok.Identity.UID == rec.UID {
		ident = tok.Identity
		if ident.PhoneNumber == "" {
			ident.PhoneNumber = rec.PhoneNumber
		}
	}
	s.finishLoading(ident, ts)
}

// drop deletes a stored session that can no longer be restored.
func (m *Manager) drop(ctx context.Context, s *Session) {
	if err := m.store.Delete(ctx, s.ID()); err != nil {
		m.logger.Error("deleting stale session", slog.String("session", s.ID()), slog.Any("error", err))
	}
	m.forget(s, nil)
}

// forget removes a loading session from memory and releases its waiters
// with err.
func (m *Manager) forget(s *Session, err error) {
	m.mu.Lock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()
	s.abandon(err)
}

func (m *Manager) sessionIDFromCookie(r *http.Request) string {
	c, err := r.Cookie(m.cfg.CookieName)
	if err != nil || c.Value == "" {
		return ""
	}
	id, err := m.tokens.Validate(c.Value)
	if err != nil {
		return ""
	}
	return id
}
