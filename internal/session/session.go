// Package session keeps the per-browser state: who is signed in, the token
// source for that identity, and the notifications waiting to be shown.
//
// A Session is created explicitly by the Manager and handed to handlers
// through the request context. There is no package-level "current user".
package session

import (
	"context"
	"sync"
	"time"

	"github.com/sakif/phone-profile/internal/apperror"
	"github.com/sakif/phone-profile/internal/identity"
	"github.com/sakif/phone-profile/internal/model"
)

// Listener is called after the session identity changes, with the new
// identity (nil when signed out). It is also called with nil once when the
// session is evicted.
type Listener func(ident *model.Identity)

// Session is one browser's view of the application.
type Session struct {
	mu       sync.RWMutex
	id       string
	identity *model.Identity
	tokens   identity.TokenSource
	notes    []model.Notification
	lastSeen time.Time

	loading   bool
	ready     chan struct{}
	abandoned bool
	loadErr   error

	listeners    map[uint64]Listener
	nextListener uint64
	closed       bool
}

func newSession(id string, now time.Time) *Session {
	ready := make(chan struct{})
	close(ready)
	return &Session{id: id, lastSeen: now, ready: ready, listeners: map[uint64]Listener{}}
}

// newLoadingSession returns a session whose identity is still being
// restored. finishLoading must be called exactly once.
func newLoadingSession(id string, now time.Time) *Session {
	return &Session{id: id, lastSeen: now, loading: true, ready: make(chan struct{}), listeners: map[uint64]Listener{}}
}

// ID is the session id carried by the cookie.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Identity returns a copy of the signed-in identity, or nil.
func (s *Session) Identity() *model.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return nil
	}
	ident := *s.identity
	return &ident
}

// Authenticated reports whether an identity is present.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity != nil
}

// Loading reports whether the identity is still being restored from the
// session store.
func (s *Session) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// Wait blocks until the session has finished loading or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	default:
	}
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers fn for identity changes. The returned function
// removes the registration; calling it more than once is harmless.
// ok is false when the session has already ended: fn is not registered
// and will never be called.
func (s *Session) Subscribe(fn Listener) (unsubscribe func(), ok bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}, false
	}
	key := s.nextListener
	s.nextListener++
	s.listeners[key] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, key)
			s.mu.Unlock()
		})
	}, true
}

// Closed reports whether the session has ended.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Token returns a fresh ID token for the signed-in identity. The caller
// must not keep it beyond the call it was requested for.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	ts, uid := s.tokens, ""
	if s.identity != nil {
		uid = s.identity.UID
	}
	s.mu.RUnlock()

	if ts == nil || uid == "" {
		return "", apperror.Unauthenticated("sign in to continue")
	}

	tok, err := ts.Token(ctx)
	if err != nil {
		return "", err
	}

	// Newer token claims refresh the cached attributes, without notifying
	// listeners: the user is the same.
	if tok.Identity != nil && tok.Identity.UID == uid {
		s.mu.Lock()
		if s.identity != nil && s.identity.UID == uid {
			ident := *tok.Identity
			if ident.PhoneNumber == "" {
				ident.PhoneNumber = s.identity.PhoneNumber
			}
			s.identity = &ident
		}
		s.mu.Unlock()
	}
	return tok.IDToken, nil
}

// Notify queues a notification for the next rendered page.
func (s *Session) Notify(n model.Notification) {
	s.mu.Lock()
	s.notes = append(s.notes, n)
	s.mu.Unlock()
}

// Notifications returns and clears the queued notifications.
func (s *Session) Notifications() []model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	notes := s.notes
	s.notes = nil
	return notes
}

// setIdentity replaces the identity and notifies listeners outside the lock.
func (s *Session) setIdentity(ident *model.Identity, ts identity.TokenSource) {
	s.mu.Lock()
	s.identity = ident
	s.tokens = ts
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	var out *model.Identity
	if ident != nil {
		cp := *ident
		out = &cp
	}
	for _, fn := range listeners {
		fn(out)
	}
}

func (s *Session) finishLoading(ident *model.Identity, ts identity.TokenSource) {
	s.mu.Lock()
	s.identity = ident
	s.tokens = ts
	s.loading = false
	s.mu.Unlock()
	close(s.ready)
}

// abandon ends a loading session that could not be restored. Requests
// waiting on it get err back; a nil err means the stored session is gone
// and the request continues with a new one.
func (s *Session) abandon(err error) {
	s.mu.Lock()
	s.loading = false
	s.closed = true
	s.abandoned = true
	s.loadErr = err
	s.mu.Unlock()
	close(s.ready)
}

// restoreFailed reports whether the session was abandoned, and why.
func (s *Session) restoreFailed() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.abandoned, s.loadErr
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Sub(s.lastSeen)
}

// close drops every listener after telling each one the session is gone.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listeners := s.snapshotListeners()
	s.listeners = map[uint64]Listener{}
	s.identity = nil
	s.tokens = nil
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(nil)
	}
}

func (s *Session) snapshotListeners() []Listener {
	out := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		out = append(out, fn)
	}
	return out
}
