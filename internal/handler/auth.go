package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sakif/phone-profile/internal/session"
)

// SessionEnder signs a session out and expires its cookie.
type SessionEnder interface {
	SignOut(ctx context.Context, w http.ResponseWriter, s *session.Session) error
}

// Pinger reports whether the session store is reachable.
type Pinger interface {
	Ping() error
}

// AuthHandler owns the routes around the session itself: the root
// redirect, logout and the health check.
//
// HANDLER RESPONSIBILITIES:
//   - HandleRoot    → send the browser to /profile or /login
//   - HandleLogout  → end the session and return to /login
//   - HandleHealthz → liveness for load balancers
type AuthHandler struct {
	sessions SessionEnder
	store    Pinger
	logger   *slog.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(sessions SessionEnder, store Pinger, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{sessions: sessions, store: store, logger: logger}
}

// HandleRoot redirects on identity presence.
//
// HTTP: GET /
func (h *AuthHandler) HandleRoot(w http.ResponseWriter, r *http.Request) {
	if s, ok := session.FromContext(r.Context()); ok && s.Authenticated() {
		http.Redirect(w, r, PathProfile, http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, PathLogin, http.StatusSeeOther)
}

// HandleLogout signs the session out. Storage or provider errors are
// logged; the browser is signed out regardless.
//
// HTTP: POST /logout
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	s, ok := session.FromContext(r.Context())
	if !ok {
		http.Redirect(w, r, PathLogin, http.StatusSeeOther)
		return
	}
	if err := h.sessions.SignOut(r.Context(), w, s); err != nil {
		h.logger.Error("sign out", slog.String("error", err.Error()))
	}
	http.Redirect(w, r, PathLogin, http.StatusSeeOther)
}

// HandleHealthz answers 200 "ok" while the session store is reachable.
//
// HTTP: GET /healthz
func (h *AuthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		if err := h.store.Ping(); err != nil {
			h.logger.Error("health check failed", slog.String("error", err.Error()))
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}
