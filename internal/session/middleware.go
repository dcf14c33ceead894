package session

import (
	"context"
	"log/slog"
	"net/http"
)

// contextKey is unexported so only this package can read or write the
// session stored in a request context.
type contextKey string

const sessionKey contextKey = "session"

// Middleware resolves the session for every request and stores it in the
// request context. Routes below it can rely on FromContext succeeding.
func Middleware(m *Manager, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s, err := m.Resolve(w, r)
			if err != nil {
				if r.Context().Err() != nil {
					return
				}
				logger.Error("resolving session", slog.Any("error", err))
				http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), s)))
		})
	}
}

// NewContext returns a copy of ctx carrying s.
func NewContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// FromContext returns the session stored by Middleware.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey).(*Session)
	return s, ok && s != nil
}

// RequireIdentity redirects anonymous requests to loginPath.
func RequireIdentity(loginPath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s, ok := FromContext(r.Context())
			if !ok || !s.Authenticated() {
				http.Redirect(w, r, loginPath, http.StatusSeeOther)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RedirectIfAuthenticated sends signed-in users to homePath.
func RedirectIfAuthenticated(homePath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s, ok := FromContext(r.Context()); ok && s.Authenticated() {
				http.Redirect(w, r, homePath, http.StatusSeeOther)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
