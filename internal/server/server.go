// Package server sets up the HTTP server, router, and all route definitions.
//
// This package is the wiring layer: it connects the session manager, the
// flows, the handlers and the middleware, and owns the server's lifetime.
//
// DEPENDENCY INJECTION FLOW:
// main.go creates:
//
//	config → identity provider, profile client → Server
//
// Server.New creates:
//
//	sqlite.DB → session.Manager → flow registries → handlers → routes
package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/phone-profile/internal/auth"
	"github.com/sakif/phone-profile/internal/handler"
	"github.com/sakif/phone-profile/internal/identity"
	"github.com/sakif/phone-profile/internal/middleware"
	sqliteRepo "github.com/sakif/phone-profile/internal/repository/sqlite"
	"github.com/sakif/phone-profile/internal/service"
	"github.com/sakif/phone-profile/internal/session"
	"github.com/sakif/phone-profile/web"
)

// Config holds server configuration.
type Config struct {
	Port   int
	DBPath string

	// SessionSecret signs the session cookie and seals refresh tokens.
	SessionSecret string
	Session       session.Config
	Login         service.LoginConfig
	LoginLimit    middleware.RateLimitConfig
}

// Deps are the external collaborators the server talks to.
type Deps struct {
	Provider identity.Provider
	Profiles service.ProfileAPI
}

// Server represents the HTTP server and all its dependencies.
//
// RESOURCE MANAGEMENT:
// The Server owns the database connection and the session janitor. Both are
// released by Start on shutdown, or by Close when Start is never called.
type Server struct {
	router  *chi.Mux
	config  Config
	logger  *slog.Logger
	db      *sqliteRepo.DB
	manager *session.Manager
}

// New creates a Server and wires every route.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if deps.Provider == nil || deps.Profiles == nil {
		return nil, errors.New("server: identity provider and profile API are required")
	}

	tokens, err := auth.NewTokenService(cfg.SessionSecret, cfg.Session.TTL)
	if err != nil {
		return nil, fmt.Errorf("creating token service: %w", err)
	}
	sealer, err := auth.NewSealer(cfg.SessionSecret)
	if err != nil {
		return nil, fmt.Errorf("creating sealer: %w", err)
	}

	db, err := sqliteRepo.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Server{
		router:  chi.NewRouter(),
		config:  cfg,
		logger:  logger,
		db:      db,
		manager: session.NewManager(deps.Provider, db, tokens, sealer, cfg.Session, logger),
	}

	if err := s.setupRoutes(deps); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}

	return s, nil
}

// Handler returns the root handler. Tests drive it with httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
// GET  /               → 303 to /profile or /login
// GET  /login          → phone or code step (signed-in users go to /profile)
// POST /login/phone    → send code          (rate limited)
// POST /login/code     → verify code        (rate limited)
// POST /login/reset    → back to the phone step
// GET  /profile        → profile form (anonymous users go to /login)
// POST /profile        → save name and email
// POST /logout         → end the session
// GET  /healthz        → 200 ok
// GET  /static/*       → embedded assets
//
// MIDDLEWARE ORDER MATTERS:
// RequestID and RealIP run first so the logger and the rate limiter see the
// request id and the client address. Recoverer sits inside the logger so a
// panic is logged as a 500.
func (s *Server) setupRoutes(deps Deps) error {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)

	static, err := fs.Sub(web.FS, "static")
	if err != nil {
		return fmt.Errorf("opening static assets: %w", err)
	}
	s.router.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(static))))

	renderer, err := handler.NewRenderer(web.FS, s.logger)
	if err != nil {
		return err
	}

	logins := service.NewRegistry(func(sess *session.Session) *service.LoginFlow {
		return service.NewLoginFlow(deps.Provider, s.manager, sess, s.config.Login, s.logger.With(slog.String("flow", "login")))
	})
	profiles := service.NewRegistry(func(sess *session.Session) *service.ProfileFlow {
		return service.NewProfileFlow(deps.Profiles, sess, s.logger.With(slog.String("flow", "profile")))
	})

	authHandler := handler.NewAuthHandler(s.manager, s.db, s.logger)
	loginHandler := handler.NewLoginHandler(logins, s.manager, renderer, s.logger)
	profileHandler := handler.NewProfileHandler(profiles, renderer, s.logger)

	limit := middleware.RateLimit(s.config.LoginLimit, middleware.ClientIP, s.logger)

	s.router.Get("/healthz", authHandler.HandleHealthz)

	s.router.Group(func(r chi.Router) {
		r.Use(session.Middleware(s.manager, s.logger))

		r.Get("/", authHandler.HandleRoot)
		r.Post("/logout", authHandler.HandleLogout)

		r.Group(func(r chi.Router) {
			r.Use(session.RedirectIfAuthenticated(handler.PathProfile))
			r.Get("/login", loginHandler.HandleShow)
			r.With(limit).Post("/login/phone", loginHandler.HandlePhone)
			r.With(limit).Post("/login/code", loginHandler.HandleCode)
			r.Post("/login/reset", loginHandler.HandleReset)
		})

		r.Group(func(r chi.Router) {
			r.Use(session.RequireIdentity(handler.PathLogin))
			r.Get("/profile", profileHandler.HandleShow)
			r.Post("/profile", profileHandler.HandleSave)
		})
	})

	return nil
}

// Close releases the database. Use it when Start is never called.
func (s *Server) Close() error {
	return s.db.Close()
}

// Start starts the HTTP server and the session janitor, and blocks until
// SIGINT or SIGTERM.
//
// GRACEFUL SHUTDOWN:
//  1. Stop accepting new HTTP connections
//  2. Wait for in-flight requests to finish (30s timeout)
//  3. Stop the janitor and close the database
func (s *Server) Start() error {
	defer s.db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.manager.Run(ctx)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second, // covers a slow provider or profile API round trip
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", s.config.Port)),
			slog.String("database", s.config.DBPath),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelShutdown()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
