// Package main is the entry point for the phone-profile server.
//
// The main package stays minimal: read configuration, build the external
// collaborators (logger, identity provider, profile client), and start the
// server. All actual logic lives in the internal packages.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sakif/phone-profile/internal/config"
	"github.com/sakif/phone-profile/internal/identity"
	"github.com/sakif/phone-profile/internal/identity/dev"
	"github.com/sakif/phone-profile/internal/identity/toolkit"
	"github.com/sakif/phone-profile/internal/middleware"
	"github.com/sakif/phone-profile/internal/profile"
	"github.com/sakif/phone-profile/internal/server"
	"github.com/sakif/phone-profile/internal/service"
	"github.com/sakif/phone-profile/internal/session"
)

func main() {
	// === 1. READ CONFIGURATION ===
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// === 2. SET UP LOGGING ===
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	// === 3. DATABASE PATH ===
	// The data directory is created if it doesn't exist (like `mkdir -p`).
	if cfg.DBPath != ":memory:" {
		dbDir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dbDir, 0o755); err != nil {
			logger.Error("failed to create database directory",
				slog.String("dir", dbDir),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	// === 4. IDENTITY PROVIDER ===
	provider, err := newProvider(cfg, logger)
	if err != nil {
		logger.Error("failed to create identity provider", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// === 5. PROFILE API ===
	profiles, err := profile.New(cfg.ProfileAPIBaseURL, &http.Client{Timeout: cfg.ProfileTimeout()})
	if err != nil {
		logger.Error("failed to create profile client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// === 6. CREATE AND START THE SERVER ===
	srv, err := server.New(server.Config{
		Port:          cfg.Port,
		DBPath:        cfg.DBPath,
		SessionSecret: cfg.SessionSecret,
		Session: session.Config{
			TTL:           cfg.SessionLifetime(),
			AnonymousIdle: cfg.AnonymousIdle(),
			Secure:        cfg.CookieSecure,
		},
		Login: service.LoginConfig{
			ChallengeContainerID: cfg.ChallengeContainerID,
			ChallengeSize:        cfg.ChallengeSize,
		},
		LoginLimit: middleware.RateLimitConfig{
			RequestsPerWindow: cfg.LoginRateLimit,
			Window:            time.Minute,
			Burst:             cfg.LoginRateBurst,
		},
	}, server.Deps{Provider: provider, Profiles: profiles}, logger)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start() blocks until the server is shut down (via Ctrl+C or SIGTERM)
	if err := srv.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func newProvider(cfg *config.Config, logger *slog.Logger) (identity.Provider, error) {
	logger = logger.With(slog.String("provider", cfg.IdentityProvider))
	switch cfg.IdentityProvider {
	case config.ProviderDev:
		logger.Warn("dev identity provider enabled: verification codes are logged, not sent")
		return dev.New([]byte(cfg.SessionSecret), logger)
	default:
		return toolkit.New(toolkit.Config{
			APIKey:         cfg.IdentityAPIKey,
			BaseURL:        cfg.IdentityBaseURL,
			SecureTokenURL: cfg.SecureTokenURL,
		}, logger)
	}
}
