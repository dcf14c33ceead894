// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Identity provider names accepted in IDENTITY_PROVIDER.
const (
	ProviderToolkit = "toolkit"
	ProviderDev     = "dev"
)

// MinSessionSecretLength matches what the auth package requires.
const MinSessionSecretLength = 32

// Config holds application configuration loaded from the environment.
type Config struct {
	// Port is the HTTP listen port.
	Port int `mapstructure:"PORT"`
	// Env is the application environment ("development", "production").
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogFormat is "text" or "json".
	LogFormat string `mapstructure:"LOG_FORMAT"`

	// ProfileAPIBaseURL is the base URL of the profile API (GET/POST {base}/profile).
	ProfileAPIBaseURL string `mapstructure:"PROFILE_API_BASE_URL"`
	// ProfileAPITimeout bounds one profile API round trip (e.g. "10s").
	ProfileAPITimeout string `mapstructure:"PROFILE_API_TIMEOUT"`

	// IdentityProvider selects the provider: "toolkit" or "dev". The dev
	// provider logs codes instead of texting them and is refused in production.
	IdentityProvider string `mapstructure:"IDENTITY_PROVIDER"`
	// IdentityAPIKey is the project's web API key; required for toolkit.
	IdentityAPIKey string `mapstructure:"IDENTITY_API_KEY"`
	// IdentityBaseURL overrides the Identity Toolkit endpoint (tests, emulators).
	IdentityBaseURL string `mapstructure:"IDENTITY_BASE_URL"`
	// SecureTokenURL overrides the token refresh endpoint.
	SecureTokenURL string `mapstructure:"SECURE_TOKEN_URL"`

	// SessionSecret signs the session cookie and seals refresh tokens.
	SessionSecret string `mapstructure:"SESSION_SECRET"`
	// SessionTTL is the lifetime of a signed-in session (e.g. "720h").
	SessionTTL string `mapstructure:"SESSION_TTL"`
	// AnonSessionIdle evicts anonymous in-memory sessions idle this long.
	AnonSessionIdle string `mapstructure:"ANON_SESSION_IDLE"`
	// CookieSecure sets the Secure attribute on the session cookie.
	CookieSecure bool `mapstructure:"COOKIE_SECURE"`
	// DBPath is the SQLite file holding signed-in sessions.
	DBPath string `mapstructure:"DB_PATH"`

	// ChallengeContainerID is the DOM id the challenge widget renders into.
	ChallengeContainerID string `mapstructure:"CHALLENGE_CONTAINER_ID"`
	// ChallengeSize is "invisible", "normal" or "compact".
	ChallengeSize string `mapstructure:"CHALLENGE_SIZE"`

	// LoginRateLimit is the number of login posts allowed per client IP per minute.
	LoginRateLimit int `mapstructure:"LOGIN_RATE_LIMIT"`
	// LoginRateBurst is the burst allowed above LoginRateLimit.
	LoginRateBurst int `mapstructure:"LOGIN_RATE_BURST"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored. Env vars override .env.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit env file path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore missing file

	v.AutomaticEnv()

	v.SetDefault("PORT", 8080)
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("PROFILE_API_BASE_URL", "")
	v.SetDefault("PROFILE_API_TIMEOUT", "10s")
	v.SetDefault("IDENTITY_PROVIDER", ProviderToolkit)
	v.SetDefault("IDENTITY_API_KEY", "")
	v.SetDefault("IDENTITY_BASE_URL", "")
	v.SetDefault("SECURE_TOKEN_URL", "")
	v.SetDefault("SESSION_SECRET", "")
	v.SetDefault("SESSION_TTL", "720h") // 30d
	v.SetDefault("ANON_SESSION_IDLE", "30m")
	v.SetDefault("COOKIE_SECURE", false)
	v.SetDefault("DB_PATH", "data/sessions.db")
	v.SetDefault("CHALLENGE_CONTAINER_ID", "recaptcha-container")
	v.SetDefault("CHALLENGE_SIZE", "invisible")
	v.SetDefault("LOGIN_RATE_LIMIT", 10)
	v.SetDefault("LOGIN_RATE_BURST", 5)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("config: PORT must be between 1 and 65535")
	}

	if c.ProfileAPIBaseURL == "" {
		return errors.New("config: PROFILE_API_BASE_URL must be set")
	}
	if u, err := url.Parse(c.ProfileAPIBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("config: PROFILE_API_BASE_URL must be an absolute URL")
	}

	if len(c.SessionSecret) < MinSessionSecretLength {
		return errors.New("config: SESSION_SECRET must be at least 32 bytes")
	}

	switch c.IdentityProvider {
	case ProviderToolkit:
		if c.IdentityAPIKey == "" {
			return errors.New("config: IDENTITY_API_KEY must be set when IDENTITY_PROVIDER=toolkit")
		}
	case ProviderDev:
		if c.IsProduction() {
			return errors.New("config: IDENTITY_PROVIDER=dev must not be used when APP_ENV=production")
		}
	default:
		return errors.New("config: IDENTITY_PROVIDER must be toolkit or dev")
	}

	switch c.ChallengeSize {
	case "invisible", "normal", "compact":
	default:
		return errors.New("config: CHALLENGE_SIZE must be invisible, normal or compact")
	}

	if c.LoginRateLimit <= 0 || c.LoginRateBurst <= 0 {
		return errors.New("config: LOGIN_RATE_LIMIT and LOGIN_RATE_BURST must be positive")
	}

	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return errors.New("config: LOG_FORMAT must be text or json")
	}
	return nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// SessionLifetime parses SessionTTL. Returns 720h if unset or invalid.
func (c *Config) SessionLifetime() time.Duration {
	return parseDuration(c.SessionTTL, 720*time.Hour)
}

// AnonymousIdle parses AnonSessionIdle. Returns 30m if unset or invalid.
func (c *Config) AnonymousIdle() time.Duration {
	return parseDuration(c.AnonSessionIdle, 30*time.Minute)
}

// ProfileTimeout parses ProfileAPITimeout. Returns 10s if unset or invalid.
func (c *Config) ProfileTimeout() time.Duration {
	return parseDuration(c.ProfileAPITimeout, 10*time.Second)
}

// SlogLevel maps LogLevel to a slog.Level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
