// Package config loads service configuration from the environment, with
// an optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full service configuration. Secrets have no defaults;
// the service refuses to start without them.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string

	// RedisAddr points the session store at a Redis server. Empty means
	// the embedded in-memory store (single-process deployments, tests).
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// DatabaseDSN points the user directory at Postgres. Empty means the
	// embedded in-memory directory.
	DatabaseDSN string

	// JWT signing material. Access and refresh secrets must differ.
	AccessSecret  string
	RefreshSecret string
	JWTIssuer     string

	AccessTTL       time.Duration
	RefreshTTL      time.Duration
	AdminRefreshTTL time.Duration

	// AnonymousTTL bounds the login handshake window.
	AnonymousTTL time.Duration
	// SessionAuthTTL, when positive, caps authorized session lifetime
	// below the refresh-token lifetime.
	SessionAuthTTL time.Duration

	// Google OAuth; all three must be set to enable the provider routes.
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Resend email delivery. Empty API key falls back to logging codes,
	// which is only acceptable outside production.
	ResendAPIKey string
	EmailFrom    string

	SecureCookies bool
}

// Load reads .env if present, then the environment. It validates the
// secret material and fails fast on anything unusable.
func Load() (*Config, error) {
	// Missing .env is the normal case in production.
	_ = godotenv.Load()

	cfg := &Config{
		Addr:               envOr("ADDR", ":8080"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		DatabaseDSN:        os.Getenv("DATABASE_DSN"),
		AccessSecret:       os.Getenv("JWT_ACCESS_SECRET"),
		RefreshSecret:      os.Getenv("JWT_REFRESH_SECRET"),
		JWTIssuer:          envOr("JWT_ISSUER", "sessiond"),
		GoogleClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		GoogleRedirectURL:  os.Getenv("GOOGLE_REDIRECT_URL"),
		ResendAPIKey:       os.Getenv("RESEND_API_KEY"),
		EmailFrom:          envOr("EMAIL_FROM", "no-reply@quizdeck.app"),
	}

	var err error
	if cfg.RedisDB, err = envInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.AccessTTL, err = envDuration("JWT_ACCESS_TTL", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.RefreshTTL, err = envDuration("JWT_REFRESH_TTL", 7*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.AdminRefreshTTL, err = envDuration("JWT_ADMIN_REFRESH_TTL", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.AnonymousTTL, err = envDuration("SESSION_ANON_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SessionAuthTTL, err = envDuration("SESSION_AUTH_TTL", 0); err != nil {
		return nil, err
	}
	if cfg.SecureCookies, err = envBool("SECURE_COOKIES", true); err != nil {
		return nil, err
	}

	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" {
		return nil, errors.New("config: JWT_ACCESS_SECRET and JWT_REFRESH_SECRET are required")
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return nil, errors.New("config: access and refresh secrets must differ")
	}
	return cfg, nil
}

// GoogleEnabled reports whether the Google provider is fully configured.
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != "" && c.GoogleRedirectURL != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: %s: must not be negative", key)
	}
	return d, nil
}
