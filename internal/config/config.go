// Package config loads server configuration from environment variables.
//
// Every setting has an env var and, where sensible, a default. Parsing is
// done by github.com/caarlos0/env from struct tags, so the table of
// variables is the Config struct itself. Load then fills derived defaults
// and validates the combination before anything is started.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Identity modes for POST /google-auth.
const (
	// IdentityOIDC verifies the signed Google ID token ("credential").
	IdentityOIDC = "oidc"
	// IdentityTrusted accepts profile claims from a pre-validated boundary.
	IdentityTrusted = "trusted"
)

// Revocation backends for logout.
const (
	RevocationNone   = "none"
	RevocationMemory = "memory"
	RevocationRedis  = "redis"
)

// MinSecretLength is the shortest accepted JWT_SECRET.
const MinSecretLength = 16

// Config holds every runtime setting.
type Config struct {
	Port     int    `env:"PORT"      envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	DBDriver    string `env:"DB_DRIVER"    envDefault:"sqlite"`
	DBPath      string `env:"DB_PATH"      envDefault:"data/authcore.db"`
	DatabaseURL string `env:"DATABASE_URL"`

	// JWTSecret signs session tokens. Rotating it signs everyone out.
	JWTSecret    string        `env:"JWT_SECRET,required"`
	TokenTTL     time.Duration `env:"TOKEN_TTL"     envDefault:"12h"`
	JWTIssuer    string        `env:"JWT_ISSUER"    envDefault:"authcore"`
	CookieSecure bool          `env:"COOKIE_SECURE" envDefault:"false"`

	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URL"`
	GoogleIssuer       string `env:"GOOGLE_ISSUER"        envDefault:"https://accounts.google.com"`

	// IdentityMode defaults to oidc when GOOGLE_CLIENT_ID is set, else trusted.
	IdentityMode string `env:"IDENTITY_MODE"`

	Revocation string `env:"REVOCATION" envDefault:"none"`
	RedisURL   string `env:"REDIS_URL"  envDefault:"redis://localhost:6379/0"`

	AdminEmail    string `env:"BOOTSTRAP_ADMIN_EMAIL"`
	AdminName     string `env:"BOOTSTRAP_ADMIN_NAME"     envDefault:"Administrator"`
	AdminPassword string `env:"BOOTSTRAP_ADMIN_PASSWORD"`

	// HashConcurrency caps parallel password hashes; 0 means GOMAXPROCS.
	HashConcurrency int `env:"HASH_CONCURRENCY" envDefault:"0"`
}

// Load parses the environment, fills derived defaults and validates.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	c.DBDriver = strings.ToLower(strings.TrimSpace(c.DBDriver))
	c.Revocation = strings.ToLower(strings.TrimSpace(c.Revocation))
	c.IdentityMode = strings.ToLower(strings.TrimSpace(c.IdentityMode))

	if c.IdentityMode == "" {
		if c.GoogleClientID != "" {
			c.IdentityMode = IdentityOIDC
		} else {
			c.IdentityMode = IdentityTrusted
		}
	}
	if c.GoogleRedirectURL == "" {
		c.GoogleRedirectURL = fmt.Sprintf("http://localhost:%d/api/user/google/callback", c.Port)
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("DB_PATH is required for DB_DRIVER=sqlite"))
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for DB_DRIVER=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DBDriver))
	}

	if len(c.JWTSecret) < MinSecretLength {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least %d characters", MinSecretLength))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("TOKEN_TTL must be positive, got %s", c.TokenTTL))
	}

	switch c.IdentityMode {
	case IdentityOIDC:
		if c.GoogleClientID == "" {
			errs = append(errs, errors.New("GOOGLE_CLIENT_ID is required for IDENTITY_MODE=oidc"))
		}
	case IdentityTrusted:
	default:
		errs = append(errs, fmt.Errorf("IDENTITY_MODE must be %q or %q, got %q", IdentityOIDC, IdentityTrusted, c.IdentityMode))
	}
	if c.GoogleClientSecret != "" && c.GoogleClientID == "" {
		errs = append(errs, errors.New("GOOGLE_CLIENT_SECRET requires GOOGLE_CLIENT_ID"))
	}

	switch c.Revocation {
	case RevocationNone, RevocationMemory:
	case RevocationRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for REVOCATION=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("REVOCATION must be none, memory or redis, got %q", c.Revocation))
	}

	if c.AdminEmail != "" && c.AdminPassword == "" {
		errs = append(errs, errors.New("BOOTSTRAP_ADMIN_PASSWORD is required with BOOTSTRAP_ADMIN_EMAIL"))
	}
	if c.HashConcurrency < 0 {
		errs = append(errs, errors.New("HASH_CONCURRENCY must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel converts LogLevel to a slog.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel)
	}
	return level, nil
}

// CodeFlowEnabled reports whether the server-side Google OAuth routes are on.
func (c *Config) CodeFlowEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}
