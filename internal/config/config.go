// Package config loads runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// DevJWTSecret is used when JWT_SECRET_KEY is unset. Fine for local runs,
// never for a deployment: anyone who knows it can mint tokens.
const DevJWTSecret = "calmora-secret-key-change-in-production"

// Storage backends selectable with DB_DRIVER.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port        string `env:"PORT" envDefault:"5000"`
	DBDriver    string `env:"DB_DRIVER" envDefault:"sqlite"`
	DBPath      string `env:"DB_PATH" envDefault:"data/calmora.db"`
	DatabaseURL string `env:"DATABASE_URL"`

	JWTSecret  string        `env:"JWT_SECRET_KEY" envDefault:"calmora-secret-key-change-in-production"`
	TokenTTL   time.Duration `env:"TOKEN_TTL" envDefault:"168h"`
	BcryptCost int           `env:"BCRYPT_COST" envDefault:"12"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	AuthRateLimit float64 `env:"AUTH_RATE_LIMIT" envDefault:"5"`
	AuthRateBurst int     `env:"AUTH_RATE_BURST" envDefault:"10"`
}

// Load reads a .env file if one exists, then the process environment.
// Variables already set in the environment win over .env.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("config: loading .env: %w", err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite, DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("config: unknown DB_DRIVER %q (want sqlite, postgres or memory)", c.DBDriver)
	}

	if len(c.JWTSecret) < 16 {
		return errors.New("config: JWT_SECRET_KEY must be at least 16 characters")
	}
	if c.TokenTTL <= 0 {
		return errors.New("config: TOKEN_TTL must be positive")
	}
	if c.AuthRateLimit <= 0 || c.AuthRateBurst <= 0 {
		return errors.New("config: AUTH_RATE_LIMIT and AUTH_RATE_BURST must be positive")
	}
	return nil
}

// UsingDevSecret reports whether tokens are signed with DevJWTSecret.
func (c *Config) UsingDevSecret() bool {
	return c.JWTSecret == DevJWTSecret
}

// Addr is the listen address for PORT.
func (c *Config) Addr() string {
	return ":" + c.Port
}
