// Package config loads server configuration from environment variables.
package config

import (
	"errors"
	"fmt"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port      string `env:"PORT" envDefault:"8080"`
	DBAdapter string `env:"DB_ADAPTER" envDefault:"postgres"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	SQLiteFile string `env:"SQLITE_FILE" envDefault:"./data/oauthd.db"`

	PostgresDSN      string `env:"POSTGRES_DSN"`
	PostgresHost     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort     string `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER" envDefault:"oauthd"`
	PostgresPassword string `env:"POSTGRES_PASSWORD"`
	PostgresDB       string `env:"POSTGRES_DB" envDefault:"oauthd"`
	PostgresSSLMode  string `env:"POSTGRES_SSLMODE" envDefault:"disable"`

	// Token lifecycle settings, in seconds.
	AccessTokenLifetime  int  `env:"ACCESS_TOKEN_LIFETIME" envDefault:"3600"`
	RefreshTokenLifetime int  `env:"REFRESH_TOKEN_LIFETIME" envDefault:"86400"`
	RotateRefreshTokens  bool `env:"ROTATE_REFRESH_TOKENS" envDefault:"true"`

	// StorageTimeout bounds every storage call, in seconds.
	StorageTimeout int `env:"STORAGE_TIMEOUT" envDefault:"5"`

	// RateLimitPerMinute throttles the token endpoint per client_id.
	RateLimitPerMinute int `env:"RATE_LIMIT_PER_MINUTE" envDefault:"60"`
}

// BuildPostgresDSN returns POSTGRES_DSN when set, otherwise a DSN assembled
// from the individual components.
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}
	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, c.PostgresPort, c.PostgresUser, c.PostgresDB, c.PostgresSSLMode)
	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}
	return dsn, nil
}

func New() (*Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case "sqlite":
		if c.SQLiteFile == "" {
			return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	if c.AccessTokenLifetime <= 0 {
		return nil, errors.New("ACCESS_TOKEN_LIFETIME must be positive")
	}
	if c.RefreshTokenLifetime <= 0 {
		return nil, errors.New("REFRESH_TOKEN_LIFETIME must be positive")
	}
	if c.StorageTimeout <= 0 {
		return nil, errors.New("STORAGE_TIMEOUT must be positive")
	}
	return &c, nil
}
