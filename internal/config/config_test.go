package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Setenv("DB_ADAPTER", "memory")

	c, err := New()
	require.NoError(t, err)
	require.Equal(t, "8080", c.Port)
	require.Equal(t, 3600, c.AccessTokenLifetime)
	require.Equal(t, 86400, c.RefreshTokenLifetime)
	require.True(t, c.RotateRefreshTokens)
	require.Equal(t, 5, c.StorageTimeout)
	require.Equal(t, 60, c.RateLimitPerMinute)
}

func TestUnsupportedAdapter(t *testing.T) {
	t.Setenv("DB_ADAPTER", "mongodb")

	_, err := New()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported DB_ADAPTER")
}

func TestPostgresDSNFromParts(t *testing.T) {
	t.Setenv("DB_ADAPTER", "postgres")
	t.Setenv("POSTGRES_HOST", "db.internal")
	t.Setenv("POSTGRES_PORT", "5433")
	t.Setenv("POSTGRES_USER", "svc")
	t.Setenv("POSTGRES_PASSWORD", "hunter2")
	t.Setenv("POSTGRES_DB", "tokens")

	c, err := New()
	require.NoError(t, err)
	require.Equal(t, "host=db.internal port=5433 user=svc dbname=tokens sslmode=disable password=hunter2", c.PostgresDSN)
}

func TestExplicitDSNWins(t *testing.T) {
	t.Setenv("DB_ADAPTER", "postgres")
	t.Setenv("POSTGRES_DSN", "postgres://u:p@host/db?sslmode=disable")

	c, err := New()
	require.NoError(t, err)
	require.Equal(t, "postgres://u:p@host/db?sslmode=disable", c.PostgresDSN)
}

func TestLifetimeValidation(t *testing.T) {
	t.Setenv("DB_ADAPTER", "memory")
	t.Setenv("ACCESS_TOKEN_LIFETIME", "0")

	_, err := New()
	require.Error(t, err)
	require.Contains(t, err.Error(), "ACCESS_TOKEN_LIFETIME")
}
