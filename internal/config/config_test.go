package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8787", cfg.Addr)
	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
	assert.Equal(t, cfg.SQLitePath, cfg.DSN())
	assert.Empty(t, cfg.RedisURL)
	assert.False(t, cfg.Production())
}

func TestLoadPostgres(t *testing.T) {
	t.Setenv("STORE_DRIVER", " Postgres ")
	t.Setenv("DATABASE_URL", "postgres://example/db")
	t.Setenv("STORE_TIMEOUT", "750ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, "postgres://example/db", cfg.DSN())
	assert.Equal(t, 750*time.Millisecond, cfg.StoreTimeout)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mongo")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("STORE_TIMEOUT", "soon")
	_, err := Load()
	assert.Error(t, err)
}
