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

	assert.Equal(t, "sqlite3", cfg.DBDriver)
	assert.Equal(t, DefaultWorkers, cfg.Workers)
	assert.Equal(t, DefaultQueueSize, cfg.QueueSize)
	assert.Equal(t, "memory", cfg.CacheBackend)
	assert.Equal(t, 30*time.Second, cfg.CallTimeout)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("HUBBUB_DB_DRIVER", "postgres")
	t.Setenv("HUBBUB_DB_DSN", "postgres://bot@localhost/hubbub")
	t.Setenv("HUBBUB_WORKERS", "3")
	t.Setenv("HUBBUB_CACHE_BACKEND", "redis")
	t.Setenv("HUBBUB_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("HUBBUB_CALL_TIMEOUT", "5s")
	t.Setenv("HUBBUB_LOG_JSON", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, "postgres://bot@localhost/hubbub", cfg.DBDSN)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, "redis", cfg.CacheBackend)
	assert.Equal(t, 5*time.Second, cfg.CallTimeout)
	assert.True(t, cfg.LogJSON)
}

func TestValidate(t *testing.T) {
	t.Setenv("HUBBUB_DB_DRIVER", "oracle")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")

	t.Setenv("HUBBUB_DB_DRIVER", "sqlite3")
	t.Setenv("HUBBUB_CACHE_BACKEND", "redis")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HUBBUB_REDIS_URL")

	t.Setenv("HUBBUB_CACHE_BACKEND", "memory")
	t.Setenv("HUBBUB_WORKERS", "-1")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker count")
}
