package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeYAML(t, "log:\n  level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 0.01, cfg.Engine.MinProb)
	assert.Equal(t, 0.99, cfg.Engine.MaxProb)
	assert.Equal(t, 0.07, cfg.Engine.FeeRate)
	assert.Equal(t, 0.5, cfg.Engine.CreatorShare)
	assert.Equal(t, "platform", cfg.Engine.PlatformUserID)
	assert.Equal(t, 7*time.Minute, cfg.DrizzleInterval())
	assert.Equal(t, time.Minute, cfg.ExpiryInterval())
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "marketmaker.db", cfg.Storage.DSN)
	assert.Equal(t, 30*time.Second, cfg.LockTTL())
	assert.Equal(t, 2*time.Second, cfg.LockWait())
}

func TestLoad_FeesDisabled(t *testing.T) {
	cfg, err := Load(writeYAML(t, "engine:\n  fees_disabled: true\n"))
	require.NoError(t, err)
	assert.Equal(t, 0.0, cfg.Engine.FeeRate)
	assert.Equal(t, 0.0, cfg.Engine.CreatorShare)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "postgres")
	t.Setenv("STORAGE_DSN", "postgres://localhost/mm")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("FEE_RATE", "0.02")

	cfg, err := Load(writeYAML(t, "storage:\n  driver: sqlite\n  dsn: local.db\n"))
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "postgres://localhost/mm", cfg.Storage.DSN)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "localhost:6379", cfg.Lock.RedisAddr)
	assert.Equal(t, 0.02, cfg.Engine.FeeRate)
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(writeYAML(t, "engine:\n  min_prob: 0.9\n  max_prob: 0.1\n"))
	assert.Error(t, err)

	_, err = Load(writeYAML(t, "storage:\n  driver: mysql\n"))
	assert.Error(t, err)

	_, err = Load(writeYAML(t, "engine: [not, a, map]\n"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
