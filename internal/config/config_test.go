package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoad(t *testing.T) {
	t.Run("defaults when file missing", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, 8600, cfg.Server.Port)
		assert.Equal(t, "lite", cfg.Preload.Profile)
	})

	t.Run("yaml overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9001
pool:
  capacity: 8
  init_timeout: 10s
preload:
  profile: aggressive
`), 0600))

		cfg, err := Load(path)

		require.NoError(t, err)
		assert.Equal(t, 9001, cfg.Server.Port)
		assert.Equal(t, 8, cfg.Pool.Capacity)
		assert.Equal(t, 10*time.Second, cfg.Pool.InitTimeout)
		assert.Equal(t, "aggressive", cfg.Preload.Profile)
	})

	t.Run("parses cache category overrides", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
cache:
  categories:
    media-list:
      max_age: 2m
      capacity: 30
`), 0600))

		cfg, err := Load(path)

		require.NoError(t, err)
		override, ok := cfg.Cache.Categories["media-list"]
		require.True(t, ok)
		assert.Equal(t, 2*time.Minute, override.MaxAge)
		assert.Equal(t, 30, override.Capacity)
	})

	t.Run("environment overrides yaml", func(t *testing.T) {
		t.Setenv("REELCORE_PORT", "9500")
		t.Setenv("REELCORE_PRELOAD_PROFILE", "aggressive")

		cfg, err := Load("")

		require.NoError(t, err)
		assert.Equal(t, 9500, cfg.Server.Port)
		assert.Equal(t, "aggressive", cfg.Preload.Profile)
	})

	t.Run("invalid profile rejected", func(t *testing.T) {
		t.Setenv("REELCORE_PRELOAD_PROFILE", "turbo")

		_, err := Load("")

		assert.Error(t, err)
	})
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9001\n"), 0600))

	reloaded := make(chan *Config, 1)
	stop, err := Watch(path, zap.NewNop(), func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9002\n"), 0600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 9002, cfg.Server.Port)
	case <-time.After(2 * time.Second):
		t.Fatal("config change not observed")
	}
}
