package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)

		assert.Equal(t, 4, cfg.Lifecycle.MaxRunning)
		assert.Equal(t, 7*24*time.Hour, cfg.GC.SessionRetention)
		assert.NotEmpty(t, cfg.Engine.Command)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)

		// Non-overridden values keep their defaults.
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
		assert.Equal(t, 4, cfg.Lifecycle.MaxRunning)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("PHYLOFORGE_SERVER_PORT", "3000")
		t.Setenv("PHYLOFORGE_LOGGING_LEVEL", "warn")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
	})

	t.Run("InvalidMaxRunning", func(t *testing.T) {
		_, err := Load(map[string]any{
			"lifecycle": map[string]any{"max_running": 0},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_running")
	})
}

func TestDataConfig_Paths(t *testing.T) {
	d := DataConfig{Root: "/var/lib/phyloforge"}

	assert.Equal(t, "/var/lib/phyloforge/sessions", d.SessionsDir())
	assert.Equal(t, "/var/lib/phyloforge/jobs", d.JobsDir())
	assert.Equal(t, "/var/lib/phyloforge/registry/phyloforge.db", d.RegistryPath())
}
