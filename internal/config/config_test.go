package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
		require.NoError(t, err)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Equal(t, DefaultWorkers, cfg.Workers)
		assert.Equal(t, 30*time.Second, cfg.WriterTimeout())
	})

	t.Run("file values override defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "syncd.toml")
		require.NoError(t, os.WriteFile(path, []byte(
			"db_path = \"/tmp/custom.db\"\nlog_level = \"debug\"\nworkers = 8\n"), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "/tmp/custom.db", cfg.DBPath)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, 8, cfg.Workers)
	})

	t.Run("unknown keys are rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "syncd.toml")
		require.NoError(t, os.WriteFile(path, []byte("databse_path = \"oops\"\n"), 0o600))

		_, err := Load(path)
		assert.ErrorContains(t, err, "unknown key")
	})

	t.Run("invalid log level is rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "syncd.toml")
		require.NoError(t, os.WriteFile(path, []byte("log_level = \"loud\"\n"), 0o600))

		_, err := Load(path)
		assert.ErrorContains(t, err, "invalid log_level")
	})

	t.Run("environment overrides file", func(t *testing.T) {
		t.Setenv("SYNCD_DB_PATH", "/env/state.db")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "/env/state.db", cfg.DBPath)
	})
}
