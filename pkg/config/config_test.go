package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := LoadDefaults()

	assert.Equal(t, "./data", cfg.Storage.DataDir)
	assert.Equal(t, "immediate", cfg.Storage.WALSyncMode)
	assert.Equal(t, 5*time.Minute, cfg.Snapshot.Interval)
	assert.Equal(t, 1000, cfg.Snapshot.EveryEntries)
	assert.Equal(t, 2, cfg.Snapshot.Keep)
	assert.Equal(t, 256, cfg.Pipeline.QueueSize)
	assert.Equal(t, "127.0.0.1:7717", cfg.Server.ListenAddr())

	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TABGRAPH_DATA_DIR", "/tmp/tabs")
	t.Setenv("TABGRAPH_WAL_SYNC_MODE", "batch")
	t.Setenv("TABGRAPH_WAL_SYNC_INTERVAL", "250ms")
	t.Setenv("TABGRAPH_SNAPSHOT_EVERY_ENTRIES", "50")
	t.Setenv("TABGRAPH_HTTP_ENABLED", "false")
	t.Setenv("TABGRAPH_LOG_LEVEL", "DEBUG")

	cfg := LoadFromEnv()

	assert.Equal(t, "/tmp/tabs", cfg.Storage.DataDir)
	assert.Equal(t, "batch", cfg.Storage.WALSyncMode)
	assert.Equal(t, 250*time.Millisecond, cfg.Storage.WALSyncInterval)
	assert.Equal(t, 50, cfg.Snapshot.EveryEntries)
	assert.False(t, cfg.Server.HTTPEnabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	t.Run("yaml_overrides_defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tabgraph.yaml")
		body := `
storage:
  data_dir: /var/lib/tabgraph
  wal_sync_mode: batch
snapshot:
  interval: 1m
  keep: 4
server:
  http_port: 9000
`
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

		cfg, err := LoadFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, "/var/lib/tabgraph", cfg.Storage.DataDir)
		assert.Equal(t, "batch", cfg.Storage.WALSyncMode)
		assert.Equal(t, time.Minute, cfg.Snapshot.Interval)
		assert.Equal(t, 4, cfg.Snapshot.Keep)
		assert.Equal(t, 9000, cfg.Server.HTTPPort)
		// Untouched sections keep defaults.
		assert.Equal(t, 256, cfg.Pipeline.QueueSize)
	})

	t.Run("env_wins_over_file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tabgraph.yaml")
		require.NoError(t, os.WriteFile(path, []byte("storage:\n  data_dir: /from-file\n"), 0o644))
		t.Setenv("TABGRAPH_DATA_DIR", "/from-env")

		cfg, err := LoadFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, "/from-env", cfg.Storage.DataDir)
	})

	t.Run("missing_file_errors", func(t *testing.T) {
		_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("empty_path_uses_defaults", func(t *testing.T) {
		cfg, err := LoadFromFile("")
		require.NoError(t, err)
		assert.Equal(t, "./data", cfg.Storage.DataDir)
	})
}

func TestValidate(t *testing.T) {
	t.Run("rejects_unknown_sync_mode", func(t *testing.T) {
		cfg := LoadDefaults()
		cfg.Storage.WALSyncMode = "eventually"
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects_empty_data_dir", func(t *testing.T) {
		cfg := LoadDefaults()
		cfg.Storage.DataDir = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects_zero_snapshot_keep", func(t *testing.T) {
		cfg := LoadDefaults()
		cfg.Snapshot.Keep = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects_bad_log_level", func(t *testing.T) {
		cfg := LoadDefaults()
		cfg.Logging.Level = "loud"
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects_out_of_range_port", func(t *testing.T) {
		cfg := LoadDefaults()
		cfg.Server.HTTPPort = 70000
		assert.Error(t, cfg.Validate())
	})
}
