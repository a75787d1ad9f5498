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
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "json", cfg.Database.ArgsCodec)
	assert.Equal(t, 8, cfg.Worker.MaxConcurrentTasks)
	assert.Equal(t, "fair", cfg.Scheduler.Kind)
	assert.Equal(t, 0.8, cfg.Scheduler.StealThreshold)
	assert.Equal(t, 0.3, cfg.Scheduler.MaxLoadImbalance)
	assert.Equal(t, int64(60), cfg.Scheduler.WorkerTimeoutSeconds)
	assert.Equal(t, 30*time.Second, cfg.Manager.ReconcileInterval)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
nats:
  url: nats://broker:4222
worker:
  max_concurrent_tasks: 32
scheduler:
  kind: advanced
database:
  args_codec: binary
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, 32, cfg.Worker.MaxConcurrentTasks)
	assert.Equal(t, "advanced", cfg.Scheduler.Kind)
	assert.Equal(t, "binary", cfg.Database.ArgsCodec)
	// Unspecified keys keep their defaults
	assert.Equal(t, 10, cfg.Worker.BatchSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}
