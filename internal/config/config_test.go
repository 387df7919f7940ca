package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Workers.Default)
	assert.Equal(t, 8, cfg.Scheduler.Concurrency)
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskgraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cache:
  root: /tmp/tg-cache
scheduler:
  concurrency: 4
  max_attempts: 3
  backoff: 250ms
workers:
  default: local
  environments:
    gpu: container
    hpc: cluster
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/tg-cache", cfg.Cache.Root)
	assert.Equal(t, 4, cfg.Scheduler.Concurrency)
	assert.Equal(t, 3, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.BackoffDuration())
	assert.Equal(t, "container", cfg.Workers.Environments["gpu"])
	// Untouched defaults survive the merge.
	assert.Equal(t, "720h", cfg.Cache.GCAge)
}

func TestLoadRejectsBadBackendKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskgraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workers:
  environments:
    gpu: mainframe
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mainframe")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskgraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduler:
  timeout: soon
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "taskgraph.yaml")
	cfg := DefaultConfig()
	cfg.Scheduler.Concurrency = 2
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Scheduler.Concurrency)
}
