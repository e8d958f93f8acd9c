package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "device", cfg.Backend)
	assert.Equal(t, "sim", cfg.Driver)
	assert.Equal(t, 8, cfg.Queues)
	assert.Equal(t, 32, cfg.GroupSize)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kfuse.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: cpu-parallel\nqueues: 2\nlogging:\n  level: debug\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "cpu-parallel", cfg.Backend)
	assert.Equal(t, 2, cfg.Queues)
	assert.Equal(t, "debug", cfg.Logging.Level)

	t.Setenv("KFUSE_QUEUES", "4")
	t.Setenv("KFUSE_LOGGING_LEVEL", "error")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Queues)
	assert.Equal(t, "error", cfg.Logging.Level)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Queues = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Logging.Level = "loud"
	assert.Error(t, cfg.Validate())
}
