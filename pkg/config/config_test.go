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
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoadOverlaysFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queued.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
strategy: weighted_random
lease_duration: 90s
worker_count: 4
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "weighted_random", cfg.Strategy)
	assert.Equal(t, 90*time.Second, cfg.LeaseDuration)
	assert.Equal(t, 4, cfg.WorkerCount)
	// untouched fields keep their default value
	assert.Equal(t, "127.0.0.1:8080", cfg.HTTPAddr)
}

func TestLoadOverlaysCapabilities(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queued.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
capabilities:
  region: us-west
  gpu: "true"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"region": "us-west", "gpu": "true"}, cfg.Capabilities)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queued.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid: yaml"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
