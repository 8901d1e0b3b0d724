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
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultBackendURL, cfg.Backend.URL)
	assert.Equal(t, DefaultPollTimeout, cfg.Backend.PollTimeout)
	assert.Equal(t, DefaultFanOut, cfg.Pipeline.FanOut)
	assert.Equal(t, DefaultMaxAttempts, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, DefaultThreshold, cfg.Pipeline.Threshold)
	assert.Equal(t, DefaultSessionTimeout, cfg.Pipeline.SessionTimeout)
	assert.Equal(t, DefaultWorkDir, cfg.WorkDir)
	assert.Equal(t, "gemini-2.5-flash", cfg.Gemini.Model)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "videopipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
gemini:
  model: gemini-2.5-pro
backend:
  url: http://gpu-box:8188
  poll_timeout: 20m
pipeline:
  fan_out: 4
  max_attempts: 5
  consistency_threshold: 0.85
  session_timeout: 1h
work_dir: /data/videopipe
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gemini-2.5-pro", cfg.Gemini.Model)
	assert.Equal(t, "http://gpu-box:8188", cfg.Backend.URL)
	assert.Equal(t, 20*time.Minute, cfg.Backend.PollTimeout)
	assert.Equal(t, 4, cfg.Pipeline.FanOut)
	assert.Equal(t, 5, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 0.85, cfg.Pipeline.Threshold)
	assert.Equal(t, time.Hour, cfg.Pipeline.SessionTimeout)
	assert.Equal(t, "/data/videopipe", cfg.WorkDir)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "videopipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend:\n  url: http://from-file:8188\n"), 0o644))

	t.Setenv("COMFY_URL", "http://from-env:8188")
	t.Setenv("GEMINI_API_KEY", "test-key")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://from-env:8188", cfg.Backend.URL)
	assert.Equal(t, "test-key", cfg.Gemini.APIKey)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "videopipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline: [not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
