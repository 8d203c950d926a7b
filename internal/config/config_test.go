package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "camwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "ffmpeg", cfg.Camera.Backend)
	assert.Equal(t, 300*time.Second, cfg.Analysis.IdleThreshold)
	assert.Equal(t, 300*time.Second, cfg.Analysis.Cooldown)
	assert.Equal(t, 5, cfg.Analysis.FrameSkip)
	assert.InDelta(t, 400.0/720.0, cfg.Analysis.FloorFraction, 1e-9)
	assert.Equal(t, 100, cfg.Alerts.QueueSize)
	assert.Equal(t, 500, cfg.Alerts.HistorySize)
	assert.Equal(t, 85, cfg.Snapshots.Quality)
	assert.Equal(t, "camwatch/alerts", cfg.MQTT.TopicPrefix)
	assert.False(t, cfg.Telegram.Enabled)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
camera:
  backend: gocv
  fps: 10
analysis:
  idle_threshold: 10m
  clutter_threshold: 8
backend:
  url: http://tasks.local/api
  zones:
    zone_a: Aisle A
`)
	t.Setenv("CAMWATCH_CAMERA_FPS", "2")
	t.Setenv("CAMWATCH_BACKEND_API_KEY", "secret")
	t.Setenv("CAMWATCH_ANALYSIS_COOLDOWN", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gocv", cfg.Camera.Backend)
	assert.Equal(t, 2, cfg.Camera.FPS, "environment overrides the file")
	assert.Equal(t, 10*time.Minute, cfg.Analysis.IdleThreshold)
	assert.Equal(t, 8, cfg.Analysis.ClutterThreshold)
	assert.Equal(t, 90*time.Second, cfg.Analysis.Cooldown)
	assert.Equal(t, "secret", cfg.Backend.APIKey)
	assert.Equal(t, "http://tasks.local/api", cfg.Backend.URL)
	assert.Equal(t, "Aisle A", cfg.Backend.Zones["zone_a"])
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	path := writeConfig(t, `
camera:
  backend: v4l
analysis:
  sampling: random
telegram:
  enabled: true
snapshots:
  quality: 0
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "camera.backend")
	assert.Contains(t, err.Error(), "analysis.sampling")
	assert.Contains(t, err.Error(), "telegram")
	assert.Contains(t, err.Error(), "snapshots.quality")
}
