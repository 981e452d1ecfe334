package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: 127.0.0.1
  port: 8080
  data_dir: ` + dir + `
  upload_dir: ` + filepath.Join(dir, "uploads") + `
  overlay_dir: ` + filepath.Join(dir, "overlays") + `
db:
  file: ` + filepath.Join(dir, "test.db") + `
`
	require.NoError(t, os.WriteFile(cfgFile, []byte(content), 0600))

	cfg, err := Load(cfgFile)
	require.NoError(t, err)

	// Explicit values from the file.
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)

	// Unset sections fall back to defaults.
	assert.Equal(t, "/models/yolov8n.onnx", cfg.Detector.ModelPath)
	assert.InDelta(t, 0.25, cfg.Detector.ConfidenceThreshold, 1e-9)
	assert.InDelta(t, 0.45, cfg.Detector.IoUThreshold, 1e-9)
	assert.Equal(t, 640, cfg.Detector.InputSize)
	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, "assetlens/runs", cfg.MQTT.Topic)
	assert.Equal(t, 0, cfg.Cleanup.RetentionDays)

	// Storage directories are created on load.
	for _, d := range []string{cfg.Server.UploadDir, cfg.Server.OverlayDir} {
		info, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ASSETLENS_SERVER_DATA_DIR", dir)
	t.Setenv("ASSETLENS_SERVER_UPLOAD_DIR", filepath.Join(dir, "uploads"))
	t.Setenv("ASSETLENS_SERVER_OVERLAY_DIR", filepath.Join(dir, "overlays"))
	t.Setenv("ASSETLENS_DB_FILE", filepath.Join(dir, "assetlens.db"))

	cfg, err := Load(filepath.Join(dir, "does-not-exist.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, dir, cfg.Server.DataDir)
}

func TestLoadEnvironmentOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ASSETLENS_SERVER_PORT", "9999")
	t.Setenv("ASSETLENS_SERVER_DATA_DIR", dir)
	t.Setenv("ASSETLENS_SERVER_UPLOAD_DIR", filepath.Join(dir, "uploads"))
	t.Setenv("ASSETLENS_SERVER_OVERLAY_DIR", filepath.Join(dir, "overlays"))
	t.Setenv("ASSETLENS_DB_FILE", filepath.Join(dir, "assetlens.db"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
}
