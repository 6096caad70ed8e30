package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))
	return dir
}

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, "crisis-pipeline", cfg.App.Name)
	require.Equal(t, []string{"nats://localhost:4222"}, cfg.NATS.URLs)
	require.Equal(t, 10, cfg.Gateway.MaxPerSecond)
	require.Equal(t, 500, cfg.Gateway.MaxPerHour)
	require.Equal(t, 2*time.Hour, cfg.Detector.Window)
	require.Equal(t, 4, cfg.Detector.SeverityThreshold)
	require.InDelta(t, 0.45, cfg.Detector.WeightNegativity, 0.001)
	require.Len(t, cfg.Sources, 4)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := writeConfig(t, `
gateway:
  max_per_second: 25
  overrides:
    socialStream:
      max_per_second: 50
      max_per_hour: 4000
detector:
  severity_threshold: 6
sources:
  - socialStream
`)
	cfg, err := Load(dir)
	require.NoError(t, err)

	require.Equal(t, 25, cfg.Gateway.MaxPerSecond)
	require.Equal(t, 500, cfg.Gateway.MaxPerHour)
	require.Equal(t, 6, cfg.Detector.SeverityThreshold)
	require.Equal(t, []string{"socialStream"}, cfg.Sources)

	override, ok := cfg.Gateway.Overrides["socialStream"]
	require.True(t, ok)
	require.Equal(t, 50, override.MaxPerSecond)
	require.Equal(t, 4000, override.MaxPerHour)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"zero per-second limit":   "gateway:\n  max_per_second: 0\n",
		"threshold out of range":  "detector:\n  severity_threshold: 11\n",
		"confidence out of range": "detector:\n  min_confidence: 1.5\n",
		"empty sources":           "sources: []\n",
		"bad port":                "http:\n  port: 70000\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			require.Error(t, err)
		})
	}
}
