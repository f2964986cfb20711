package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaults(t *testing.T) {
	c, err := Load("", testLogger)
	require.NoError(t, err)

	assert.Equal(t, "-158", c.Target.ID)
	assert.Equal(t, "X07", c.Target.Center)
	assert.Equal(t, 5*time.Second, c.Tracking.Interval)
	assert.Equal(t, 61, c.Tracking.SampleCount)
	assert.Equal(t, 10*time.Millisecond, c.Tracking.TickInterval)
	assert.Equal(t, time.Second, c.Tracking.DisplayInterval)
	assert.False(t, c.Tracking.CommandMode, "dry-run unless asked")
	assert.Equal(t, 15*time.Second, c.Tracking.EffectiveMaxStaleness())
	assert.InDelta(t, -30.5263, c.Location.Latitude, 1e-4)
	assert.Equal(t, "http://localhost:8220", c.Mount.URL)
	assert.True(t, c.Horizons.ArchiveEnabled)
	assert.Equal(t, "json", c.Log.Format)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
target:
  id: "-48"
  center: "500@399"
tracking:
  interval: 15s
  sample_count: 40
  max_staleness: 45s
  command_mode: true
horizons:
  archive_enabled: false
`)
	c, err := Load(path, testLogger)
	require.NoError(t, err)

	assert.Equal(t, "-48", c.Target.ID)
	assert.Equal(t, "500@399", c.Target.Center)
	assert.Equal(t, 15*time.Second, c.Tracking.Interval)
	assert.Equal(t, 40, c.Tracking.SampleCount)
	assert.Equal(t, 45*time.Second, c.Tracking.EffectiveMaxStaleness())
	assert.True(t, c.Tracking.CommandMode)
	assert.False(t, c.Horizons.ArchiveEnabled, "file overrides a true default")
	assert.Equal(t, time.Second, c.Tracking.DisplayInterval, "unset keys keep defaults")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EPHEMERITRACK_TARGET_ID", "-170")
	t.Setenv("EPHEMERITRACK_INTERVAL", "20")
	t.Setenv("EPHEMERITRACK_DISPLAY_INTERVAL", "500ms")
	t.Setenv("EPHEMERITRACK_COMMAND_MODE", "true")
	t.Setenv("EPHEMERITRACK_SAMPLE_COUNT", "not-a-number")

	path := writeConfig(t, "target:\n  id: \"-48\"\ntracking:\n  sample_count: 30\n")
	c, err := Load(path, testLogger)
	require.NoError(t, err)

	assert.Equal(t, "-170", c.Target.ID, "env wins over file")
	assert.Equal(t, 20*time.Second, c.Tracking.Interval, "bare seconds")
	assert.Equal(t, 500*time.Millisecond, c.Tracking.DisplayInterval)
	assert.True(t, c.Tracking.CommandMode)
	assert.Equal(t, 30, c.Tracking.SampleCount, "invalid override keeps the previous value")
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"one sample", "tracking:\n  sample_count: 1\n", "SampleCount"},
		{"three samples", "tracking:\n  sample_count: 3\n", "SampleCount"},
		{"latitude", "location:\n  latitude: 95\n", "Latitude"},
		{"auth without token", "auth:\n  enabled: true\n", "Token"},
		{"backoff order", "tracking:\n  backoff_initial: 10s\n  backoff_max: 1s\n", "BackoffMax"},
		{"log format", "log:\n  format: xml\n", "Format"},
		{"sub-second interval", "tracking:\n  interval: 500ms\n", "Interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml), testLogger)
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want), "error %q should mention %s", err, tt.want)
		})
	}
}

func TestMinimumSampleCountAccepted(t *testing.T) {
	c, err := Load(writeConfig(t, "tracking:\n  sample_count: 4\n"), testLogger)
	require.NoError(t, err)
	assert.Equal(t, 4, c.Tracking.SampleCount)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"), testLogger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}
