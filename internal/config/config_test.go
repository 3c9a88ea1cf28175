package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "depthd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, []string{"color", "depth"}, cfg.Streams)
	assert.Equal(t, 2, cfg.QueueDepth)
	assert.Equal(t, 10*time.Millisecond, cfg.Sync.HalfWindow)
	assert.Equal(t, 8, cfg.Sync.MaxPending)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.PendingTimeout)
	assert.Empty(t, cfg.Plugin.Name)
	assert.Equal(t, uint32(2), cfg.PluginVersion().Major)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.HasStream("Depth"))
}

func TestFileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
queue_depth: 5
streams: [depth]
sync:
  half_window: 16ms
  depth_delay_off_color: 2ms
  max_pending: 12
plugin:
  name: depthengine
  search_path: [/opt/depth/lib]
log:
  level: debug
`)
	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.QueueDepth)
	assert.False(t, cfg.HasStream("color"))

	sc := cfg.SyncConfig()
	assert.Equal(t, 16*time.Millisecond, sc.HalfWindow)
	assert.Equal(t, 2*time.Millisecond, sc.DepthDelayOffColor)
	assert.Equal(t, 12, sc.MaxPending)
	assert.Equal(t, 500*time.Millisecond, sc.PendingTimeout)

	assert.Equal(t, "depthengine", cfg.Plugin.Name)
	assert.Equal(t, []string{"/opt/depth/lib"}, cfg.Plugin.SearchPath)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "queue_depth: 5\n")
	t.Setenv("DEPTHD_QUEUE_DEPTH", "7")
	t.Setenv("DEPTHD_SYNC_HALF_WINDOW", "3ms")

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.QueueDepth)
	assert.Equal(t, 3*time.Millisecond, cfg.Sync.HalfWindow)
}

func TestExplicitMissingFileFails(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero queue depth", "queue_depth: 0\n"},
		{"negative window", "sync:\n  half_window: -1ms\n"},
		{"negative pending", "sync:\n  max_pending: -1\n"},
		{"unknown stream", "streams: [thermal]\n"},
		{"no streams", "streams: []\n"},
		{"bad log level", "log:\n  level: loud\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(New(), writeFile(t, tt.body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)
		})
	}
}
