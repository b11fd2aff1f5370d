package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestParseConfigDefaults(t *testing.T) {
	config, err := ParseConfig("")
	require.NoError(t, err)

	assert.Equal(t, 7350, config.Socket.Port)
	assert.Equal(t, 5*time.Minute, config.EditWindow())
	assert.Equal(t, 30*time.Second, config.RingTimeout())
	assert.Equal(t, "[message recalled]", config.Chat.RecallPlaceholder)
}

func TestParseConfigFileLayersOverDefaults(t *testing.T) {
	path := writeConfigFile(t, `
socket:
  port: 9100
chat:
  edit_window_sec: 60
call:
  ring_timeout_sec: 10
`)

	config, err := ParseConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, config.Socket.Port)
	assert.Equal(t, time.Minute, config.EditWindow())
	assert.Equal(t, 10*time.Second, config.RingTimeout())
	// Untouched sections keep their defaults.
	assert.Equal(t, "info", config.Logger.Level)
	assert.Equal(t, 50, config.Chat.HistoryPageSize)
}

func TestParseConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name     string
		contents string
	}{
		{"port out of range", "socket:\n  port: 70000\n"},
		{"bad log level", "logger:\n  level: verbose\n"},
		{"bad room url", "call:\n  room_base_url: not-a-url\n"},
		{"zero edit window", "chat:\n  edit_window_sec: 0\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfig(writeConfigFile(t, tc.contents))
			assert.Error(t, err)
		})
	}
}

func TestParseConfigMissingFile(t *testing.T) {
	_, err := ParseConfig(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}
