package logging

import (
	"os"
	"path/filepath"
	"testing"

	"offsync/internal/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLevelsAndOutputs(t *testing.T) {
	app := config.AppConfig{Name: "offsync", Environment: "test", Version: "0.1.0"}

	tests := []struct {
		name      string
		cfg       config.LoggingConfig
		wantLevel zerolog.Level
	}{
		{"defaults", config.LoggingConfig{}, zerolog.InfoLevel},
		{"stderr debug", config.LoggingConfig{Level: "DEBUG", Output: "stderr"}, zerolog.DebugLevel},
		{"console warn", config.LoggingConfig{Level: " warn ", Format: "console"}, zerolog.WarnLevel},
		{"unknown level falls back", config.LoggingConfig{Level: "chatty"}, zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, closer, err := New(tt.cfg, app)
			require.NoError(t, err)
			assert.Nil(t, closer)
			assert.Equal(t, tt.wantLevel, logger.GetLevel())
		})
	}
}

func TestNewFileOutputRequiresPath(t *testing.T) {
	_, _, err := New(config.LoggingConfig{Output: "file"}, config.AppConfig{})
	assert.ErrorContains(t, err, "file_path")
}

func TestNewFileOutputRotatesIntoPath(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "offsync.log")
	cfg := config.LoggingConfig{Level: "info", Output: "file", FilePath: logPath, MaxSizeMB: 1, MaxBackups: 2}
	logger, closer, err := New(cfg, config.AppConfig{Name: "offsync", Environment: "test"})
	require.NoError(t, err)
	require.NotNil(t, closer)

	logger.Debug().Msg("below level")
	logger.Info().Str("action_id", "a-1").Msg("action enqueued")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"action_id":"a-1"`)
	assert.Contains(t, out, `"app":"offsync"`)
	assert.Contains(t, out, `"env":"test"`)
	assert.NotContains(t, out, "below level")
}
