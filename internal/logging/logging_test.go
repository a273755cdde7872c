package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew_WritesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	logger, level, err := New("info", dir)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("tick complete")
	level.SetLevel(zapcore.DebugLevel)
	logger.Debug("now visible")
	_ = logger.Sync()

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "tick complete")
	assert.Contains(t, string(data), "now visible")
	assert.NotContains(t, string(data), "hidden")
}

func TestNew_BadLevel(t *testing.T) {
	_, _, err := New("loud", "")
	assert.Error(t, err)
}

func TestNew_LevelAliases(t *testing.T) {
	_, level, err := New("WARNING", "")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, level.Level())
}
