package logs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"statdeck/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zap.DebugLevel, ParseLevel("trace"))
	assert.Equal(t, zap.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zap.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zap.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zap.InfoLevel, ParseLevel("bogus"))
}

func TestSetup_NoOutputsIsNop(t *testing.T) {
	logger, err := Setup(config.LogConfig{}, t.TempDir())
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestSetup_WritesJSONFile(t *testing.T) {
	logDir := filepath.Join(t.TempDir(), "logs")
	cfg := config.LogConfig{
		Level:      "debug",
		EnableFile: true,
		Filename:   "test.log",
		MaxSize:    1,
	}

	logger, err := Setup(cfg, logDir)
	require.NoError(t, err)

	logger.Info("device connected", zap.String("port", "/dev/ttyUSB0"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(filepath.Join(logDir, "test.log"))
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	assert.Contains(t, line, `"msg":"device connected"`)
	assert.Contains(t, line, `"port":"/dev/ttyUSB0"`)
}
