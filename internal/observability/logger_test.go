package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/deepquery/internal/config"
)

// setupTestLogger initializes the global logger with console output captured
// in a buffer.
func setupTestLogger(cfg config.LoggerConfig) *bytes.Buffer {
	buf := new(bytes.Buffer)
	initializeLogger(cfg, zapcore.AddSync(buf))
	return buf
}

// resetGlobalLogger restores the singleton between tests.
func resetGlobalLogger() {
	once = sync.Once{}
	globalLogger.Store(nil)
}

func TestInitializeLogger(t *testing.T) {
	t.Run("ConsoleWithColors", func(t *testing.T) {
		resetGlobalLogger()
		buf := setupTestLogger(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "deepquery",
			Colors:      config.ColorConfig{Info: "green"},
		})

		GetLogger().Info("Frame attached")
		Sync()

		output := buf.String()
		assert.Contains(t, output, "INFO")
		assert.Contains(t, output, "Frame attached")
		assert.Contains(t, output, colorGreen+"INFO"+colorReset)
	})

	t.Run("JSON", func(t *testing.T) {
		resetGlobalLogger()
		buf := setupTestLogger(config.LoggerConfig{
			Level:       "info",
			Format:      "json",
			ServiceName: "deepquery",
		})

		GetLogger().Named("frames").Warn("World creation failed", zap.String("world", "utility"))
		Sync()

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "WARN", entry["level"])
		assert.Equal(t, "deepquery.frames", entry["logger"])
		assert.Equal(t, "World creation failed", entry["msg"])
		assert.Equal(t, "utility", entry["world"])
	})

	t.Run("LevelFiltersDebug", func(t *testing.T) {
		resetGlobalLogger()
		buf := setupTestLogger(config.LoggerConfig{Level: "info", Format: "json"})

		GetLogger().Debug("waiting for css=#a")
		Sync()
		assert.Empty(t, buf.String())
	})

	t.Run("UnknownLevelFallsBackToInfo", func(t *testing.T) {
		resetGlobalLogger()
		buf := setupTestLogger(config.LoggerConfig{Level: "chatty", Format: "json"})

		logger := GetLogger()
		logger.Debug("hidden")
		logger.Info("shown")
		Sync()
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("RotatingFile", func(t *testing.T) {
		resetGlobalLogger()
		path := filepath.Join(t.TempDir(), "deepquery.log")
		buf := setupTestLogger(config.LoggerConfig{
			Level:   "debug",
			Format:  "console",
			LogFile: path,
			MaxSize: 1,
		})

		GetLogger().Error("Resolution failed")
		Sync()

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		var entry map[string]any
		require.NoError(t, json.Unmarshal(bytes.TrimSpace(content), &entry))
		assert.Equal(t, "Resolution failed", entry["msg"])
		assert.Contains(t, buf.String(), "Resolution failed")
	})

	t.Run("OnlyOnce", func(t *testing.T) {
		resetGlobalLogger()
		buf1 := setupTestLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "First"})
		logger1 := GetLogger()

		buf2 := setupTestLogger(config.LoggerConfig{Level: "debug", Format: "console", ServiceName: "Second"})
		logger2 := GetLogger()

		assert.Same(t, logger1, logger2)
		logger2.Info("test message")
		Sync()

		assert.Contains(t, buf1.String(), "First")
		assert.Contains(t, buf1.String(), "test message")
		assert.NotContains(t, buf1.String(), "Second")
		assert.Empty(t, buf2.String())
	})
}

func TestColorizedLevelEncoder(t *testing.T) {
	enc := newColorizedLevelEncoder(config.ColorConfig{Warn: "yellow", Error: "no-such-color"})

	testCases := []struct {
		level zapcore.Level
		want  string
	}{
		{zapcore.WarnLevel, colorYellow + "WARN" + colorReset},
		{zapcore.ErrorLevel, "ERROR"},
		{zapcore.DebugLevel, "DEBUG"},
	}
	for _, tc := range testCases {
		t.Run(tc.level.String(), func(t *testing.T) {
			arr := &levelArray{}
			enc(tc.level, arr)
			assert.Equal(t, []string{tc.want}, arr.values)
		})
	}
}

// levelArray records what a level encoder appends.
type levelArray struct {
	zapcore.PrimitiveArrayEncoder
	values []string
}

func (a *levelArray) AppendString(v string) { a.values = append(a.values, v) }

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug").Level())
	assert.Equal(t, zapcore.WarnLevel, parseLevel("WARN").Level())
	assert.Equal(t, zapcore.InfoLevel, parseLevel("").Level())
	assert.Equal(t, zapcore.InfoLevel, parseLevel("chatty").Level())
}

func TestGetLogger(t *testing.T) {
	t.Run("FallbackBeforeInitialization", func(t *testing.T) {
		resetGlobalLogger()
		require.NotNil(t, GetLogger())
		assert.Nil(t, globalLogger.Load())
	})

	t.Run("GlobalAfterInitialization", func(t *testing.T) {
		resetGlobalLogger()
		setupTestLogger(config.LoggerConfig{Level: "info", ServiceName: "GlobalTest"})
		assert.Same(t, globalLogger.Load(), GetLogger())
	})
}

func TestSyncWithoutLogger(t *testing.T) {
	resetGlobalLogger()
	assert.NotPanics(t, Sync)
}

func TestIsTerminalSyncError(t *testing.T) {
	assert.True(t, isTerminalSyncError(errors.New("sync /dev/stderr: invalid argument")))
	assert.True(t, isTerminalSyncError(errors.New("sync /dev/stderr: inappropriate ioctl for device")))
	assert.False(t, isTerminalSyncError(errors.New("disk full")))
}
