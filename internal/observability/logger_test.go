// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/classbot/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// lockedBuffer is a goroutine safe sink for the console core.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Sync() error { return nil }

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func initForTest(t *testing.T, cfg config.LoggerConfig) *lockedBuffer {
	t.Helper()
	ResetForTest()
	t.Cleanup(ResetForTest)
	sink := &lockedBuffer{}
	Initialize(cfg, zapcore.Lock(sink))
	return sink
}

func TestInitialize(t *testing.T) {
	t.Run("should initialize console logger with colors", func(t *testing.T) {
		sink := initForTest(t, config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "classbot",
			Colors:      config.ColorConfig{Info: "green"},
		})

		GetLogger().Named("enroll").Info("Cart loaded.")
		Sync()

		output := sink.String()
		assert.Contains(t, output, "INFO")
		assert.Contains(t, output, "Cart loaded.")
		assert.Contains(t, output, "classbot.enroll.")
		assert.Contains(t, output, "\x1b[32m", "info level should be colorized green")
	})

	t.Run("should leave unconfigured levels uncolored", func(t *testing.T) {
		sink := initForTest(t, config.LoggerConfig{Level: "debug", Format: "console"})

		GetLogger().Warn("plain")
		Sync()

		assert.Contains(t, sink.String(), "WARN")
		assert.NotContains(t, sink.String(), "\x1b[")
	})

	t.Run("should initialize json logger", func(t *testing.T) {
		sink := initForTest(t, config.LoggerConfig{
			Level:       "info",
			Format:      "json",
			ServiceName: "classbot",
		})

		GetLogger().Warn("Term not found.", zap.String("term", "winter"))
		Sync()

		var entry map[string]interface{}
		require.NoError(t, jsoniter.Unmarshal([]byte(sink.String()), &entry))
		assert.Equal(t, "warn", entry["level"])
		assert.Equal(t, "classbot", entry["logger"])
		assert.Equal(t, "Term not found.", entry["msg"])
		assert.Equal(t, "winter", entry["term"])
	})

	t.Run("should respect the configured level", func(t *testing.T) {
		sink := initForTest(t, config.LoggerConfig{Level: "warn", Format: "json"})

		GetLogger().Info("hidden")
		Sync()

		assert.Empty(t, sink.String())
	})

	t.Run("should write to a log file if configured", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "classbot.log")
		initForTest(t, config.LoggerConfig{
			Level:   "debug",
			Format:  "console",
			LogFile: logFile,
			MaxSize: 1,
		})

		GetLogger().Error("This should go to the file.")
		Sync()

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "This should go to the file.")
		assert.Contains(t, string(content), `"level":"error"`, "file core is always json")
	})

	t.Run("should only initialize once", func(t *testing.T) {
		initForTest(t, config.LoggerConfig{Level: "info", ServiceName: "first"})
		first := GetLogger()

		Initialize(config.LoggerConfig{Level: "debug", ServiceName: "second"}, zapcore.AddSync(&bytes.Buffer{}))
		second := GetLogger()

		assert.Same(t, first, second)
	})
}

func TestGetLoggerFallback(t *testing.T) {
	ResetForTest()
	logger := GetLogger()
	require.NotNil(t, logger)
	assert.NotPanics(t, func() { logger.Info("fallback works") })
}

func TestSyncWithoutLogger(t *testing.T) {
	ResetForTest()
	assert.NotPanics(t, Sync)
}
