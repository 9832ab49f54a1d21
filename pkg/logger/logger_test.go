package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buhuipao/tuic/pkg/config"
)

func TestInitNilConfigLeavesDefaultLogger(t *testing.T) {
	before := logger()
	Init(nil)
	assert.Same(t, before, logger())
}

func TestInitToFileWritesLogLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuic.log")

	Init(&config.LogConfig{Level: "debug", Format: "json", Output: "file", File: path})
	Info("hello world", "key", "value")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello world")
	assert.Contains(t, string(data), "value")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, -4, int(parseLevel("debug")))
	assert.Equal(t, 0, int(parseLevel("info")))
	assert.Equal(t, 4, int(parseLevel("warn")))
	assert.Equal(t, 8, int(parseLevel("error")))
	assert.Equal(t, 0, int(parseLevel("")))
}

func TestLogFunctionsDoNotPanic(t *testing.T) {
	Init(&config.LogConfig{Level: "debug", Format: "text", Output: "stderr"})
	assert.NotPanics(t, func() {
		Debug("debug msg", "a", 1)
		Info("info msg", "b", 2)
		Warn("warn msg", "c", 3)
		Error("error msg", "d", 4)
	})
}
