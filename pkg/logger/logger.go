// Package logger provides the process-wide structured logger used by both
// binaries. Call Init once at startup, then use the package-level
// Debug/Info/Warn/Error functions with alternating key/value pairs.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/buhuipao/tuic/pkg/config"
)

var global atomic.Pointer[slog.Logger]

func init() {
	global.Store(slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

// Init configures the process-wide logger from cfg. Output of "file" sends
// records through a rotating writer (lumberjack); anything else goes to
// stdout or stderr.
func Init(cfg *config.LogConfig) {
	if cfg == nil {
		return
	}

	handlerOpts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var w io.Writer
	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	case "file":
		w = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
	default:
		w = os.Stderr
	}

	global.Store(slog.New(newHandler(cfg.Format, w, handlerOpts)))
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func logger() *slog.Logger {
	return global.Load()
}

// Debug logs at debug level with alternating key/value pairs.
func Debug(msg string, kv ...any) { logger().Log(context.Background(), slog.LevelDebug, msg, kv...) }

// Info logs at info level with alternating key/value pairs.
func Info(msg string, kv ...any) { logger().Log(context.Background(), slog.LevelInfo, msg, kv...) }

// Warn logs at warn level with alternating key/value pairs.
func Warn(msg string, kv ...any) { logger().Log(context.Background(), slog.LevelWarn, msg, kv...) }

// Error logs at error level with alternating key/value pairs.
func Error(msg string, kv ...any) { logger().Log(context.Background(), slog.LevelError, msg, kv...) }
