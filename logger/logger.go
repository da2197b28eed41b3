package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu   sync.Mutex
	Log  = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	sink io.Closer
)

// Init configures the global logger. level is one of debug, info, warn,
// error; sink is "stdout", "stderr" or "file:<path>". Empty values fall
// back to COPARENT_LOG_LEVEL and COPARENT_LOG_SINK.
func Init(level, sinkSpec string) {
	if level == "" {
		level = os.Getenv("COPARENT_LOG_LEVEL")
	}
	if sinkSpec == "" {
		sinkSpec = os.Getenv("COPARENT_LOG_SINK")
	}

	var w io.Writer = os.Stdout
	var closer io.Closer
	switch {
	case sinkSpec == "stderr":
		w = os.Stderr
	case strings.HasPrefix(sinkSpec, "file:"):
		lj := &lumberjack.Logger{
			Filename:   strings.TrimPrefix(sinkSpec, "file:"),
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		w, closer = lj, lj
	}

	mu.Lock()
	defer mu.Unlock()
	if sink != nil {
		_ = sink.Close()
	}
	sink = closer
	Log = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Sync closes the file sink, if any.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	if sink != nil {
		_ = sink.Close()
		sink = nil
	}
}

func current() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return Log
}

// Debug logs with slog-style key/value pairs.
func Debug(msg string, args ...any) { current().Debug(msg, args...) }

// Info logs with slog-style key/value pairs.
func Info(msg string, args ...any) { current().Info(msg, args...) }

// Warn logs with slog-style key/value pairs.
func Warn(msg string, args ...any) { current().Warn(msg, args...) }

// Error logs with slog-style key/value pairs.
func Error(msg string, args ...any) { current().Error(msg, args...) }
