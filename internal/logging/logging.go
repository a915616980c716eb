// Package logging configures the process-wide slog loggers.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

const (
	LevelTrace = slog.Level(-8)
	LevelFatal = slog.Level(12)
)

// Add trace and fatal level names.
var levelNames = map[slog.Leveler]string{
	LevelTrace: "TRACE",
	LevelFatal: "FATAL",
}

// Format selects the handler used for output.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Config describes the logger setup.
type Config struct {
	Level  slog.Level
	Format Format
	Output io.Writer // defaults to os.Stdout
}

var (
	mu               sync.RWMutex
	structuredLogger *slog.Logger
	level            = new(slog.LevelVar)
)

func replaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		lvl, ok := a.Value.Any().(slog.Level)
		if !ok {
			return a
		}
		label, exists := levelNames[lvl]
		if !exists {
			label = lvl.String()
		}
		a.Value = slog.StringValue(label)
	}
	return a
}

// Init installs the structured logger and makes it the slog default.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	level.Set(cfg.Level)

	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: replaceLevel}
	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	mu.Lock()
	structuredLogger = slog.New(handler)
	mu.Unlock()
	slog.SetDefault(structuredLogger)
}

// SetLevel changes the minimum level of the installed logger at runtime.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// Level returns the current minimum level.
func Level() slog.Level {
	return level.Level()
}

// ParseLevel maps a config string to a level. Unknown names map to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "fatal":
		return LevelFatal
	default:
		return slog.LevelInfo
	}
}

// Structured returns the configured logger, or nil if Init() has not been called.
func Structured() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return structuredLogger
}

// ForService creates a logger with the 'service' attribute added.
// Returns nil if Init() has not been called.
func ForService(serviceName string) *slog.Logger {
	l := Structured()
	if l == nil {
		return nil
	}
	return l.With("service", serviceName)
}

// Trace logs a trace message using the custom Trace level.
func Trace(logger *slog.Logger, msg string, args ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Log(context.Background(), LevelTrace, msg, args...)
}
