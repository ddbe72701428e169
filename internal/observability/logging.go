package observability

import (
	"log/slog"
	"os"

	"github.com/gatehouse/gatehouse/internal/config"
)

// Level maps a config.LogLevel to its slog.Level. Unknown or empty values
// fall back to Info.
func Level(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelInfo, "":
		return slog.LevelInfo
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger using Go's log/slog.
func NewLogger(level config.LogLevel, format config.LogFormat) *slog.Logger {
	logger, _ := NewLeveledLogger(level, format)
	return logger
}

// NewLeveledLogger creates a structured logger whose minimum level can be
// adjusted at runtime through the returned LevelVar. Config hot-reload uses
// this to change verbosity without rebuilding handlers.
func NewLeveledLogger(level config.LogLevel, format config.LogFormat) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(Level(level))

	opts := &slog.HandlerOptions{Level: lv}

	var handler slog.Handler
	if format == config.LogFormatText {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), lv
}
