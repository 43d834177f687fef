package arenalloc

import (
	"io"

	"golang.org/x/exp/slog"
)

// LevelTrace is the most verbose level used by allocators in this module, below slog.LevelDebug
const LevelTrace = slog.Level(-8)

// DiscardLogger returns a logger that drops every record. Allocators created without a logger use it.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1 << 10),
	}))
}

// LoggerOrDiscard returns logger, or a DiscardLogger if logger is nil
func LoggerOrDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return DiscardLogger()
	}
	return logger
}
