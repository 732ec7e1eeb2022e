package logging

import (
	"log/slog"
	"os"
)

// New builds the process logger at the requested level. Unknown levels fall
// back to info.
func New(level string) *slog.Logger {
	l := slog.LevelInfo

	switch level {
	case "dev", "development", "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn", "warning":
		l = slog.LevelWarn
	case "error", "production", "prod":
		l = slog.LevelError
	}

	return slog.New(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: l,
		}),
	)
}
