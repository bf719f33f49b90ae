package logging

import (
	"log/slog"
	"os"
)

// New creates the process logger. JSON output keeps the add-on log readable
// by the supervisor's log collector.
func New(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
