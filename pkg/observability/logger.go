package observability

import (
	"log/slog"
	"os"
)

// NewLogger builds the service-wide structured logger. JSON output so the
// log pipeline can index fields without extra parsing.
func NewLogger(serviceName string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(handler).With("service", serviceName)
}
