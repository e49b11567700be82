package log

import (
	"io"
	"log/slog"
	"os"
)

const ExecutionIDKey = "flow_execution_id"

func Setup(logLevel, format string) {
	setup(os.Stderr, logLevel, format)
}

func setup(out io.Writer, logLevel, format string) {
	options := &slog.HandlerOptions{
		Level: ParseLevel(logLevel),
	}

	var handler slog.Handler

	switch format {
	case "json":
		handler = slog.NewJSONHandler(out, options)
	default:
		handler = slog.NewTextHandler(out, options)
	}

	slog.SetDefault(slog.New(handler))
}

func ParseLevel(logLevel string) slog.Level {
	switch logLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}

// WithExecution tags every record with the flow execution it belongs to.
func WithExecution(logger *slog.Logger, flowExecutionID string) *slog.Logger {
	return logger.With(ExecutionIDKey, flowExecutionID)
}
