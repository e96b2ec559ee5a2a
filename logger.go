package mnemo

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with graph-engine specific helpers so call
// sites log consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// LogLearn logs a learn operation.
func (l *Logger) LogLearn(ctx context.Context, id string, dimension int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "learn failed",
			"id", id,
			"dimension", dimension,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "learn completed",
			"id", id,
			"dimension", dimension,
		)
	}
}

// LogEdge logs an association upsert.
func (l *Logger) LogEdge(ctx context.Context, source, target string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "add edge failed",
			"source", source,
			"target", target,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "add edge completed",
			"source", source,
			"target", target,
		)
	}
}

// LogSearch logs a vector search operation.
func (l *Logger) LogSearch(ctx context.Context, k, resultsFound int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"k", k,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"k", k,
			"results", resultsFound,
		)
	}
}

// LogDelete logs a concept delete.
func (l *Logger) LogDelete(ctx context.Context, id string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed",
			"id", id,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "delete completed",
			"id", id,
		)
	}
}

// LogReinforce logs a strength adjustment.
func (l *Logger) LogReinforce(ctx context.Context, id string, delta float64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "reinforce failed",
			"id", id,
			"delta", delta,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "reinforce completed",
			"id", id,
			"delta", delta,
		)
	}
}

// LogDecay logs a global decay sweep.
func (l *Logger) LogDecay(ctx context.Context, factor, floor float64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "decay failed",
			"factor", factor,
			"floor", floor,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "decay completed",
			"factor", factor,
			"floor", floor,
		)
	}
}
