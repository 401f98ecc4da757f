// Package logger provides support for initializing the log system.
package logger

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
)

// TraceIDFn represents a function that can return the trace id from
// the specified context.
type TraceIDFn func(ctx context.Context) string

// Logger represents a logger for logging information.
type Logger struct {
	handler   slog.Handler
	traceIDFn TraceIDFn
}

// New constructs a new log for application use. Records are written as JSON
// to w and mirrored to the OpenTelemetry log bridge under serviceName.
func New(w io.Writer, minLevel Level, serviceName string, traceIDFn TraceIDFn) *Logger {
	jsonHandler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: true,
		Level:     slog.Level(minLevel),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				if source, ok := a.Value.Any().(*slog.Source); ok {
					v := fmt.Sprintf("%s:%d", filepath.Base(source.File), source.Line)
					return slog.Attr{Key: "file", Value: slog.StringValue(v)}
				}
			}
			return a
		},
	})

	otelHandler := otelslog.NewHandler(serviceName, otelslog.WithSource(true))

	var handler slog.Handler = &MultiHandler{handlers: []slog.Handler{jsonHandler, otelHandler}}
	handler = handler.WithAttrs([]slog.Attr{
		{Key: "service", Value: slog.StringValue(serviceName)},
	})

	return &Logger{handler: handler, traceIDFn: traceIDFn}
}

// NewWithHandler returns a new log for application use with the underlying
// handler.
func NewWithHandler(h slog.Handler) *Logger { return &Logger{handler: h} }

// NewStdLogger returns a standard library Logger that wraps the slog Logger.
func NewStdLogger(logger *Logger, level Level) *log.Logger {
	return slog.NewLogLogger(logger.handler, slog.Level(level))
}

// Noop returns a no-op logger.
func Noop() *Logger { return &Logger{handler: slog.NewJSONHandler(io.Discard, nil)} }

// Debug logs at LevelDebug with the given context.
func (log *Logger) Debug(ctx context.Context, msg string, args ...any) {
	log.write(ctx, LevelDebug, 3, msg, args...)
}

// Info logs at LevelInfo with the given context.
func (log *Logger) Info(ctx context.Context, msg string, args ...any) {
	log.write(ctx, LevelInfo, 3, msg, args...)
}

// Warn logs at LevelWarn with the given context.
func (log *Logger) Warn(ctx context.Context, msg string, args ...any) {
	log.write(ctx, LevelWarn, 3, msg, args...)
}

// Error logs at LevelError with the given context.
func (log *Logger) Error(ctx context.Context, msg string, args ...any) {
	log.write(ctx, LevelError, 3, msg, args...)
}

func (log *Logger) write(ctx context.Context, level Level, caller int, msg string, args ...any) {
	slogLevel := slog.Level(level)

	if !log.handler.Enabled(ctx, slogLevel) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(caller, pcs[:])

	r := slog.NewRecord(time.Now(), slogLevel, msg, pcs[0])

	if log.traceIDFn != nil {
		args = append(args, "trace_id", log.traceIDFn(ctx))
	}
	r.Add(args...)

	log.handler.Handle(ctx, r)
}

// With returns a new Logger with the given attributes added to the handler.
func (log *Logger) With(keyvals ...any) *Logger {
	attrs := make([]slog.Attr, 0, len(keyvals)/2)
	for i := 0; i < len(keyvals); i += 2 {
		if i+1 >= len(keyvals) {
			break
		}

		// Keys must be strings.
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}

		attrs = append(attrs, slog.Any(key, keyvals[i+1]))
	}

	return &Logger{
		handler:   log.handler.WithAttrs(attrs),
		traceIDFn: log.traceIDFn,
	}
}

// MultiHandler implements slog.Handler to write to multiple handlers.
type MultiHandler struct {
	handlers []slog.Handler
}

func (h *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if err := handler.Handle(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (h *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &MultiHandler{handlers: handlers}
}

func (h *MultiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &MultiHandler{handlers: handlers}
}

// LoggerContext provides a way to maintain mutable logging context.
type LoggerContext struct {
	baseLogger *Logger
	attrs      []slog.Attr
	mu         sync.RWMutex
}

// NewLoggerContext creates a new logger context wrapper.
func NewLoggerContext(logger *Logger) *LoggerContext {
	return &LoggerContext{baseLogger: logger}
}

// Add adds new attributes to the logging context.
func (lc *LoggerContext) Add(keyvals ...any) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	for i := 0; i < len(keyvals); i += 2 {
		if i+1 >= len(keyvals) {
			break
		}

		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}

		lc.attrs = append(lc.attrs, slog.Any(key, keyvals[i+1]))
	}
}

// getCombinedArgs combines context attributes with provided args.
func (lc *LoggerContext) getCombinedArgs(args ...any) []any {
	lc.mu.RLock()
	combinedArgs := make([]any, 0, len(args)+len(lc.attrs)*2)
	for _, attr := range lc.attrs {
		combinedArgs = append(combinedArgs, attr.Key, attr.Value.Any())
	}
	combinedArgs = append(combinedArgs, args...)
	lc.mu.RUnlock()
	return combinedArgs
}

// Debug logs at LevelDebug with the combined static and dynamic context.
func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.baseLogger.Debug(ctx, msg, lc.getCombinedArgs(args...)...)
}

// Info logs at LevelInfo with the combined static and dynamic context.
func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.baseLogger.Info(ctx, msg, lc.getCombinedArgs(args...)...)
}

// Warn logs at LevelWarn with the combined static and dynamic context.
func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.baseLogger.Warn(ctx, msg, lc.getCombinedArgs(args...)...)
}

// Error logs at LevelError with the combined static and dynamic context.
func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.baseLogger.Error(ctx, msg, lc.getCombinedArgs(args...)...)
}
