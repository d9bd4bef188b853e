package logging

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/austindbirch/harbor_push/internal/tracing"
)

// level is shared by every logger built with New so SetLevel applies process-wide
var level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	zl      *zap.Logger
}

// Entry accumulates fields for a single log line
type Entry struct {
	zl     *zap.Logger
	fields []zap.Field
}

// New creates a JSON logger for the given service writing to stdout
func New(service string) *Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.Sampling = nil
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder

	zl, err := cfg.Build()
	if err != nil {
		zl = zap.NewNop()
	}
	return NewWithZap(service, zl)
}

// NewWithZap wraps an existing zap logger; used by tests with an observer core
func NewWithZap(service string, zl *zap.Logger) *Logger {
	if zl == nil {
		zl = zap.NewNop()
	}
	if service != "" {
		zl = zl.With(zap.String("service", service))
	}
	return &Logger{service: service, zl: zl}
}

// Service returns the service name attached to every entry
func (l *Logger) Service() string {
	return l.service
}

// Sync flushes buffered log output
func (l *Logger) Sync() error {
	return l.zl.Sync()
}

// SetLevel changes the minimum level for loggers built with New
func SetLevel(lvl string) error {
	if err := level.UnmarshalText([]byte(lvl)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", lvl, err)
	}
	return nil
}

// WithContext creates a log entry carrying the trace id found in ctx
func (l *Logger) WithContext(ctx context.Context) *Entry {
	e := l.Plain()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		e.fields = append(e.fields, zap.String("trace_id", traceID))
	}
	return e
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *Entry {
	return l.Plain().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *Entry {
	return &Entry{zl: l.zl}
}

// WithTraceID sets the trace id
func (e *Entry) WithTraceID(traceID string) *Entry {
	return e.WithField("trace_id", traceID)
}

// WithTask sets the push task id
func (e *Entry) WithTask(taskID string) *Entry {
	return e.WithField("task_id", taskID)
}

// WithKey sets the coalescing key
func (e *Entry) WithKey(key fmt.Stringer) *Entry {
	return e.WithField("key", key.String())
}

// WithShard sets the buffer shard index
func (e *Entry) WithShard(shard int) *Entry {
	e.fields = append(e.fields, zap.Int("shard", shard))
	return e
}

// WithAddr sets the destination address
func (e *Entry) WithAddr(addr string) *Entry {
	return e.WithField("addr", addr)
}

// WithField adds a single field
func (e *Entry) WithField(key string, value any) *Entry {
	e.fields = append(e.fields, zap.Any(key, value))
	return e
}

// WithFields adds multiple fields
func (e *Entry) WithFields(fields map[string]any) *Entry {
	for k, v := range fields {
		e.fields = append(e.fields, zap.Any(k, v))
	}
	return e
}

// WithError adds an error field; nil errors are ignored
func (e *Entry) WithError(err error) *Entry {
	if err != nil {
		e.fields = append(e.fields, zap.Error(err))
	}
	return e
}

func (e *Entry) Debug(message string) { e.zl.Debug(message, e.fields...) }

func (e *Entry) Debugf(format string, args ...any) {
	e.zl.Debug(fmt.Sprintf(format, args...), e.fields...)
}

func (e *Entry) Info(message string) { e.zl.Info(message, e.fields...) }

func (e *Entry) Infof(format string, args ...any) {
	e.zl.Info(fmt.Sprintf(format, args...), e.fields...)
}

func (e *Entry) Warn(message string) { e.zl.Warn(message, e.fields...) }

func (e *Entry) Warnf(format string, args ...any) {
	e.zl.Warn(fmt.Sprintf(format, args...), e.fields...)
}

func (e *Entry) Error(message string) { e.zl.Error(message, e.fields...) }

func (e *Entry) Errorf(format string, args ...any) {
	e.zl.Error(fmt.Sprintf(format, args...), e.fields...)
}

// Fatal logs at fatal level and exits
func (e *Entry) Fatal(message string) { e.zl.Fatal(message, e.fields...) }

// Fatalf logs at fatal level with formatting and exits
func (e *Entry) Fatalf(format string, args ...any) {
	e.zl.Fatal(fmt.Sprintf(format, args...), e.fields...)
}

var defaultLogger = New("harbor-push")

// Default returns the process-wide logger
func Default() *Logger {
	return defaultLogger
}

// WithContext creates a log entry with trace correlation using the default logger
func WithContext(ctx context.Context) *Entry {
	return defaultLogger.WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *Entry {
	return defaultLogger.WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *Entry {
	return defaultLogger.Plain()
}

// SetDefault replaces the default logger
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger = l
	}
}
