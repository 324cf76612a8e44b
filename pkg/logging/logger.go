package logging

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/trace"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// LogLevel represents the log level
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Fields represents structured log fields
type Fields map[string]interface{}

// Logger provides structured logging with context and tracing
type Logger struct {
	base logr.Logger
	name string
}

// NewLogger creates a named logger backed by the controller-runtime root logger
func NewLogger(name string) *Logger {
	return New(log.Log, name)
}

// New creates a named logger on top of an arbitrary logr sink
func New(base logr.Logger, name string) *Logger {
	return &Logger{
		base: base.WithName(name),
		name: name,
	}
}

// Discard returns a logger that drops everything
func Discard() *Logger {
	return &Logger{base: logr.Discard(), name: "discard"}
}

// Logr exposes the underlying logr.Logger
func (l *Logger) Logr() logr.Logger {
	return l.base
}

// WithContext adds trace information from ctx, if any
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := &Logger{
		base: l.base,
		name: l.name,
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		logger.base = logger.base.WithValues(
			"trace_id", span.SpanContext().TraceID().String(),
			"span_id", span.SpanContext().SpanID().String(),
		)
	}

	return logger
}

// WithFields adds structured fields to the logger
func (l *Logger) WithFields(fields Fields) *Logger {
	return &Logger{
		base: l.base.WithValues(flatten(fields)...),
		name: l.name,
	}
}

// WithSession adds lab session context to the logger
func (l *Logger) WithSession(namespace, sessionID, userID string) *Logger {
	return l.WithFields(Fields{
		"namespace":  namespace,
		"session_id": sessionID,
		"user_id":    userID,
	})
}

// WithResource adds Kubernetes resource context to the logger
func (l *Logger) WithResource(kind, namespace, name string) *Logger {
	return l.WithFields(Fields{
		"resource_kind":      kind,
		"resource_namespace": namespace,
		"resource_name":      name,
	})
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields ...Fields) {
	l.logWithFields(DebugLevel, nil, msg, fields...)
}

// Info logs an info message
func (l *Logger) Info(msg string, fields ...Fields) {
	l.logWithFields(InfoLevel, nil, msg, fields...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields ...Fields) {
	l.logWithFields(WarnLevel, nil, msg, fields...)
}

// Error logs an error message
func (l *Logger) Error(err error, msg string, fields ...Fields) {
	l.logWithFields(ErrorLevel, err, msg, fields...)
}

// InfoWithContext logs an info message with trace context
func (l *Logger) InfoWithContext(ctx context.Context, msg string, fields ...Fields) {
	l.WithContext(ctx).Info(msg, fields...)
}

// ErrorWithContext logs an error message with trace context
func (l *Logger) ErrorWithContext(ctx context.Context, err error, msg string, fields ...Fields) {
	l.WithContext(ctx).Error(err, msg, fields...)
}

func (l *Logger) logWithFields(level LogLevel, err error, msg string, fieldsList ...Fields) {
	allFields := make(Fields)
	for _, fields := range fieldsList {
		for k, v := range fields {
			allFields[k] = v
		}
	}
	values := flatten(allFields)

	switch level {
	case DebugLevel:
		l.base.V(1).Info(msg, values...)
	case InfoLevel:
		l.base.Info(msg, values...)
	case WarnLevel:
		l.base.Info(fmt.Sprintf("WARN: %s", msg), values...)
	case ErrorLevel:
		l.base.Error(err, msg, values...)
	}
}

func flatten(fields Fields) []interface{} {
	values := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		values = append(values, k, v)
	}
	return values
}

// OperationLogger times and logs named steps of a larger operation
type OperationLogger struct {
	*Logger
}

// NewOperationLogger wraps l for step logging
func NewOperationLogger(l *Logger) *OperationLogger {
	return &OperationLogger{Logger: l}
}

// LogOperation runs fn and logs its outcome and duration
func (ol *OperationLogger) LogOperation(ctx context.Context, operation string, fn func() error) error {
	start := time.Now()
	logger := ol.WithContext(ctx)
	logger.Debug(fmt.Sprintf("Starting %s", operation))

	err := fn()

	fields := Fields{
		"operation":   operation,
		"duration_ms": time.Since(start).Milliseconds(),
		"success":     err == nil,
	}
	if err != nil {
		logger.Error(err, fmt.Sprintf("Operation %s failed", operation), fields)
	} else {
		logger.Debug(fmt.Sprintf("Operation %s completed", operation), fields)
	}

	return err
}

// Global logger instances for convenience
var (
	LifecycleLogger = NewLogger("lifecycle")
	ClusterLogger   = NewLogger("cluster")
	CircuitLogger   = NewLogger("circuit-breaker")
	APILogger       = NewLogger("api")
)
