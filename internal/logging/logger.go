// Package logging provides structured logging with request-scoped context,
// adapted from the teacher's logrus-based logger (infrastructure/logging).
package logging

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys carried through request-scoped
// logging fields.
type ContextKey string

const (
	TraceIDKey    ContextKey = "trace_id"
	DatabaseIDKey ContextKey = "database_id"
	NodeIDKey     ContextKey = "node_id"
)

// Logger wraps logrus.Logger with a fixed "component" field.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a Logger for component at the given level ("debug", "info",
// "warn", "error") and format ("json" or "text").
func New(component, level, format string) *Logger {
	l := logrus.New()

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)

	if format == "text" {
		l.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}
	l.SetOutput(os.Stdout)

	return &Logger{Logger: l, component: component}
}

// NewFromEnv builds a logger using LOG_LEVEL/LOG_FORMAT, defaulting to
// info/json when unset.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithContext returns a logrus entry carrying trace/database/node fields
// pulled out of ctx, plus the logger's fixed component field.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	if v := ctx.Value(TraceIDKey); v != nil {
		entry = entry.WithField("trace_id", v)
	}
	if v := ctx.Value(DatabaseIDKey); v != nil {
		entry = entry.WithField("database_id", v)
	}
	if v := ctx.Value(NodeIDKey); v != nil {
		entry = entry.WithField("node_id", v)
	}
	return entry
}

// WithDatabase attaches a database id to ctx for downstream logging calls.
func WithDatabase(ctx context.Context, databaseID string) context.Context {
	return context.WithValue(ctx, DatabaseIDKey, databaseID)
}

// WithTraceID attaches a trace id to ctx for downstream logging calls.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// NewTraceID generates a fresh trace id for requests that arrive without
// one.
func NewTraceID() string {
	return uuid.NewString()
}

// LogRequest emits a single structured line summarizing a completed HTTP
// request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status":      statusCode,
		"duration_ms": duration.Milliseconds(),
	})
	switch {
	case statusCode >= http.StatusInternalServerError:
		entry.Error("request completed")
	case statusCode >= http.StatusBadRequest:
		entry.Warn("request completed")
	default:
		entry.Info("request completed")
	}
}
