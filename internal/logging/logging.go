// Package logging wraps logrus with request-scoped context fields.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextKey string

const (
	// TraceIDKey carries the per-request trace identifier.
	TraceIDKey contextKey = "trace_id"
	// UserIDKey carries the authenticated user identifier.
	UserIDKey contextKey = "user_id"
)

// Config controls log output.
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr"
}

// Logger is the application logger.
type Logger struct {
	*logrus.Logger
	component string
}

// New builds a logger from configuration.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.ToLower(cfg.Format) == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	var out io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		out = os.Stderr
	default:
		out = os.Stdout
	}
	l.SetOutput(out)

	return &Logger{Logger: l}
}

// NewDefault returns an info-level JSON logger tagged with a component name.
func NewDefault(component string) *Logger {
	l := New(Config{Level: "info"})
	l.component = component
	return l
}

// WithContext returns an entry enriched with trace and user fields from ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	fields := logrus.Fields{}
	if l.component != "" {
		fields["component"] = l.component
	}
	if id := GetTraceID(ctx); id != "" {
		fields["trace_id"] = id
	}
	if id := GetUserID(ctx); id != "" {
		fields["user_id"] = id
	}
	return l.Logger.WithFields(fields)
}

// LogSecurityEvent records an auth/rate-limit relevant event at warn level.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, fields map[string]interface{}) {
	entry := l.WithContext(ctx).WithField("security_event", event)
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	entry.Warn("security event")
}

// LogRequest records one handled HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	}).Info("request handled")
}

// NewTraceID returns a fresh request trace identifier.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID stores a trace id on the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithUserID stores the authenticated user id on the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetTraceID returns the trace id stored on ctx, if any.
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

// GetUserID returns the authenticated user id stored on ctx, if any.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return ""
}
