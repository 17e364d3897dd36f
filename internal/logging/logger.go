// Package logging provides structured logging with trace ID support for
// the supervisor core and its external collaborators.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys.
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID.
	TraceIDKey ContextKey = "trace_id"
	// SessionKey is the context key for the owning session tag (§3 Event.session).
	SessionKey ContextKey = "session"
	// JobKey is the context key for the job class name.
	JobKey ContextKey = "job"
	// InstanceKey is the context key for the expanded instance name.
	InstanceKey ContextKey = "instance"
	// ServiceKey is the context key for service name.
	ServiceKey ContextKey = "service"
)

// Logger wraps logrus.Logger with additional functionality.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a new Logger instance.
func New(service, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{
		Logger:  logger,
		service: service,
	}
}

// NewFromEnv constructs a logger using LOG_LEVEL and LOG_FORMAT environment
// variables. Defaults to "info" and "json" when unset.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// WithContext creates a new logger entry with context values.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)

	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if session := ctx.Value(SessionKey); session != nil {
		entry = entry.WithField("session", session)
	}
	if job := ctx.Value(JobKey); job != nil {
		entry = entry.WithField("job", job)
	}
	if instance := ctx.Value(InstanceKey); instance != nil {
		entry = entry.WithField("instance", instance)
	}

	return entry
}

// WithTraceID creates a new logger entry with trace ID.
func (l *Logger) WithTraceID(traceID string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service":  l.service,
		"trace_id": traceID,
	})
}

// WithJob creates a new logger entry scoped to a job class/instance pair.
func (l *Logger) WithJob(class, instance string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service":  l.service,
		"job":      class,
		"instance": instance,
	})
}

// WithFields creates a new logger entry with custom fields.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["service"] = l.service
	return l.Logger.WithFields(fields)
}

// WithError creates a new logger entry with error.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service": l.service,
		"error":   err.Error(),
	})
}

// SetOutput sets the logger output.
func (l *Logger) SetOutput(output io.Writer) {
	l.Logger.SetOutput(output)
}

// Context helper functions

// NewTraceID generates a new trace ID.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID retrieves the trace ID from context.
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// WithSession adds the owning session tag to the context.
func WithSession(ctx context.Context, session string) context.Context {
	return context.WithValue(ctx, SessionKey, session)
}

// GetSession retrieves the session tag from context.
func GetSession(ctx context.Context) string {
	if session, ok := ctx.Value(SessionKey).(string); ok {
		return session
	}
	return ""
}

// WithJob adds the job class/instance pair to the context.
func WithJob(ctx context.Context, class, instance string) context.Context {
	ctx = context.WithValue(ctx, JobKey, class)
	return context.WithValue(ctx, InstanceKey, instance)
}

// WithService adds a service name to the context.
func WithService(ctx context.Context, service string) context.Context {
	return context.WithValue(ctx, ServiceKey, service)
}

// GetService retrieves the service name from context.
func GetService(ctx context.Context) string {
	if serviceName, ok := ctx.Value(ServiceKey).(string); ok {
		return serviceName
	}
	return ""
}

// Structured logging helpers

// LogTransition logs a job state transition. One line per transition,
// matching change_state's own tracing discipline.
func (l *Logger) LogTransition(ctx context.Context, class, instance, from, to, goal string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"job":      class,
		"instance": instance,
		"from":     from,
		"to":       to,
		"goal":     goal,
	}).Info("job state transition")
}

// LogEvent logs an event's progress change.
func (l *Logger) LogEvent(ctx context.Context, name string, progress string, failed bool) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"event":    name,
		"progress": progress,
		"failed":   failed,
	}).Debug("event progress")
}

// LogSpawn logs a spawn attempt for a job process.
func (l *Logger) LogSpawn(ctx context.Context, class, instance, processType string, pid int, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"job":      class,
		"instance": instance,
		"process":  processType,
		"pid":      pid,
	})
	if err != nil {
		entry.WithError(err).Error("spawn failed")
	} else {
		entry.Info("spawned")
	}
}

// LogReap logs a reaped child exit.
func (l *Logger) LogReap(ctx context.Context, pid int, exitStatus int, signaled bool) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"pid":         pid,
		"exit_status": exitStatus,
		"signaled":    signaled,
	}).Info("reaped child")
}

// LogRequest logs one HTTP request against the control surface.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"method":   method,
		"path":     path,
		"status":   status,
		"duration": FormatDuration(duration),
	}).Info("http request")
}

// LogAudit logs an audit event against the control RPC surface.
func (l *Logger) LogAudit(ctx context.Context, action, target, result string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"action": action,
		"target": target,
		"result": result,
		"audit":  true,
	}).Info("control audit")
}

// Development helpers

// Debug logs a debug message.
func (l *Logger) Debug(ctx context.Context, message string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).Debug(message)
}

// Info logs an info message.
func (l *Logger) Info(ctx context.Context, message string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).Info(message)
}

// Warn logs a warning message.
func (l *Logger) Warn(ctx context.Context, message string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).Warn(message)
}

// Error logs an error message.
func (l *Logger) Error(ctx context.Context, message string, err error, fields map[string]interface{}) {
	entry := l.WithContext(ctx)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.WithFields(fields).Error(message)
}

// Fatal logs a fatal error and exits.
func (l *Logger) Fatal(ctx context.Context, message string, err error) {
	l.WithContext(ctx).WithError(err).Fatal(message)
}

// Global logger instance (initialized once at startup).
var defaultLogger *Logger

// InitDefault initializes the default logger.
func InitDefault(service, level, format string) {
	defaultLogger = New(service, level, format)
}

// Default returns the default logger.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("jobd", "info", "json")
	}
	return defaultLogger
}

// FormatDuration formats a duration in milliseconds, for log fields that
// want a human string rather than a raw number.
func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d.Nanoseconds())/1e6)
}
