// Package logging provides structured, leveled logging backed by zerolog,
// carried through context.Context so every component logs with the same
// request-scoped fields without threading a logger argument everywhere.
package logging

import (
	"context"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey int

const (
	// UserIDKey is the context key authenticated middleware stores the
	// caller's user id under.
	UserIDKey contextKey = iota
	// RoleKey is the context key for an authenticated caller's role.
	RoleKey
	traceIDKey
	loggerKey
)

// Logger wraps a zerolog.Logger with the fluent helpers the rest of the
// module expects at its call sites.
type Logger struct {
	z zerolog.Logger
}

// New builds a Logger writing structured JSON to w at the given level.
// level accepts zerolog level strings ("debug", "info", "warn", "error").
func New(w io.Writer, level string) *Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	z := zerolog.New(w).With().Timestamp().Logger()
	return &Logger{z: z}
}

// Default builds a Logger writing to stderr at info level, for processes
// that have not loaded Config yet (e.g. before flag parsing fails).
func Default() *Logger {
	return New(os.Stderr, "info")
}

// WithContext returns a Logger enriched with any trace/user/role fields
// found in ctx, matching the auth middleware's call-site usage.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	zc := l.z.With()
	if tid := GetTraceID(ctx); tid != "" {
		zc = zc.Str("trace_id", tid)
	}
	if uid := GetUserID(ctx); uid != "" {
		zc = zc.Str("user_id", uid)
	}
	if role := GetRole(ctx); role != "" {
		zc = zc.Str("role", role)
	}
	return &Logger{z: zc.Logger()}
}

// WithFields attaches arbitrary structured fields to the next log line.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	zc := l.z.With()
	for k, v := range fields {
		zc = zc.Interface(k, v)
	}
	return &Logger{z: zc.Logger()}
}

// WithError attaches an error field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{z: l.z.With().Err(err).Logger()}
}

func (l *Logger) Debug(msg string) { l.z.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.z.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.z.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.z.Error().Msg(msg) }

// LogSecurityEvent records an auth/rate-limit relevant event with a fixed
// "security_event" field so these lines are easy to grep or alert on.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, fields map[string]interface{}) {
	log := l.WithContext(ctx).WithFields(fields)
	log.z.Warn().Str("security_event", event).Msg(event)
}

// WithTraceID returns a derived context carrying traceID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return context.WithValue(ctx, traceIDKey, traceID)
}

// GetTraceID returns the trace id stored in ctx, or "" if absent.
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

// GetUserID returns the authenticated user id stored in ctx, or "".
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

// GetRole returns the authenticated role stored in ctx, or "".
func GetRole(ctx context.Context) string {
	v, _ := ctx.Value(RoleKey).(string)
	return v
}

// WithLogger stores l itself in ctx so downstream code that only has a
// context can still retrieve the process-wide logger via FromContext.
func WithLogger(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext returns the Logger stashed by WithLogger, or Default().
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok && l != nil {
		return l
	}
	return Default()
}
