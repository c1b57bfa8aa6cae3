package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds request-scoped logging context for sync operations.
type LogContext struct {
	RequestID string    // router-assigned request id
	User      string    // stable user key, once the session is resolved
	Op        string    // sync operation name (meta, chunk, uploadChanges, ...)
	Host      string    // client host identifier
	ClientIP  string    // client IP address (without port)
	StartTime time.Time // for duration calculation
}

// WithContext returns a new context carrying the given LogContext.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a LogContext for a request from the given client IP.
func NewLogContext(clientIP string) *LogContext {
	return &LogContext{
		ClientIP:  clientIP,
		StartTime: time.Now(),
	}
}

// DurationMs returns the duration since StartTime in milliseconds.
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}

// Fields returns the context as alternating key/value pairs suitable for the
// structured logging calls, omitting empty fields.
func (lc *LogContext) Fields() []any {
	if lc == nil {
		return nil
	}
	args := make([]any, 0, 10)
	if lc.RequestID != "" {
		args = append(args, KeyRequestID, lc.RequestID)
	}
	if lc.User != "" {
		args = append(args, KeyUser, lc.User)
	}
	if lc.Op != "" {
		args = append(args, KeyOp, lc.Op)
	}
	if lc.Host != "" {
		args = append(args, KeyHost, lc.Host)
	}
	if lc.ClientIP != "" {
		args = append(args, KeyClientIP, lc.ClientIP)
	}
	return args
}
