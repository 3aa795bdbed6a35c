// Package logging provides structured logging for the gateway.
//
// It wraps log/slog with a JSON handler so that every event is exactly one
// JSON object per line.  Each record carries a "timestamp" field (ISO-8601
// with millisecond precision, UTC) and a "level" field; everything else is
// caller-supplied.  Call-sites are responsible for never passing tokens or
// raw bodies; the logger does not redact (see common/redact for the helper
// used at the call-sites that handle free-form text).
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// timestampLayout is ISO-8601 with millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// Setup configures the process-wide default logger according to the provided
// level ("debug", "info", "warn", "error") and format ("json" or "text")
// strings.  The gateway runs with format "json" in production; "text" exists
// for local debugging.
func Setup(level, format string) {
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: ParseLevel(level)})
	} else {
		handler = NewHandler(os.Stdout, ParseLevel(level))
	}
	slog.SetDefault(slog.New(handler))
}

// ParseLevel maps a level string to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// NewHandler returns the gateway's JSON handler writing to w.  Records below
// minLevel are dropped.  The handler rewrites the built-in time and level
// attributes to the gateway log schema: "timestamp" as ISO-8601 ms UTC and
// "level" lowercased.
func NewHandler(w io.Writer, minLevel slog.Level) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: minLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return a
			}
			switch a.Key {
			case slog.TimeKey:
				return slog.String("timestamp", a.Value.Time().UTC().Format(timestampLayout))
			case slog.LevelKey:
				lvl, _ := a.Value.Any().(slog.Level)
				return slog.String("level", strings.ToLower(lvl.String()))
			case slog.MessageKey:
				// The event name is carried in the message; rename the key to
				// match the log line schema.
				return slog.String("event", a.Value.String())
			}
			return a
		},
	})
}

// New returns a logger emitting the gateway JSON schema to w.  Tests pass a
// bytes.Buffer; main passes os.Stdout via Setup instead.
func New(w io.Writer, minLevel slog.Level) *slog.Logger {
	return slog.New(NewHandler(w, minLevel))
}

// Event emits a single event record at the given level.  The event name
// becomes the "event" field of the line.
func Event(ctx context.Context, l *slog.Logger, level slog.Level, event string, attrs ...slog.Attr) {
	l.LogAttrs(ctx, level, event, attrs...)
}

// requestMetaKey is the unexported context key for the per-request log record.
type requestMetaKey struct{}

// RequestMeta is the mutable per-request record shared between the access-log
// middleware (which allocates it and emits the final http_request event) and
// the proxy handlers (which fill in target and timing fields as the request
// progresses).
type RequestMeta struct {
	ClientID          string
	TargetID          string
	Protocol          string
	Method            string
	Decision          string
	QueueWaitMs       int64
	UpstreamLatencyMs int64
	HasTimings        bool
}

// WithRequestMeta returns a child context carrying meta.
func WithRequestMeta(ctx context.Context, meta *RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

// RequestMetaFrom extracts the per-request record, or nil if absent.
func RequestMetaFrom(ctx context.Context) *RequestMeta {
	if m, ok := ctx.Value(requestMetaKey{}).(*RequestMeta); ok {
		return m
	}
	return nil
}

// Now returns the current time formatted the way the gateway reports
// timestamps in response bodies (health endpoint, status endpoint).
func Now() string {
	return time.Now().UTC().Format(timestampLayout)
}
