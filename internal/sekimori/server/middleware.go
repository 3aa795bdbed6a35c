package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bdobrica/Sekimori/common/reqid"
	"github.com/bdobrica/Sekimori/internal/sekimori/auth"
	"github.com/bdobrica/Sekimori/internal/sekimori/logging"
	"github.com/bdobrica/Sekimori/internal/sekimori/store"
)

// requestID assigns every inbound request a fresh sortable identifier,
// echoed in the X-Request-ID response header and in error bodies.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := reqid.New()
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(reqid.WithRequestID(r.Context(), id)))
	})
}

// identityToMeta copies the authenticated identity into the per-request log
// record.  It sits inside the auth gate so the identity is resolved.
func identityToMeta(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if meta := logging.RequestMetaFrom(r.Context()); meta != nil {
			if info, ok := auth.FromContext(r.Context()); ok {
				meta.ClientID = info.ClientID
			}
		}
		next.ServeHTTP(w, r)
	})
}

// bodyCap bounds how much request body a handler can read.
func (s *Server) bodyCap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// statusWriter captures the status code written by the handler chain.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(status int) {
	sw.status = status
	sw.ResponseWriter.WriteHeader(status)
}

// accessLog emits one http_request line per request and persists a trace row.
// Health probes are neither logged nor traced.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		started := time.Now()
		meta := &logging.RequestMeta{}
		ctx := logging.WithRequestMeta(r.Context(), meta)
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r.WithContext(ctx))

		latency := time.Since(started)
		rid := reqid.FromContext(ctx)

		attrs := []slog.Attr{
			slog.String("request_id", rid),
			slog.String("method", r.Method),
			slog.String("url", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("latency_ms", latency.Milliseconds()),
		}
		if meta.ClientID != "" {
			attrs = append(attrs, slog.String("client_id", meta.ClientID))
		}
		if meta.TargetID != "" {
			attrs = append(attrs, slog.String("target_id", meta.TargetID))
		}
		if meta.Decision != "" {
			attrs = append(attrs, slog.String("decision", meta.Decision))
		}
		if meta.HasTimings {
			attrs = append(attrs,
				slog.Int64("queue_wait_ms", meta.QueueWaitMs),
				slog.Int64("upstream_latency_ms", meta.UpstreamLatencyMs),
			)
		}
		logging.Event(ctx, s.log, slog.LevelInfo, "http_request", attrs...)

		if s.traces != nil {
			s.recordTrace(r, sw.status, rid, meta)
		}
	})
}

// recordTrace persists the request outcome.  Failures are logged, never
// surfaced to the client.
func (s *Server) recordTrace(r *http.Request, status int, rid string, meta *logging.RequestMeta) {
	decision := meta.Decision
	if decision == "" {
		if status < 400 {
			decision = "allow"
		} else {
			decision = "deny"
		}
	}
	clientID := meta.ClientID
	if clientID == "" {
		clientID = auth.AnonymousClientID
	}

	tr := store.Trace{
		RequestID: rid,
		ClientID:  clientID,
		Decision:  decision,
		Status:    status,
	}
	if meta.TargetID != "" {
		tr.TargetID = sql.NullString{String: meta.TargetID, Valid: true}
	}
	switch {
	case strings.HasPrefix(r.URL.Path, "/mcp/"):
		tr.Protocol = sql.NullString{String: "mcp", Valid: true}
	case strings.HasPrefix(r.URL.Path, "/a2a/"):
		tr.Protocol = sql.NullString{String: "a2a", Valid: true}
	}
	if meta.Method != "" {
		tr.Method = sql.NullString{String: meta.Method, Valid: true}
	}
	if meta.HasTimings {
		tr.QueueWaitMs = sql.NullInt64{Int64: meta.QueueWaitMs, Valid: true}
		tr.UpstreamLatencyMs = sql.NullInt64{Int64: meta.UpstreamLatencyMs, Valid: true}
	}
	if code := errorCodeForStatus(status); code != "" {
		tr.ErrorCode = sql.NullString{String: code, Valid: true}
	}

	// Detached context: the client connection may already be gone.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.traces.RecordTrace(ctx, tr); err != nil {
		s.log.Warn("trace write failed", "err", err)
	}
}

// errorCodeForStatus maps an HTTP status to the gateway error code identifier
// stored in the trace row.  The 401 case cannot distinguish UNAUTHORIZED from
// INVALID_TOKEN here; the response body carries the precise one.
func errorCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusTooManyRequests:
		return "TOO_MANY_REQUESTS"
	case http.StatusInternalServerError:
		return "INTERNAL_ERROR"
	case http.StatusBadGateway:
		return "BAD_GATEWAY"
	case http.StatusGatewayTimeout:
		return "GATEWAY_TIMEOUT"
	default:
		return ""
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
