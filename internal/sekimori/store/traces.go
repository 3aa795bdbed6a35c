package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Trace is the persisted record of one proxied request.
type Trace struct {
	ID        string
	RequestID string
	Timestamp time.Time
	ClientID  string
	TargetID  sql.NullString
	Protocol  sql.NullString
	Method    sql.NullString
	// Decision is "allow" or "deny".
	Decision string
	// Status is the HTTP status returned to the client.
	Status            int
	QueueWaitMs       sql.NullInt64
	UpstreamLatencyMs sql.NullInt64
	ErrorCode         sql.NullString
}

// RecordTrace inserts one trace row.  A zero ID or Timestamp is filled in.
func (s *Store) RecordTrace(ctx context.Context, tr Trace) error {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	if tr.Timestamp.IsZero() {
		tr.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_traces
			(id, request_id, ts, client_id, target_id, protocol, method, decision, status, queue_wait_ms, upstream_latency_ms, error_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tr.ID, tr.RequestID, tr.Timestamp, tr.ClientID, tr.TargetID, tr.Protocol, tr.Method,
		tr.Decision, tr.Status, tr.QueueWaitMs, tr.UpstreamLatencyMs, tr.ErrorCode)
	if err != nil {
		return fmt.Errorf("write request trace: %w", err)
	}
	return nil
}

// RecentTraces returns the newest traces, most recent first.
func (s *Store) RecentTraces(ctx context.Context, limit int) ([]Trace, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, ts, client_id, target_id, protocol, method, decision, status, queue_wait_ms, upstream_latency_ms, error_code
		FROM request_traces
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query request traces: %w", err)
	}
	defer rows.Close()

	var out []Trace
	for rows.Next() {
		var tr Trace
		if err := rows.Scan(&tr.ID, &tr.RequestID, &tr.Timestamp, &tr.ClientID, &tr.TargetID,
			&tr.Protocol, &tr.Method, &tr.Decision, &tr.Status,
			&tr.QueueWaitMs, &tr.UpstreamLatencyMs, &tr.ErrorCode); err != nil {
			return nil, fmt.Errorf("scan request trace: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// CountTraces returns the total number of stored traces.
func (s *Store) CountTraces(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM request_traces").Scan(&n); err != nil {
		return 0, fmt.Errorf("count request traces: %w", err)
	}
	return n, nil
}
