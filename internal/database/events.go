package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jroosing/hydrarelay/internal/events"
)

// StoredEvent is one persisted failover event.
type StoredEvent struct {
	ID             int64     `json:"id"`
	EventType      string    `json:"event"`
	ServiceName    string    `json:"service"`
	BackendHost    string    `json:"backend_host,omitempty"`
	BackendPort    int       `json:"backend_port,omitempty"`
	BackendIP      string    `json:"backend_ip,omitempty"`
	FailureCount   int       `json:"failure_count"`
	AvailableCount int       `json:"available_count"`
	TotalCount     int       `json:"total_count"`
	OccurredAt     time.Time `json:"timestamp"`
}

// RecordEvent persists one pool event.
func (db *DB) RecordEvent(ctx context.Context, ev events.Event) error {
	var host, ip sql.NullString
	var port sql.NullInt64
	if ev.Backend != nil {
		host = sql.NullString{String: ev.Backend.Host, Valid: true}
		port = sql.NullInt64{Int64: int64(ev.Backend.Port), Valid: true}
		if ev.Backend.IP != "" {
			ip = sql.NullString{String: ev.Backend.IP, Valid: true}
		}
	}

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO relay_events
			(event_type, service_name, backend_host, backend_port, backend_ip,
			 failure_count, available_count, total_count, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(ev.Type), ev.ServiceName, host, port, ip,
		ev.FailureCount, ev.AvailableCount, ev.TotalCount,
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// ListEvents returns the most recent events, newest first. A non-empty
// service filters by service name; limit caps the result (default 100).
func (db *DB) ListEvents(ctx context.Context, service string, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, event_type, service_name, backend_host, backend_port, backend_ip,
		       failure_count, available_count, total_count, occurred_at
		FROM relay_events
	`
	args := []any{}
	if service != "" {
		query += " WHERE service_name = ?"
		args = append(args, service)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		var host, ip sql.NullString
		var port sql.NullInt64
		var occurred string

		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.ServiceName, &host, &port, &ip,
			&ev.FailureCount, &ev.AvailableCount, &ev.TotalCount, &occurred); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.BackendHost = host.String
		ev.BackendPort = int(port.Int64)
		ev.BackendIP = ip.String
		if ts, err := time.Parse(time.RFC3339Nano, occurred); err == nil {
			ev.OccurredAt = ts
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PruneEvents deletes events older than the retention period and returns how
// many were removed.
func (db *DB) PruneEvents(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)
	res, err := db.conn.ExecContext(ctx,
		"DELETE FROM relay_events WHERE occurred_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}
