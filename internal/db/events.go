package db

import (
	"context"
	"errors"
	"strings"

	"guardian/internal/audit"
)

// AppendEvent makes *DB an audit sink.
func (d *DB) AppendEvent(ctx context.Context, ev audit.Event) error {
	if d == nil || d.conn == nil {
		return errors.New("db not initialized")
	}
	if strings.TrimSpace(ev.ID) == "" {
		return errors.New("event_id required")
	}
	var payload []byte
	if len(ev.Payload) > 0 {
		payload = []byte(ev.Payload)
	}
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO audit_events (event_id, type, target_id, thread_id, payload, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.ID, ev.Type, ev.TargetID, ev.ThreadID, payload, ev.At)
	return err
}

// ListEvents returns events for one thread in recorded order.
func (d *DB) ListEvents(ctx context.Context, threadID string, limit int) ([]byte, error) {
	if d == nil || d.conn == nil {
		return nil, errors.New("db not initialized")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("thread_id required")
	}
	limit, _ = clampPagination(limit, 0)
	query := `SELECT COALESCE(jsonb_agg(
		jsonb_build_object(
			'id', event_id,
			'type', type,
			'target_id', target_id,
			'thread_id', thread_id,
			'payload', payload,
			'at', recorded_at
		) ORDER BY recorded_at ASC
	), '[]'::jsonb)
	FROM (SELECT * FROM audit_events WHERE thread_id=$1 ORDER BY recorded_at ASC LIMIT $2) AS sub`
	row := d.conn.QueryRowContext(ctx, query, threadID, limit)
	var out []byte
	if err := row.Scan(&out); err != nil {
		return nil, err
	}
	return out, nil
}
