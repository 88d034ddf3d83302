package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// GetFailureCount returns the stored consecutive failure count for a
// target, zero when the target has never been probed.
func (d *DB) GetFailureCount(ctx context.Context, targetID string) (int, error) {
	if d == nil || d.conn == nil {
		return 0, errors.New("db not initialized")
	}
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return 0, errors.New("target_id required")
	}
	row := d.conn.QueryRowContext(ctx, `SELECT failures FROM probe_state WHERE target_id=$1`, targetID)
	var failures int
	if err := row.Scan(&failures); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return failures, nil
}

func (d *DB) SetFailureCount(ctx context.Context, targetID string, count int) error {
	if d == nil || d.conn == nil {
		return errors.New("db not initialized")
	}
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return errors.New("target_id required")
	}
	if count < 0 {
		count = 0
	}
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO probe_state (target_id, failures, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (target_id) DO UPDATE SET failures=$2, updated_at=now()
	`, targetID, count)
	return err
}
