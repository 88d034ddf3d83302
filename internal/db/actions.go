package db

import (
	"context"
	"errors"
	"strings"
	"time"
)

// AlreadyExecuted reports whether an action with this idempotency key has
// been recorded.
func (d *DB) AlreadyExecuted(ctx context.Context, key string) (bool, error) {
	if d == nil || d.conn == nil {
		return false, errors.New("db not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, errors.New("idempotency key required")
	}
	var exists bool
	err := d.conn.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM action_log WHERE idempotency_key=$1)
	`, key).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// RecordAction stores one executed action. Conflicting keys are ignored so
// a retried record after a partial failure stays idempotent.
func (d *DB) RecordAction(ctx context.Context, key, target, action string, at time.Time) error {
	if d == nil || d.conn == nil {
		return errors.New("db not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("idempotency key required")
	}
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO action_log (idempotency_key, target_id, action, executed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, key, target, action, at)
	return err
}

// CountActionsSince feeds the policy gate's rate limit.
func (d *DB) CountActionsSince(ctx context.Context, since time.Time) (int, error) {
	if d == nil || d.conn == nil {
		return 0, errors.New("db not initialized")
	}
	var count int
	err := d.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM action_log WHERE executed_at >= $1
	`, since).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}
