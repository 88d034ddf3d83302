package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"guardian/internal/hitl"
	"guardian/internal/plan"
	"guardian/internal/policy"
)

func (d *DB) CreateThread(ctx context.Context, t hitl.Thread) error {
	if d == nil || d.conn == nil {
		return errors.New("db not initialized")
	}
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("thread_id required")
	}
	planJSON, err := json.Marshal(t.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	policyJSON, err := json.Marshal(t.Policy)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	_, err = d.conn.ExecContext(ctx, `
		INSERT INTO threads (thread_id, target_id, state, plan, policy, comment, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, t.TargetID, string(t.State), planJSON, policyJSON, t.Comment, t.CreatedAt, t.UpdatedAt)
	return err
}

func (d *DB) GetThread(ctx context.Context, id string) (hitl.Thread, error) {
	if d == nil || d.conn == nil {
		return hitl.Thread{}, errors.New("db not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return hitl.Thread{}, errors.New("thread_id required")
	}
	row := d.conn.QueryRowContext(ctx, `
		SELECT target_id, state, plan, policy, comment, created_at, updated_at
		FROM threads WHERE thread_id=$1
	`, id)
	t := hitl.Thread{ID: id}
	var state string
	var planJSON, policyJSON []byte
	if err := row.Scan(&t.TargetID, &state, &planJSON, &policyJSON, &t.Comment, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return hitl.Thread{}, hitl.ErrNotFound
		}
		return hitl.Thread{}, err
	}
	t.State = hitl.State(state)
	if len(planJSON) > 0 {
		var p plan.Plan
		if err := json.Unmarshal(planJSON, &p); err != nil {
			return hitl.Thread{}, fmt.Errorf("unmarshal plan: %w", err)
		}
		t.Plan = p
	}
	if len(policyJSON) > 0 {
		var dec policy.Decision
		if err := json.Unmarshal(policyJSON, &dec); err != nil {
			return hitl.Thread{}, fmt.Errorf("unmarshal policy: %w", err)
		}
		t.Policy = dec
	}
	return t, nil
}

func (d *DB) ListThreads(ctx context.Context, limit, offset int) ([]hitl.Thread, error) {
	if d == nil || d.conn == nil {
		return nil, errors.New("db not initialized")
	}
	limit, offset = clampPagination(limit, offset)
	query := `SELECT COALESCE(jsonb_agg(
		jsonb_build_object(
			'id', thread_id,
			'target_id', target_id,
			'state', state,
			'plan', plan,
			'policy', policy,
			'comment', comment,
			'created_at', created_at,
			'updated_at', updated_at
		) ORDER BY created_at DESC
	), '[]'::jsonb)
	FROM (SELECT * FROM threads ORDER BY created_at DESC LIMIT $1 OFFSET $2) AS sub`
	row := d.conn.QueryRowContext(ctx, query, limit, offset)
	var out []byte
	if err := row.Scan(&out); err != nil {
		return nil, err
	}
	var threads []hitl.Thread
	if err := json.Unmarshal(out, &threads); err != nil {
		return nil, fmt.Errorf("unmarshal threads: %w", err)
	}
	return threads, nil
}

// TransitionThread is the compare-and-set behind exactly-once thread
// resolution: the UPDATE only matches when the stored state equals from.
func (d *DB) TransitionThread(ctx context.Context, id string, from, to hitl.State, comment string, at time.Time) (hitl.Thread, error) {
	if d == nil || d.conn == nil {
		return hitl.Thread{}, errors.New("db not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return hitl.Thread{}, errors.New("thread_id required")
	}
	res, err := d.conn.ExecContext(ctx, `
		UPDATE threads
		SET state=$1, comment=COALESCE(NULLIF($2, ''), comment), updated_at=$3
		WHERE thread_id=$4 AND state=$5
	`, string(to), comment, at, id, string(from))
	if err != nil {
		return hitl.Thread{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return hitl.Thread{}, err
	}
	if affected == 0 {
		current, err := d.GetThread(ctx, id)
		if err != nil {
			return hitl.Thread{}, err
		}
		return hitl.Thread{}, fmt.Errorf("%w: state %s", hitl.ErrAlreadyResolved, current.State)
	}
	return d.GetThread(ctx, id)
}
