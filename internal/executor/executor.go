// Package executor carries out approved and auto-approved plan actions
// against the agent runtime, exactly once per idempotency key.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"guardian/internal/logging"
	"guardian/internal/metrics"
	"guardian/internal/plan"
)

// Outcome labels recorded in metrics.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDeduped = "deduped"
)

// ErrTransient marks a failure worth retrying. Anything else is terminal
// for the attempt.
var ErrTransient = errors.New("transient action failure")

// Client performs one action against a target. Implementations must treat
// the idempotency key as the dedupe handle on their side too.
type Client interface {
	Execute(ctx context.Context, action, target, idempotencyKey string) error
}

// Log is the durable action record. It dedupes re-execution after a crash
// and feeds the policy gate's rate limit.
type Log interface {
	AlreadyExecuted(ctx context.Context, key string) (bool, error)
	RecordAction(ctx context.Context, key, target, action string, at time.Time) error
}

const (
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffMax  = 4 * time.Second
)

type Executor struct {
	Client      Client
	Log         Log
	Retries     int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Now         func() time.Time

	sleep func(ctx context.Context, d time.Duration) error
}

func (e *Executor) logger() *slog.Logger {
	return logging.Component("executor")
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Executor) backoff(attempt int) time.Duration {
	base := e.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	max := e.BackoffMax
	if max <= 0 {
		max = defaultBackoffMax
	}
	d := base << attempt
	if d > max || d <= 0 {
		d = max
	}
	return d
}

func (e *Executor) wait(ctx context.Context, d time.Duration) error {
	if e.sleep != nil {
		return e.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute runs the plan's action once. A key already present in the log is
// skipped without touching the client; transient client failures are
// retried with capped backoff.
func (e *Executor) Execute(ctx context.Context, p plan.Plan, key string) error {
	if e.Client == nil || e.Log == nil {
		return errors.New("executor not configured")
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	log := e.logger().With("target", p.Target, "action", p.Action, "key", key)

	done, err := e.Log.AlreadyExecuted(ctx, key)
	if err != nil {
		return fmt.Errorf("action log: %w", err)
	}
	if done {
		log.Info("action already executed, skipping")
		metrics.ActionsTotal.WithLabelValues(OutcomeDeduped).Inc()
		return nil
	}

	// Zero retries means one attempt, matching the probe and planner
	// clients.
	retries := e.Retries
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		lastErr = e.Client.Execute(ctx, p.Action, p.Target, key)
		if lastErr == nil {
			break
		}
		if !errors.Is(lastErr, ErrTransient) || attempt == retries {
			metrics.ActionsTotal.WithLabelValues(OutcomeFailure).Inc()
			return fmt.Errorf("execute %s on %s: %w", p.Action, p.Target, lastErr)
		}
		log.Warn("action attempt failed, retrying", "attempt", attempt+1, "error", lastErr)
		if err := e.wait(ctx, e.backoff(attempt)); err != nil {
			return err
		}
	}

	if err := e.Log.RecordAction(ctx, key, p.Target, p.Action, e.now()); err != nil {
		// The action ran; a record failure must not look like an action
		// failure to the caller, but it does break future dedupe.
		log.Error("action executed but not recorded", "error", err)
	}
	metrics.ActionsTotal.WithLabelValues(OutcomeSuccess).Inc()
	log.Info("action executed")
	return nil
}
