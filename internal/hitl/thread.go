// Package hitl holds the human-in-the-loop thread state machine. A thread
// is created for every plan the policy gate lets past rejection; paused
// threads wait for an operator decision, and a decision is applied exactly
// once.
package hitl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"guardian/internal/metrics"
	"guardian/internal/plan"
	"guardian/internal/policy"
)

type State string

const (
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateApproved  State = "approved"
	StateRejected  State = "rejected"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

var (
	ErrNotFound        = errors.New("thread not found")
	ErrAlreadyResolved = errors.New("thread already resolved")
	ErrInvalidDecision = errors.New("invalid decision")
)

// Thread tracks one plan from gate verdict to completion.
type Thread struct {
	ID        string          `json:"id"`
	TargetID  string          `json:"target_id"`
	State     State           `json:"state"`
	Plan      plan.Plan       `json:"plan"`
	Policy    policy.Decision `json:"policy"`
	Comment   string          `json:"comment,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Terminal reports whether the thread can change state again.
func (t Thread) Terminal() bool {
	switch t.State {
	case StateRejected, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Store persists threads. TransitionThread is compare-and-set on the state
// column: it succeeds only when the stored state equals from, so two
// concurrent transitions of the same thread cannot both win.
type Store interface {
	CreateThread(ctx context.Context, t Thread) error
	GetThread(ctx context.Context, id string) (Thread, error)
	ListThreads(ctx context.Context, limit, offset int) ([]Thread, error)
	TransitionThread(ctx context.Context, id string, from, to State, comment string, at time.Time) (Thread, error)
}

var newThreadID = func() string {
	return fmt.Sprintf("th_%d", time.Now().UnixNano())
}

// NewThreadID mints a thread id. Callers that must refer to a thread
// before it is stored (event trails) generate the id up front and pass it
// to Create.
func NewThreadID() string {
	return newThreadID()
}

// Manager creates threads and applies state transitions.
type Manager struct {
	Store Store
	Now   func() time.Time
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Create opens a thread for a gated plan. REQUIRE_APPROVAL verdicts start
// paused; everything else starts running. An empty id means mint one; a
// caller that already announced the thread elsewhere passes the same id in.
func (m *Manager) Create(ctx context.Context, id, targetID string, p plan.Plan, d policy.Decision) (Thread, error) {
	if id == "" {
		id = newThreadID()
	}
	state := StateRunning
	if d.Verdict == policy.VerdictRequireApproval {
		state = StatePaused
	}
	now := m.now()
	t := Thread{
		ID:        id,
		TargetID:  targetID,
		State:     state,
		Plan:      p,
		Policy:    d,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.Store.CreateThread(ctx, t); err != nil {
		return Thread{}, fmt.Errorf("create thread: %w", err)
	}
	if state == StatePaused {
		metrics.PausedThreads.Inc()
	}
	return t, nil
}

// Resume applies an operator decision to a paused thread. The underlying
// compare-and-set guarantees exactly-once resolution: a second resume, or a
// resume racing another, gets ErrAlreadyResolved.
func (m *Manager) Resume(ctx context.Context, id string, decision Decision, comment string) (Thread, error) {
	var to State
	switch decision {
	case DecisionApprove:
		to = StateApproved
	case DecisionReject:
		to = StateRejected
	default:
		return Thread{}, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
	t, err := m.Store.TransitionThread(ctx, id, StatePaused, to, comment, m.now())
	if err != nil {
		return Thread{}, err
	}
	metrics.PausedThreads.Dec()
	metrics.ThreadResolutionsTotal.WithLabelValues(string(decision)).Inc()
	return t, nil
}

// Complete marks a running or approved thread done.
func (m *Manager) Complete(ctx context.Context, id string) (Thread, error) {
	return m.close(ctx, id, StateCompleted, "")
}

// Fail marks a running or approved thread failed, recording the reason.
func (m *Manager) Fail(ctx context.Context, id, reason string) (Thread, error) {
	return m.close(ctx, id, StateFailed, reason)
}

func (m *Manager) close(ctx context.Context, id string, to State, comment string) (Thread, error) {
	now := m.now()
	t, err := m.Store.TransitionThread(ctx, id, StateRunning, to, comment, now)
	if errors.Is(err, ErrAlreadyResolved) {
		t, err = m.Store.TransitionThread(ctx, id, StateApproved, to, comment, now)
	}
	if err != nil {
		return Thread{}, err
	}
	return t, nil
}
