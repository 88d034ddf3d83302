package health

import (
	"context"
	"sync"
	"time"

	"guardian/internal/probe"
)

type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// Summary is the per-target reduction of the current probe window.
type Summary struct {
	TargetID            string        `json:"target_id"`
	Status              Status        `json:"status"`
	Score               int           `json:"score"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Latency             time.Duration `json:"latency"`
	CheckedAt           time.Time     `json:"checked_at"`
}

// Actionable reports whether the target needs a remediation plan.
func (s Summary) Actionable() bool {
	return s.Status != StatusOK
}

// CounterStore persists per-target consecutive-failure counters across cycles.
type CounterStore interface {
	GetFailureCount(ctx context.Context, targetID string) (int, error)
	SetFailureCount(ctx context.Context, targetID string, count int) error
}

// Scorer reduces probe results into health summaries. Scoring is a pure
// function of (result, prior counter); the store only carries counters
// between cycles.
type Scorer struct {
	Store            CounterStore
	LatencyThreshold time.Duration
}

const failurePenalty = 40

// Summarize computes the summary for one probe result given the prior
// consecutive-failure count. Deterministic and side-effect free.
func (s *Scorer) Summarize(res probe.Result, priorFailures int) Summary {
	threshold := s.LatencyThreshold
	if threshold <= 0 {
		threshold = time.Second
	}
	sum := Summary{
		TargetID:  res.TargetID,
		Latency:   res.Latency,
		CheckedAt: res.CheckedAt,
	}
	if res.Success {
		sum.ConsecutiveFailures = 0
		sum.Status = StatusOK
		sum.Score = 100 - latencyPenalty(res.Latency, threshold)
		return sum
	}
	sum.ConsecutiveFailures = priorFailures + 1
	if sum.ConsecutiveFailures >= 2 {
		sum.Status = StatusFailed
	} else {
		sum.Status = StatusDegraded
	}
	sum.Score = 100 - failurePenalty*sum.ConsecutiveFailures
	if sum.Score < 0 {
		sum.Score = 0
	}
	return sum
}

// Apply summarizes a batch of results and persists the updated failure
// counters. Results are processed independently; a store failure for one
// target does not discard the others.
func (s *Scorer) Apply(ctx context.Context, results []probe.Result) ([]Summary, error) {
	summaries := make([]Summary, 0, len(results))
	for _, res := range results {
		if err := ctx.Err(); err != nil {
			return summaries, err
		}
		prior := 0
		if s.Store != nil {
			n, err := s.Store.GetFailureCount(ctx, res.TargetID)
			if err != nil {
				return summaries, err
			}
			prior = n
		}
		sum := s.Summarize(res, prior)
		if s.Store != nil {
			if err := s.Store.SetFailureCount(ctx, res.TargetID, sum.ConsecutiveFailures); err != nil {
				return summaries, err
			}
		}
		summaries = append(summaries, sum)
	}
	return summaries, nil
}

// latencyPenalty deducts up to 20 points proportionally to how far the
// observed latency exceeds the threshold (capped at 4x threshold).
func latencyPenalty(latency, threshold time.Duration) int {
	if latency <= threshold {
		return 0
	}
	over := latency - threshold
	maxOver := 3 * threshold
	if over >= maxOver {
		return 20
	}
	return int(20 * over / maxOver)
}

// MemoryCounters is an in-process CounterStore.
type MemoryCounters struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{counts: map[string]int{}}
}

func (m *MemoryCounters) GetFailureCount(ctx context.Context, targetID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[targetID], nil
}

func (m *MemoryCounters) SetFailureCount(ctx context.Context, targetID string, count int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if count == 0 {
		delete(m.counts, targetID)
		return nil
	}
	m.counts[targetID] = count
	return nil
}
