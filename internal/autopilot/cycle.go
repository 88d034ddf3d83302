// Package autopilot runs the evaluation cycle: discover targets, probe
// them, score health, plan remediation for the unhealthy ones, gate each
// plan through policy, and execute or park the result on a thread.
package autopilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"guardian/internal/audit"
	"guardian/internal/directory"
	"guardian/internal/executor"
	"guardian/internal/health"
	"guardian/internal/hitl"
	"guardian/internal/logging"
	"guardian/internal/metrics"
	"guardian/internal/plan"
	"guardian/internal/policy"
	"guardian/internal/probe"
)

// ErrCycleInFlight is returned when a cycle is requested while another is
// still running. Overlapping cycles are skipped, never queued.
var ErrCycleInFlight = errors.New("cycle already in flight")

// ErrTargetNotFound is returned by RunOnce for an unknown target id.
var ErrTargetNotFound = errors.New("target not found")

// Planner produces a remediation plan for one target.
type Planner interface {
	Request(ctx context.Context, planCtx plan.Context) (plan.Plan, error)
}

// TargetProber checks a batch of targets and reports per-target results.
type TargetProber interface {
	ProbeAll(ctx context.Context, targets []directory.Target, concurrency int) ([]probe.Result, error)
}

// ActionExecutor carries out one plan action under an idempotency key.
type ActionExecutor interface {
	Execute(ctx context.Context, p plan.Plan, key string) error
}

// TargetResult is the per-target outcome of one cycle.
type TargetResult struct {
	TargetID string         `json:"target_id"`
	Skipped  bool           `json:"skipped,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	ThreadID string         `json:"thread_id,omitempty"`
	Verdict  policy.Verdict `json:"verdict,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// CycleSummary describes one completed cycle.
type CycleSummary struct {
	ID         string         `json:"cycle_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Count      int            `json:"count"`
	Results    []TargetResult `json:"results"`
}

var newCycleID = func() string {
	return fmt.Sprintf("cycle_%d", time.Now().UnixNano())
}

// Pipeline wires the cycle stages together. It holds no durable state of
// its own; counters, threads, and events live in the injected stores.
type Pipeline struct {
	Directory    directory.Directory
	Prober       TargetProber
	Scorer       *health.Scorer
	Planner      Planner
	Gate         *policy.Gate
	PolicyConfig func() policy.Config
	Threads      *hitl.Manager
	Executor     ActionExecutor
	Recorder     *audit.Recorder
	Concurrency  int
	MaxSteps     int
	Now          func() time.Time

	inFlight atomic.Bool

	mu       sync.Mutex
	snapshot map[string]health.Summary
}

func (p *Pipeline) logger() *slog.Logger {
	return logging.Component("autopilot")
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// InFlight reports whether a cycle is currently running.
func (p *Pipeline) InFlight() bool {
	return p.inFlight.Load()
}

// RunCycle runs one full cycle over every known target. At most one cycle
// runs at a time; a second call while one is in flight gets
// ErrCycleInFlight.
func (p *Pipeline) RunCycle(ctx context.Context) (CycleSummary, error) {
	if !p.inFlight.CompareAndSwap(false, true) {
		return CycleSummary{}, ErrCycleInFlight
	}
	defer p.inFlight.Store(false)
	targets, err := p.Directory.ListTargets(ctx)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues("error").Inc()
		return CycleSummary{}, fmt.Errorf("list targets: %w", err)
	}
	return p.cycle(ctx, targets)
}

// RunOnce evaluates a single target, the manual trigger path.
func (p *Pipeline) RunOnce(ctx context.Context, targetID string) (CycleSummary, error) {
	if !p.inFlight.CompareAndSwap(false, true) {
		return CycleSummary{}, ErrCycleInFlight
	}
	defer p.inFlight.Store(false)
	target, ok, err := p.Directory.GetTarget(ctx, targetID)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues("error").Inc()
		return CycleSummary{}, fmt.Errorf("get target: %w", err)
	}
	if !ok {
		return CycleSummary{}, fmt.Errorf("%w: %s", ErrTargetNotFound, targetID)
	}
	return p.cycle(ctx, []directory.Target{target})
}

func (p *Pipeline) cycle(ctx context.Context, targets []directory.Target) (CycleSummary, error) {
	started := p.now()
	summary := CycleSummary{ID: newCycleID(), StartedAt: started}
	log := p.logger().With("cycle", summary.ID)
	log.Info("cycle started", "targets", len(targets))

	defer func() {
		metrics.CycleDuration.Observe(time.Since(started).Seconds())
	}()

	results, err := p.Prober.ProbeAll(ctx, targets, p.Concurrency)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues("error").Inc()
		return CycleSummary{}, fmt.Errorf("probe targets: %w", err)
	}
	summaries, err := p.Scorer.Apply(ctx, results)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues("error").Inc()
		return CycleSummary{}, fmt.Errorf("score targets: %w", err)
	}
	p.updateSnapshot(summaries)

	cfg := policy.DefaultConfig()
	if p.PolicyConfig != nil {
		cfg = p.PolicyConfig()
	}

	for i, hs := range summaries {
		if err := ctx.Err(); err != nil {
			metrics.CyclesTotal.WithLabelValues("error").Inc()
			return CycleSummary{}, err
		}
		if !hs.Actionable() {
			summary.Results = append(summary.Results, TargetResult{TargetID: hs.TargetID, Skipped: true, Reason: "healthy"})
			continue
		}
		res := p.evaluate(ctx, summary.ID, targets[i], hs, cfg)
		if res.Error != "" && ctx.Err() != nil {
			metrics.CyclesTotal.WithLabelValues("error").Inc()
			return CycleSummary{}, ctx.Err()
		}
		summary.Results = append(summary.Results, res)
	}

	summary.FinishedAt = p.now()
	summary.Count = len(summary.Results)
	metrics.CyclesTotal.WithLabelValues("ok").Inc()
	p.Recorder.Append(ctx, audit.Event{
		Type:    audit.TypeCycleCompleted,
		Payload: audit.Payload(map[string]any{"cycle_id": summary.ID, "count": summary.Count}),
	})
	log.Info("cycle finished", "count", summary.Count)
	return summary, nil
}

// evaluate runs plan, gate, and dispatch for one unhealthy target. Failures
// here never abort the cycle for other targets.
func (p *Pipeline) evaluate(ctx context.Context, cycleID string, target directory.Target, hs health.Summary, cfg policy.Config) TargetResult {
	res := TargetResult{TargetID: target.ID}
	log := p.logger().With("cycle", cycleID, "target", target.ID)

	planCtx := plan.Context{
		TargetID: target.ID,
		Symptoms: []string{string(hs.Status)},
		Observations: map[string]any{
			"score":                hs.Score,
			"consecutive_failures": hs.ConsecutiveFailures,
			"latency_ms":           hs.Latency.Milliseconds(),
		},
		MaxSteps: p.MaxSteps,
	}
	proposed, err := p.Planner.Request(ctx, planCtx)
	if err != nil {
		if ctx.Err() != nil {
			res.Error = ctx.Err().Error()
			return res
		}
		// The client substitutes the cautious fallback plan on schema or
		// availability failures; the cycle continues with it.
		log.Warn("planner degraded, using fallback plan", "error", err)
	}

	decision, err := p.Gate.Decide(ctx, proposed, hs.Score, cfg)
	if err != nil {
		res.Error = err.Error()
		log.Error("policy gate failed", "error", err)
		return res
	}
	res.Verdict = decision.Verdict

	if decision.Verdict == policy.VerdictRejected {
		p.Recorder.Append(ctx, audit.Event{
			Type:     audit.TypePlanProposed,
			TargetID: target.ID,
			Payload:  audit.Payload(proposed),
		})
		p.Recorder.Append(ctx, audit.Event{
			Type:     audit.TypeTargetRejected,
			TargetID: target.ID,
			Payload:  audit.Payload(decision),
		})
		log.Warn("plan rejected by policy", "clauses", decision.Clauses)
		return res
	}

	// The thread id is minted before the store write so the plan and
	// verdict events land in the trail first. The moment CreateThread
	// commits the thread is resumable, and a resolution recorded then must
	// sort after these.
	threadID := hitl.NewThreadID()
	p.Recorder.Append(ctx, audit.Event{
		Type:     audit.TypePlanProposed,
		TargetID: target.ID,
		ThreadID: threadID,
		Payload:  audit.Payload(proposed),
	})
	p.Recorder.Append(ctx, audit.Event{
		Type:     audit.TypePolicyDecision,
		TargetID: target.ID,
		ThreadID: threadID,
		Payload:  audit.Payload(decision),
	})
	thread, err := p.Threads.Create(ctx, threadID, target.ID, proposed, decision)
	if err != nil {
		res.Error = err.Error()
		log.Error("thread creation failed", "error", err)
		return res
	}
	res.ThreadID = thread.ID

	if decision.Verdict == policy.VerdictRequireApproval {
		log.Info("plan awaiting approval", "thread", thread.ID, "risk_score", decision.RiskScore)
		return res
	}

	key := fmt.Sprintf("%s:%s", cycleID, target.ID)
	if err := p.dispatch(ctx, thread, proposed, key); err != nil {
		res.Error = err.Error()
	}
	return res
}

// dispatch executes a plan for a running or approved thread and closes the
// thread with the outcome.
func (p *Pipeline) dispatch(ctx context.Context, thread hitl.Thread, proposed plan.Plan, key string) error {
	log := p.logger().With("thread", thread.ID, "target", thread.TargetID)
	if err := p.Executor.Execute(ctx, proposed, key); err != nil {
		p.Recorder.Append(ctx, audit.Event{
			Type:     audit.TypeActionFailed,
			TargetID: thread.TargetID,
			ThreadID: thread.ID,
			Payload:  audit.Payload(map[string]string{"error": err.Error()}),
		})
		if _, ferr := p.Threads.Fail(ctx, thread.ID, err.Error()); ferr != nil {
			log.Error("failed to mark thread failed", "error", ferr)
		}
		log.Error("action execution failed", "error", err)
		return err
	}
	p.Recorder.Append(ctx, audit.Event{
		Type:     audit.TypeActionExecuted,
		TargetID: thread.TargetID,
		ThreadID: thread.ID,
		Payload:  audit.Payload(map[string]string{"action": proposed.Action, "key": key}),
	})
	if _, err := p.Threads.Complete(ctx, thread.ID); err != nil {
		log.Error("failed to mark thread completed", "error", err)
		return err
	}
	log.Info("action executed", "action", proposed.Action)
	return nil
}

// ResolveThread applies an operator decision and, on approval, executes
// the parked plan with the thread id as idempotency key.
func (p *Pipeline) ResolveThread(ctx context.Context, threadID string, decision hitl.Decision, comment string) (hitl.Thread, error) {
	thread, err := p.Threads.Resume(ctx, threadID, decision, comment)
	if err != nil {
		return hitl.Thread{}, err
	}
	p.Recorder.Append(ctx, audit.Event{
		Type:     audit.TypeThreadResolved,
		TargetID: thread.TargetID,
		ThreadID: thread.ID,
		Payload:  audit.Payload(map[string]string{"decision": string(decision), "comment": comment}),
	})
	if thread.State != hitl.StateApproved {
		return thread, nil
	}
	if err := p.dispatch(ctx, thread, thread.Plan, thread.ID); err != nil {
		// The thread is already marked failed and the failure audited;
		// the caller sees the final thread state, not an error.
		return p.threadState(ctx, thread)
	}
	return p.threadState(ctx, thread)
}

func (p *Pipeline) threadState(ctx context.Context, fallback hitl.Thread) (hitl.Thread, error) {
	current, err := p.Threads.Store.GetThread(ctx, fallback.ID)
	if err != nil {
		return fallback, nil
	}
	return current, nil
}

func (p *Pipeline) updateSnapshot(summaries []health.Summary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snapshot == nil {
		p.snapshot = make(map[string]health.Summary)
	}
	for _, s := range summaries {
		p.snapshot[s.TargetID] = s
	}
}

// Targets returns the last-known health summary per target, sorted by id.
func (p *Pipeline) Targets() []health.Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]health.Summary, 0, len(p.snapshot))
	for _, s := range p.snapshot {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out
}

var (
	_ ActionExecutor = (*executor.Executor)(nil)
	_ TargetProber   = (*probe.Prober)(nil)
)
