package policy

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"guardian/internal/metrics"
	"guardian/internal/plan"
)

type Verdict string

const (
	VerdictAutoExecute     Verdict = "AUTO_EXECUTE"
	VerdictRequireApproval Verdict = "REQUIRE_APPROVAL"
	VerdictRejected        Verdict = "REJECTED"
)

// Clause names, in evaluation order.
const (
	ClauseSafeMode         = "safe_mode"
	ClauseHostAllowlist    = "host_allowlist"
	ClauseApprovalRequired = "action_requires_approval"
	ClauseRateLimit        = "rate_limit"
	ClauseRiskThreshold    = "risk_threshold"
	ClauseAutoApprove      = "action_auto_approve"
	ClauseDefault          = "default"
)

// Decision is the gate's outcome for one plan. Clauses records every clause
// considered, in order, annotated with what it saw; the last entry is the
// one that matched.
type Decision struct {
	Verdict   Verdict  `json:"verdict"`
	RiskScore int      `json:"risk_score"`
	Clauses   []string `json:"clauses"`
}

// Thresholds are risk-score cut points. A score above Medium requires
// approval regardless of the action.
type Thresholds struct {
	Low    int `yaml:"low" json:"low"`
	Medium int `yaml:"medium" json:"medium"`
	High   int `yaml:"high" json:"high"`
}

// Config is the policy document consumed (not owned) by the gate. It is
// reloaded at each cycle start.
type Config struct {
	SafeMode          bool       `yaml:"safe_mode" json:"safe_mode"`
	Thresholds        Thresholds `yaml:"risk_thresholds" json:"risk_thresholds"`
	RequireApproval   []string   `yaml:"always_require_approval" json:"always_require_approval"`
	AutoApprove       []string   `yaml:"auto_approve" json:"auto_approve"`
	AllowedHosts      []string   `yaml:"allowed_hosts" json:"allowed_hosts"`
	MaxActionsPerHour int        `yaml:"max_actions_per_hour" json:"max_actions_per_hour"`
}

// DefaultConfig is maximally cautious: safe mode on, nothing auto-approved.
func DefaultConfig() Config {
	return Config{
		SafeMode:          true,
		Thresholds:        Thresholds{Low: 30, Medium: 60, High: 85},
		MaxActionsPerHour: 10,
	}
}

// ActionCounter reports executed actions inside the rolling window. The
// underlying store is shared with the executor and must be updated
// atomically with respect to concurrent executions.
type ActionCounter interface {
	CountActionsSince(ctx context.Context, since time.Time) (int, error)
}

// Gate is the state-free policy decision function. All mutable inputs
// (action counter, clock) are injected.
type Gate struct {
	Actions ActionCounter
	Now     func() time.Time
}

const rateWindow = time.Hour

// Decide maps (plan, health score, config) to a verdict. Rules are applied
// in a fixed order and the first matching rule wins; the default fails
// closed to REQUIRE_APPROVAL.
func (g *Gate) Decide(ctx context.Context, p plan.Plan, healthScore int, cfg Config) (Decision, error) {
	d := Decision{RiskScore: RiskScore(p.Risk, healthScore)}

	// 1. Safe mode short-circuits everything.
	if cfg.SafeMode {
		d.Clauses = append(d.Clauses, ClauseSafeMode+": active")
		return g.finish(d, VerdictRequireApproval), nil
	}
	d.Clauses = append(d.Clauses, ClauseSafeMode+": off")

	// 2. Unknown hosts are rejected outright.
	host := targetHost(p.Target)
	if !hostAllowed(host, cfg.AllowedHosts) {
		d.Clauses = append(d.Clauses, fmt.Sprintf("%s: %q not allowed", ClauseHostAllowlist, host))
		return g.finish(d, VerdictRejected), nil
	}
	d.Clauses = append(d.Clauses, fmt.Sprintf("%s: %q allowed", ClauseHostAllowlist, host))

	// 3. Actions that always need a human.
	if containsAction(cfg.RequireApproval, p.Action) {
		d.Clauses = append(d.Clauses, fmt.Sprintf("%s: %q listed", ClauseApprovalRequired, p.Action))
		return g.finish(d, VerdictRequireApproval), nil
	}
	d.Clauses = append(d.Clauses, fmt.Sprintf("%s: %q not listed", ClauseApprovalRequired, p.Action))

	// 4. Rate limit degrades to human review, never a silent reject.
	if cfg.MaxActionsPerHour > 0 && g.Actions != nil {
		now := time.Now
		if g.Now != nil {
			now = g.Now
		}
		count, err := g.Actions.CountActionsSince(ctx, now().Add(-rateWindow))
		if err != nil {
			return Decision{}, fmt.Errorf("action counter: %w", err)
		}
		if count >= cfg.MaxActionsPerHour {
			d.Clauses = append(d.Clauses, fmt.Sprintf("%s: %d/%d in window", ClauseRateLimit, count, cfg.MaxActionsPerHour))
			return g.finish(d, VerdictRequireApproval), nil
		}
		d.Clauses = append(d.Clauses, fmt.Sprintf("%s: %d/%d in window", ClauseRateLimit, count, cfg.MaxActionsPerHour))
	} else {
		d.Clauses = append(d.Clauses, ClauseRateLimit+": not configured")
	}

	// 5. Risk above the medium threshold needs a human.
	if d.RiskScore > cfg.Thresholds.Medium {
		d.Clauses = append(d.Clauses, fmt.Sprintf("%s: %d > %d", ClauseRiskThreshold, d.RiskScore, cfg.Thresholds.Medium))
		return g.finish(d, VerdictRequireApproval), nil
	}
	d.Clauses = append(d.Clauses, fmt.Sprintf("%s: %d <= %d", ClauseRiskThreshold, d.RiskScore, cfg.Thresholds.Medium))

	// 6. Explicitly auto-approvable actions within the risk budget.
	if containsAction(cfg.AutoApprove, p.Action) {
		d.Clauses = append(d.Clauses, fmt.Sprintf("%s: %q listed", ClauseAutoApprove, p.Action))
		return g.finish(d, VerdictAutoExecute), nil
	}
	d.Clauses = append(d.Clauses, fmt.Sprintf("%s: %q not listed", ClauseAutoApprove, p.Action))

	// 7. Fail closed.
	d.Clauses = append(d.Clauses, ClauseDefault+": require approval")
	return g.finish(d, VerdictRequireApproval), nil
}

func (g *Gate) finish(d Decision, v Verdict) Decision {
	d.Verdict = v
	metrics.PolicyDecisionsTotal.WithLabelValues(string(v)).Inc()
	return d
}

// RiskScore combines the plan's declared risk level with the target's
// health score into 0-100. Monotonic: a higher risk level or a sicker
// target never yields a lower score.
func RiskScore(risk string, healthScore int) int {
	base := 20 + plan.RiskRank(risk)*25
	if healthScore < 0 {
		healthScore = 0
	}
	if healthScore > 100 {
		healthScore = 100
	}
	score := base + (100-healthScore)/20
	if score > 100 {
		score = 100
	}
	return score
}

// targetHost extracts the host from a target reference that may be a bare
// host, host:port, or URL.
func targetHost(target string) string {
	target = strings.TrimSpace(target)
	if target == "" {
		return ""
	}
	if strings.Contains(target, "://") {
		if u, err := url.Parse(target); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	if i := strings.IndexByte(target, ':'); i >= 0 {
		return target[:i]
	}
	return target
}

func hostAllowed(host string, allowlist []string) bool {
	if host == "" {
		return false
	}
	for _, allowed := range allowlist {
		if strings.EqualFold(strings.TrimSpace(allowed), host) {
			return true
		}
	}
	return false
}

func containsAction(actions []string, action string) bool {
	for _, a := range actions {
		if strings.EqualFold(strings.TrimSpace(a), action) {
			return true
		}
	}
	return false
}
