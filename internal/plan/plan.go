package plan

import (
	"fmt"
	"time"
)

// Risk levels, lowest to highest.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

var riskOrder = map[string]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// RiskRank returns the ordering of a risk level; unknown levels rank as
// critical so malformed input can never slip under a threshold.
func RiskRank(risk string) int {
	if rank, ok := riskOrder[risk]; ok {
		return rank
	}
	return riskOrder[RiskCritical]
}

// FallbackAction marks a plan the planner could not produce; it is a no-op
// that exists only so a human sees the degraded target.
const FallbackAction = "no-op, flag for human review"

// Plan is a proposed remediation for one target. It is immutable once
// produced; the policy gate is its only consumer.
type Plan struct {
	ID       string `json:"plan_id"`
	Action   string `json:"action"`
	Target   string `json:"target"`
	Risk     string `json:"risk"`
	Reason   string `json:"reason"`
	Impact   string `json:"impact,omitempty"`
	Fallback bool   `json:"fallback,omitempty"`
}

// Context is the bounded payload sent to the planning service.
type Context struct {
	TargetID     string         `json:"target_id"`
	Symptoms     []string       `json:"symptoms"`
	Observations map[string]any `json:"observations,omitempty"`
	MaxSteps     int            `json:"max_steps,omitempty"`
}

var newPlanID = func() string {
	return fmt.Sprintf("plan_%d", time.Now().UnixNano())
}

// FallbackPlan builds the deterministic maximally-cautious substitute used
// when the planner's output cannot be trusted.
func FallbackPlan(targetID, reason string) Plan {
	return Plan{
		ID:       newPlanID(),
		Action:   FallbackAction,
		Target:   targetID,
		Risk:     RiskCritical,
		Reason:   reason,
		Impact:   "none (no-op)",
		Fallback: true,
	}
}
