package plan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"guardian/internal/metrics"
)

// ErrSchema classifies a planner response that failed schema validation.
// ErrUnavailable classifies exhausted retries against the planning service.
// Both are informational: Request still returns a usable fallback plan.
var (
	ErrSchema      = errors.New("plan schema validation failed")
	ErrUnavailable = errors.New("planning service unavailable")
)

// planSchema is the strict contract for planner responses. Any field outside
// it triggers the fallback path rather than best-effort coercion.
const planSchema = `{
	"type": "object",
	"required": ["action", "target", "risk", "reason"],
	"additionalProperties": false,
	"properties": {
		"plan_id": {"type": "string"},
		"action": {"type": "string", "minLength": 1},
		"target": {"type": "string", "minLength": 1},
		"risk": {"type": "string", "enum": ["low", "medium", "high", "critical"]},
		"reason": {"type": "string", "minLength": 1},
		"impact": {"type": "string"}
	}
}`

var schemaLoader = gojsonschema.NewStringLoader(planSchema)

// Client talks to the planning service. Request never fails past its
// boundary: on any classified failure it returns the fallback plan together
// with the classification so the caller can log it.
type Client struct {
	BaseURL     string
	Token       string
	Timeout     time.Duration
	Retries     int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	HTTPClient  *http.Client
	sleep       func(ctx context.Context, d time.Duration) error
}

func (c *Client) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 4 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	if c.sleep == nil {
		c.sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		}
	}
}

// Request asks the planning service for a remediation plan. The returned
// plan is always usable; a non-nil error only classifies why a fallback was
// substituted.
func (c *Client) Request(ctx context.Context, planCtx Context) (Plan, error) {
	c.defaults()
	body, err := json.Marshal(map[string]any{"mode": "plan", "context": planCtx})
	if err != nil {
		return FallbackPlan(planCtx.TargetID, "planner request could not be encoded"), fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.Retries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoff(attempt-1)); err != nil {
				lastErr = err
				break
			}
		}
		payload, err := c.post(ctx, body)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		p, err := c.validate(payload, planCtx.TargetID)
		if err != nil {
			// A malformed response will not get better on retry.
			metrics.PlansTotal.WithLabelValues("fallback").Inc()
			return FallbackPlan(planCtx.TargetID, "planner response rejected: "+err.Error()), fmt.Errorf("%w: %v", ErrSchema, err)
		}
		metrics.PlansTotal.WithLabelValues("planner").Inc()
		return p, nil
	}
	metrics.PlansTotal.WithLabelValues("fallback").Inc()
	reason := "planning service unreachable"
	if lastErr != nil {
		reason = "planning service unreachable: " + lastErr.Error()
	}
	return FallbackPlan(planCtx.TargetID, reason), fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if base == "" {
		return nil, errors.New("planner base url required")
	}
	rctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodPost, base+"/v1/plan", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("planner status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return payload, nil
}

func (c *Client) validate(payload []byte, targetID string) (Plan, error) {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return Plan{}, err
	}
	if !result.Valid() {
		if len(result.Errors()) == 0 {
			return Plan{}, errors.New("schema validation failed")
		}
		return Plan{}, fmt.Errorf("schema validation failed: %s", result.Errors()[0].String())
	}
	var p Plan
	if err := json.Unmarshal(payload, &p); err != nil {
		return Plan{}, err
	}
	if p.Target != targetID {
		return Plan{}, fmt.Errorf("plan targets %q, expected %q", p.Target, targetID)
	}
	if p.ID == "" {
		p.ID = newPlanID()
	}
	return p, nil
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	if d > c.BackoffMax {
		return c.BackoffMax
	}
	return d
}
