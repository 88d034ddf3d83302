package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultClientTimeout = 30 * time.Second

// HTTPClient submits actions to the agent runtime over HTTP. Server errors
// and transport failures are transient; client errors are not.
type HTTPClient struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Client  *http.Client
}

type actionRequest struct {
	Action         string `json:"action"`
	Target         string `json:"target"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (c *HTTPClient) Execute(ctx context.Context, action, target, idempotencyKey string) error {
	if c.BaseURL == "" {
		return fmt.Errorf("action endpoint not configured")
	}
	body, err := json.Marshal(actionRequest{Action: action, Target: target, IdempotencyKey: idempotencyKey})
	if err != nil {
		return err
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/actions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	default:
		return fmt.Errorf("action rejected: status %d", resp.StatusCode)
	}
}
