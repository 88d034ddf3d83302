package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Protocol kinds understood by the prober.
const (
	ProtocolHTTP = "http"
	ProtocolEcho = "echo"
)

// Target is one monitored endpoint as the directory reports it.
// The autopilot treats targets as read-only within a cycle.
type Target struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	Protocol string `json:"protocol"`
	Status   string `json:"status,omitempty"`
}

// Directory supplies the current set of monitored endpoints.
type Directory interface {
	ListTargets(ctx context.Context) ([]Target, error)
	GetTarget(ctx context.Context, id string) (Target, bool, error)
}

const defaultListLimit = 200

// HTTPDirectory reads targets from a registry service (GET /v1/targets).
type HTTPDirectory struct {
	BaseURL string
	Token   string
	Limit   int
	Client  *http.Client
}

func (d *HTTPDirectory) httpClient() *http.Client {
	if d.Client == nil {
		d.Client = &http.Client{Timeout: 5 * time.Second}
	}
	return d.Client
}

func (d *HTTPDirectory) ListTargets(ctx context.Context) ([]Target, error) {
	base := strings.TrimRight(strings.TrimSpace(d.BaseURL), "/")
	if base == "" {
		return nil, errors.New("directory base url required")
	}
	limit := d.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	url := fmt.Sprintf("%s/v1/targets?limit=%d", base, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if d.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.Token)
	}
	resp, err := d.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("directory status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	var out struct {
		Targets []Target `json:"targets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Targets, nil
}

func (d *HTTPDirectory) GetTarget(ctx context.Context, id string) (Target, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Target{}, false, errors.New("target id required")
	}
	base := strings.TrimRight(strings.TrimSpace(d.BaseURL), "/")
	if base == "" {
		return Target{}, false, errors.New("directory base url required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/v1/targets/"+id, nil)
	if err != nil {
		return Target{}, false, err
	}
	if d.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.Token)
	}
	resp, err := d.httpClient().Do(req)
	if err != nil {
		return Target{}, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return Target{}, false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Target{}, false, fmt.Errorf("directory status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	var target Target
	if err := json.NewDecoder(resp.Body).Decode(&target); err != nil {
		return Target{}, false, err
	}
	return target, true, nil
}

// Static serves a fixed target list, typically loaded from config.
type Static struct {
	Targets []Target
}

func (s *Static) ListTargets(ctx context.Context) ([]Target, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Target, len(s.Targets))
	copy(out, s.Targets)
	return out, nil
}

func (s *Static) GetTarget(ctx context.Context, id string) (Target, bool, error) {
	if err := ctx.Err(); err != nil {
		return Target{}, false, err
	}
	for _, t := range s.Targets {
		if t.ID == id {
			return t, true, nil
		}
	}
	return Target{}, false, nil
}
