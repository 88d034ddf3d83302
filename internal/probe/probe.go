package probe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"guardian/internal/directory"
	"guardian/internal/metrics"
)

// Result is the outcome of probing one target. A Result is always produced;
// probe failures are reported through Success/Error, never as a returned error.
type Result struct {
	TargetID   string        `json:"target_id"`
	Protocol   string        `json:"protocol"`
	Success    bool          `json:"success"`
	StatusCode int           `json:"status_code,omitempty"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
	CheckedAt  time.Time     `json:"checked_at"`
}

const echoToken = "guardian-echo\n"

// Prober runs health checks against targets with bounded timeouts and
// capped exponential backoff between retries. The per-target wall clock is
// bounded by Budget so one unreachable target cannot stall a cycle.
type Prober struct {
	Timeout     time.Duration
	Retries     int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Budget      time.Duration
	HTTPClient  *http.Client
	Dialer      *net.Dialer
	Now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

func (p *Prober) defaults() {
	if p.Timeout <= 0 {
		p.Timeout = 5 * time.Second
	}
	if p.Retries < 0 {
		p.Retries = 0
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = 500 * time.Millisecond
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = 4 * time.Second
	}
	if p.Budget <= 0 {
		p.Budget = 30 * time.Second
	}
	if p.HTTPClient == nil {
		p.HTTPClient = &http.Client{Timeout: p.Timeout}
	}
	if p.Dialer == nil {
		p.Dialer = &net.Dialer{Timeout: p.Timeout}
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.sleep == nil {
		p.sleep = sleepCtx
	}
}

// Backoff returns the delay before the given retry attempt, base*2^attempt
// capped at BackoffMax.
func (p *Prober) Backoff(attempt int) time.Duration {
	p.defaults()
	d := p.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}

// Probe runs the configured check for one target. The returned Result is
// always usable; network failures become Success=false with an error detail.
func (p *Prober) Probe(ctx context.Context, target directory.Target) Result {
	p.defaults()
	start := p.Now()
	ctx, cancel := context.WithTimeout(ctx, p.Budget)
	defer cancel()

	res := Result{TargetID: target.ID, Protocol: target.Protocol, CheckedAt: start.UTC()}
	var lastErr string
	for attempt := 0; attempt <= p.Retries; attempt++ {
		if attempt > 0 {
			if err := p.sleep(ctx, p.Backoff(attempt-1)); err != nil {
				lastErr = "probe budget exhausted: " + err.Error()
				break
			}
		}
		attemptStart := p.Now()
		var ok bool
		var code int
		var err error
		switch target.Protocol {
		case directory.ProtocolEcho:
			err = p.echoProbe(ctx, target.Address)
			ok = err == nil
		default:
			code, err = p.httpProbe(ctx, target.Address)
			ok = err == nil && code >= 200 && code < 400
			if err == nil && !ok {
				err = fmt.Errorf("status %d", code)
			}
		}
		res.Latency = p.Now().Sub(attemptStart)
		res.StatusCode = code
		if ok {
			res.Success = true
			res.Error = ""
			metrics.ProbesTotal.WithLabelValues(protocolLabel(target.Protocol), "success").Inc()
			metrics.ProbeDuration.WithLabelValues(protocolLabel(target.Protocol)).Observe(res.Latency.Seconds())
			return res
		}
		lastErr = err.Error()
		if ctx.Err() != nil {
			break
		}
	}
	res.Success = false
	res.Error = lastErr
	metrics.ProbesTotal.WithLabelValues(protocolLabel(target.Protocol), "failure").Inc()
	return res
}

func (p *Prober) httpProbe(ctx context.Context, url string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

// echoProbe performs the echo-protocol handshake: connect, send the token,
// expect the same token back.
func (p *Prober) echoProbe(ctx context.Context, addr string) error {
	dctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	conn, err := p.Dialer.DialContext(dctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetDeadline(p.Now().Add(p.Timeout))
	if _, err := conn.Write([]byte(echoToken)); err != nil {
		return err
	}
	buf := make([]byte, len(echoToken))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return err
	}
	if !bytes.Equal(buf, []byte(echoToken)) {
		return fmt.Errorf("echo mismatch: %q", strings.TrimSpace(string(buf)))
	}
	return nil
}

func protocolLabel(protocol string) string {
	if protocol == directory.ProtocolEcho {
		return directory.ProtocolEcho
	}
	return directory.ProtocolHTTP
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
