package probe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"guardian/internal/directory"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func TestProbeHTTPSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := &Prober{sleep: noSleep}
	res := p.Probe(context.Background(), directory.Target{ID: "svc-1", Address: srv.URL, Protocol: directory.ProtocolHTTP})
	if !res.Success {
		t.Fatalf("success: %+v", res)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", res.StatusCode)
	}
	if res.TargetID != "svc-1" {
		t.Fatalf("target: %s", res.TargetID)
	}
	if res.Error != "" {
		t.Fatalf("error: %s", res.Error)
	}
}

func TestProbeHTTPServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := &Prober{Retries: 1, sleep: noSleep}
	res := p.Probe(context.Background(), directory.Target{ID: "svc-1", Address: srv.URL, Protocol: directory.ProtocolHTTP})
	if res.Success {
		t.Fatalf("expected failure: %+v", res)
	}
	if !strings.Contains(res.Error, "status 500") {
		t.Fatalf("error: %s", res.Error)
	}
}

func TestProbeHTTPRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := &Prober{Retries: 3, sleep: noSleep}
	res := p.Probe(context.Background(), directory.Target{ID: "svc-1", Address: srv.URL, Protocol: directory.ProtocolHTTP})
	if !res.Success {
		t.Fatalf("expected success after retries: %+v", res)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls: %d", got)
	}
}

func TestProbeHTTPUnreachable(t *testing.T) {
	p := &Prober{Timeout: 200 * time.Millisecond, sleep: noSleep}
	res := p.Probe(context.Background(), directory.Target{ID: "svc-1", Address: "http://127.0.0.1:1", Protocol: directory.ProtocolHTTP})
	if res.Success {
		t.Fatalf("expected failure")
	}
	if res.Error == "" {
		t.Fatalf("expected error detail")
	}
}

func TestProbeEchoSuccess(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, len(echoToken))
				if _, err := c.Read(buf); err == nil {
					c.Write(buf)
				}
			}(conn)
		}
	}()

	p := &Prober{sleep: noSleep}
	res := p.Probe(context.Background(), directory.Target{ID: "svc-2", Address: ln.Addr().String(), Protocol: directory.ProtocolEcho})
	if !res.Success {
		t.Fatalf("echo probe failed: %+v", res)
	}
}

func TestProbeEchoMismatch(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, len(echoToken))
				if _, err := c.Read(buf); err == nil {
					c.Write([]byte(strings.Repeat("x", len(echoToken))))
				}
			}(conn)
		}
	}()

	p := &Prober{sleep: noSleep}
	res := p.Probe(context.Background(), directory.Target{ID: "svc-2", Address: ln.Addr().String(), Protocol: directory.ProtocolEcho})
	if res.Success {
		t.Fatalf("expected mismatch failure")
	}
	if !strings.Contains(res.Error, "echo mismatch") {
		t.Fatalf("error: %s", res.Error)
	}
}

func TestBackoffCapped(t *testing.T) {
	p := &Prober{BackoffBase: 500 * time.Millisecond, BackoffMax: 4 * time.Second}
	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		4 * time.Second,
		4 * time.Second,
	}
	for attempt, w := range want {
		if got := p.Backoff(attempt); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestProbeCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &Prober{Retries: 5}
	res := p.Probe(ctx, directory.Target{ID: "svc-1", Address: "http://127.0.0.1:1", Protocol: directory.ProtocolHTTP})
	if res.Success {
		t.Fatalf("expected failure")
	}
}

func TestProbeAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	targets := []directory.Target{
		{ID: "a", Address: srv.URL, Protocol: directory.ProtocolHTTP},
		{ID: "b", Address: "http://127.0.0.1:1", Protocol: directory.ProtocolHTTP},
		{ID: "c", Address: srv.URL, Protocol: directory.ProtocolHTTP},
	}
	p := &Prober{Timeout: 500 * time.Millisecond, sleep: noSleep}
	results, err := p.ProbeAll(context.Background(), targets, 2)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results: %d", len(results))
	}
	if results[0].TargetID != "a" || !results[0].Success {
		t.Fatalf("result a: %+v", results[0])
	}
	if results[1].TargetID != "b" || results[1].Success {
		t.Fatalf("result b: %+v", results[1])
	}
	if results[2].TargetID != "c" || !results[2].Success {
		t.Fatalf("result c: %+v", results[2])
	}
}

func TestProbeAllInitializesDefaultsOnce(t *testing.T) {
	p := &Prober{}
	if _, err := p.ProbeAll(context.Background(), nil, 4); err != nil {
		t.Fatalf("err: %v", err)
	}
	// Shared fields are populated before any worker starts, so the workers
	// only ever read them.
	if p.HTTPClient == nil || p.Dialer == nil || p.Now == nil || p.sleep == nil {
		t.Fatalf("defaults not applied: %+v", p)
	}
	if p.Timeout <= 0 || p.Budget <= 0 {
		t.Fatalf("defaults not applied: %+v", p)
	}
}
