package e2e_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"guardian/internal/audit"
	"guardian/internal/autopilot"
	"guardian/internal/directory"
	"guardian/internal/executor"
	"guardian/internal/health"
	"guardian/internal/hitl"
	"guardian/internal/plan"
	"guardian/internal/policy"
	"guardian/internal/probe"
	"guardian/internal/web"
)

// TestLiveFlow drives the whole control plane over HTTP: a degraded target
// is probed, planned for, gated, auto-executed, and audited; then with safe
// mode switched on the same target is parked on a thread and resolved
// through the resume endpoint.
func TestLiveFlow(t *testing.T) {
	// Upstream fakes: one healthy target, one that always fails its probe,
	// a planner that proposes a restart, and an action runtime.
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	planner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Context plan.Context `json:"context"`
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"action":"restart","target":%q,"risk":"low","reason":"process wedged"}`, req.Context.TargetID)
	}))
	defer planner.Close()

	var executed atomic.Int64
	var keysMu sync.Mutex
	var keys []string
	actions := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		executed.Add(1)
		keysMu.Lock()
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		keysMu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer actions.Close()

	// Policy is swappable between cycles, the same way a reloaded document
	// would land.
	var cfgMu sync.Mutex
	cfg := policy.Config{
		SafeMode:          false,
		Thresholds:        policy.Thresholds{Low: 30, Medium: 60, High: 85},
		AutoApprove:       []string{"restart"},
		AllowedHosts:      []string{"checkout", "payments"},
		MaxActionsPerHour: 10,
	}
	policyConfig := func() policy.Config {
		cfgMu.Lock()
		defer cfgMu.Unlock()
		return cfg
	}
	setSafeMode := func(on bool) {
		cfgMu.Lock()
		defer cfgMu.Unlock()
		cfg.SafeMode = on
	}

	store := hitl.NewMemoryStore()
	log := executor.NewMemoryLog()
	sink := &audit.MemorySink{}

	pipeline := &autopilot.Pipeline{
		Directory: &directory.Static{Targets: []directory.Target{
			{ID: "payments", Address: healthy.URL, Protocol: "http"},
			{ID: "checkout", Address: failing.URL, Protocol: "http"},
		}},
		Prober:       &probe.Prober{},
		Scorer:       &health.Scorer{Store: health.NewMemoryCounters()},
		Planner:      &plan.Client{BaseURL: planner.URL},
		Gate:         &policy.Gate{Actions: log},
		PolicyConfig: policyConfig,
		Threads:      &hitl.Manager{Store: store},
		Executor:     &executor.Executor{Client: &executor.HTTPClient{BaseURL: actions.URL}, Log: log},
		Recorder:     audit.NewRecorder(sink),
	}

	srv := web.NewServer(store, pipeline)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	doReq := func(t *testing.T, method, path string, body any, wantStatus int) []byte {
		t.Helper()
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			reader = bytes.NewReader(data)
		}
		req, err := http.NewRequest(method, ts.URL+path, reader)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		defer resp.Body.Close()
		payload, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != wantStatus {
			t.Fatalf("%s %s: status %d, want %d: %s", method, path, resp.StatusCode, wantStatus, payload)
		}
		return payload
	}

	t.Run("health endpoints", func(t *testing.T) {
		doReq(t, http.MethodGet, "/healthz", nil, http.StatusOK)
		doReq(t, http.MethodGet, "/readyz", nil, http.StatusOK)
	})

	t.Run("cycle auto-executes restart on the failing target", func(t *testing.T) {
		payload := doReq(t, http.MethodPost, "/v1/autopilot/run", nil, http.StatusOK)
		var summary autopilot.CycleSummary
		if err := json.Unmarshal(payload, &summary); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if summary.Count != 2 {
			t.Fatalf("count: %d", summary.Count)
		}
		for _, res := range summary.Results {
			switch res.TargetID {
			case "payments":
				if !res.Skipped {
					t.Fatalf("healthy target not skipped: %+v", res)
				}
			case "checkout":
				if res.Verdict != policy.VerdictAutoExecute || res.ThreadID == "" {
					t.Fatalf("checkout result: %+v", res)
				}
				thread, err := store.GetThread(context.Background(), res.ThreadID)
				if err != nil || thread.State != hitl.StateCompleted {
					t.Fatalf("thread: %+v err %v", thread, err)
				}
			default:
				t.Fatalf("unexpected target %q", res.TargetID)
			}
		}
		if executed.Load() != 1 {
			t.Fatalf("actions executed: %d", executed.Load())
		}
	})

	t.Run("targets snapshot", func(t *testing.T) {
		payload := doReq(t, http.MethodGet, "/v1/targets", nil, http.StatusOK)
		body := string(payload)
		if !strings.Contains(body, "checkout") || !strings.Contains(body, "payments") {
			t.Fatalf("snapshot: %s", body)
		}
	})

	t.Run("safe mode parks a thread and resume executes it", func(t *testing.T) {
		setSafeMode(true)
		payload := doReq(t, http.MethodPost, "/v1/autopilot/run", map[string]string{"target": "checkout"}, http.StatusOK)
		var summary autopilot.CycleSummary
		if err := json.Unmarshal(payload, &summary); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(summary.Results) != 1 || summary.Results[0].Verdict != policy.VerdictRequireApproval {
			t.Fatalf("results: %+v", summary.Results)
		}
		threadID := summary.Results[0].ThreadID
		if threadID == "" {
			t.Fatalf("no thread created")
		}

		payload = doReq(t, http.MethodGet, "/v1/threads/"+threadID, nil, http.StatusOK)
		var parked hitl.Thread
		if err := json.Unmarshal(payload, &parked); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if parked.State != hitl.StatePaused {
			t.Fatalf("state: %s", parked.State)
		}

		payload = doReq(t, http.MethodPost, "/v1/threads/"+threadID+"/resume",
			map[string]string{"decision": "approve", "comment": "go ahead"}, http.StatusOK)
		var resolved hitl.Thread
		if err := json.Unmarshal(payload, &resolved); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resolved.State != hitl.StateCompleted {
			t.Fatalf("state after resume: %s", resolved.State)
		}
		if executed.Load() != 2 {
			t.Fatalf("actions executed: %d", executed.Load())
		}
		keysMu.Lock()
		last := keys[len(keys)-1]
		keysMu.Unlock()
		if last != threadID {
			t.Fatalf("idempotency key %q, want thread id %q", last, threadID)
		}

		doReq(t, http.MethodPost, "/v1/threads/"+threadID+"/resume",
			map[string]string{"decision": "reject"}, http.StatusConflict)
	})

	t.Run("audit trail keeps causal order per thread", func(t *testing.T) {
		byThread := map[string][]string{}
		for _, ev := range sink.Events() {
			if ev.ThreadID != "" {
				byThread[ev.ThreadID] = append(byThread[ev.ThreadID], ev.Type)
			}
		}
		if len(byThread) != 2 {
			t.Fatalf("threads audited: %d", len(byThread))
		}
		for id, types := range byThread {
			if types[0] != audit.TypePlanProposed || types[1] != audit.TypePolicyDecision {
				t.Fatalf("thread %s order: %v", id, types)
			}
			if types[len(types)-1] != audit.TypeActionExecuted {
				t.Fatalf("thread %s tail: %v", id, types)
			}
		}
	})

	t.Run("thread list shows both threads", func(t *testing.T) {
		payload := doReq(t, http.MethodGet, "/v1/threads", nil, http.StatusOK)
		var out struct {
			Threads []hitl.Thread `json:"threads"`
		}
		if err := json.Unmarshal(payload, &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(out.Threads) != 2 {
			t.Fatalf("threads: %d", len(out.Threads))
		}
		for _, th := range out.Threads {
			if th.State != hitl.StateCompleted {
				t.Fatalf("thread %s state %s", th.ID, th.State)
			}
		}
	})
}
