// Package web is the HTTP control surface: thread inspection and
// resolution, manual cycle triggers, health and metrics endpoints.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"guardian/internal/autopilot"
	"guardian/internal/health"
	"guardian/internal/hitl"
	"guardian/internal/metrics"
)

const maxRequestBody = 1 << 20 // 1 MB

// ThreadStore is the read side of the thread store.
type ThreadStore interface {
	GetThread(ctx context.Context, id string) (hitl.Thread, error)
	ListThreads(ctx context.Context, limit, offset int) ([]hitl.Thread, error)
}

// EventStore lists the audit trail for one thread as a JSON array.
type EventStore interface {
	ListEvents(ctx context.Context, threadID string, limit int) ([]byte, error)
}

// Autopilot is what the server needs from the pipeline.
type Autopilot interface {
	RunCycle(ctx context.Context) (autopilot.CycleSummary, error)
	RunOnce(ctx context.Context, targetID string) (autopilot.CycleSummary, error)
	ResolveThread(ctx context.Context, threadID string, decision hitl.Decision, comment string) (hitl.Thread, error)
	Targets() []health.Summary
	InFlight() bool
}

type Server struct {
	Mux        *http.ServeMux
	Threads    ThreadStore
	Pilot      Autopilot
	Events     EventStore
	Ready      func(ctx context.Context) error
	Goroutines *GoroutineTracker
}

func NewServer(threads ThreadStore, pilot Autopilot) *Server {
	s := &Server{
		Mux:     http.NewServeMux(),
		Threads: threads,
		Pilot:   pilot,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.Mux.HandleFunc("/healthz", s.handleHealthz)
	s.Mux.HandleFunc("/readyz", s.handleReadyz)
	s.Mux.Handle("/metrics", metrics.Handler())

	s.Mux.HandleFunc("/v1/threads", s.handleThreads)
	s.Mux.HandleFunc("/v1/threads/", s.handleThreadByID)
	s.Mux.HandleFunc("/v1/autopilot/run", s.handleAutopilotRun)
	s.Mux.HandleFunc("/v1/targets", s.handleTargets)
}

// Handler wraps the mux with the metrics middleware.
func (s *Server) Handler() http.Handler {
	return metrics.Middleware(s.Mux)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write json response", "error", err)
	}
}

var unmarshalJSON = json.Unmarshal

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}
