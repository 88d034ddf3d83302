package web

import (
	"errors"
	"io"
	"net/http"

	"guardian/internal/autopilot"
)

type runRequest struct {
	Target string `json:"target"`
}

func (s *Server) handleAutopilotRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req runRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if len(body) > 0 {
		if uerr := unmarshalJSON(body, &req); uerr != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}

	var summary autopilot.CycleSummary
	if req.Target != "" {
		summary, err = s.Pilot.RunOnce(r.Context(), req.Target)
	} else {
		summary, err = s.Pilot.RunCycle(r.Context())
	}
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, summary)
	case errors.Is(err, autopilot.ErrCycleInFlight):
		http.Error(w, "cycle already in flight", http.StatusConflict)
	case errors.Is(err, autopilot.ErrTargetNotFound):
		http.Error(w, "target not found", http.StatusNotFound)
	default:
		http.Error(w, "cycle failed", http.StatusInternalServerError)
	}
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": s.Pilot.Targets()})
}
