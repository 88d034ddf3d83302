package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"guardian/internal/hitl"
)

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	threads, err := s.Threads.ListThreads(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

type resumeRequest struct {
	Decision string `json:"decision"`
	Comment  string `json:"comment"`
}

func (s *Server) handleThreadByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/threads/")
	if id, ok := strings.CutSuffix(path, "/resume"); ok {
		s.handleResume(w, r, id)
		return
	}
	if id, ok := strings.CutSuffix(path, "/events"); ok {
		s.handleEvents(w, r, id)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	thread, err := s.Threads.GetThread(r.Context(), path)
	if err != nil {
		if errors.Is(err, hitl.ErrNotFound) {
			http.Error(w, "thread not found", http.StatusNotFound)
			return
		}
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.Events == nil {
		http.Error(w, "audit trail not available", http.StatusNotFound)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	payload, err := s.Events.ListEvents(r.Context(), id, limit)
	if err != nil {
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": json.RawMessage(payload)})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req resumeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	thread, err := s.Pilot.ResolveThread(r.Context(), id, hitl.Decision(req.Decision), req.Comment)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, thread)
	case errors.Is(err, hitl.ErrNotFound):
		http.Error(w, "thread not found", http.StatusNotFound)
	case errors.Is(err, hitl.ErrAlreadyResolved):
		http.Error(w, "thread already resolved", http.StatusConflict)
	case errors.Is(err, hitl.ErrInvalidDecision):
		http.Error(w, "decision must be approve or reject", http.StatusBadRequest)
	default:
		http.Error(w, "store error", http.StatusInternalServerError)
	}
}
