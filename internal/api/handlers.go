package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/echomatrix/echomatrix/internal/registry"
)

// envelope is the standard API response wrapper:
// { "data": ..., "error": ... }
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("encoding json response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("encoding json error response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCalls lists the ids of currently confirmed calls.
func (s *Server) handleCalls(w http.ResponseWriter, _ *http.Request) {
	ids := s.calls.ActiveCallIDs()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active": ids,
		"count":  len(ids),
	})
}

// handleRecordings lists the recording catalog, newest first. The optional
// "limit" query parameter caps the result (default 100).
func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if s.reg == nil {
		writeError(w, http.StatusServiceUnavailable, "registry disabled")
		return
	}

	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	recs, err := s.reg.ListRecordings(r.Context(), limit)
	if err != nil {
		slog.Error("listing recordings", "error", err)
		writeError(w, http.StatusInternalServerError, "listing recordings failed")
		return
	}
	if recs == nil {
		recs = []registry.Recording{}
	}
	writeJSON(w, http.StatusOK, recs)
}
