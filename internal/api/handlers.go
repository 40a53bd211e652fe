package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/audit"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/remediation"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/scheduler"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/types"
)

// actorRequest is the body for approve/reject/remediate calls.
type actorRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) triggerScan(w http.ResponseWriter, r *http.Request) {
	err := s.trigger.TriggerAsync(r.Context())
	if errors.Is(err, scheduler.ErrBusy) {
		writeError(w, http.StatusConflict, "scan cycle already in flight")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scan triggered"})
}

func (s *Server) listFindings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.FindingFilter{
		Service:  q.Get("service"),
		Severity: types.Severity(q.Get("severity")),
		Status:   types.FindingStatus(q.Get("status")),
		Resource: q.Get("resource"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	findings, err := s.store.QueryFindings(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if findings == nil {
		findings = []types.Finding{}
	}
	writeJSON(w, http.StatusOK, findings)
}

func (s *Server) getFinding(w http.ResponseWriter, r *http.Request) {
	f, err := s.store.GetFinding(chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) findingTransitions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetFinding(id); err != nil {
		writeStoreError(w, err)
		return
	}
	transitions, err := s.store.Transitions(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, transitions)
}

func (s *Server) findingSuggestions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetFinding(id); err != nil {
		writeStoreError(w, err)
		return
	}
	suggestions, err := s.store.SuggestionsForFinding(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if suggestions == nil {
		suggestions = []types.Suggestion{}
	}
	writeJSON(w, http.StatusOK, suggestions)
}

func (s *Server) remediateFinding(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeActor(w, r)
	if !ok {
		return
	}
	run, err := s.rem.TriggerRemediation(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		writeRemediationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) approveSuggestion(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeActor(w, r)
	if !ok {
		return
	}
	run, err := s.rem.ApproveSuggestion(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		writeRemediationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) rejectSuggestion(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeActor(w, r)
	if !ok {
		return
	}
	if err := s.rem.RejectSuggestion(r.Context(), chi.URLParam(r, "id"), req.Actor); err != nil {
		writeRemediationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// decodeActor reads the request body and requires a non-empty actor, so
// every approval and manual remediation is attributable in the audit trail.
func decodeActor(w http.ResponseWriter, r *http.Request) (actorRequest, bool) {
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if req.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return req, false
	}
	return req, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, audit.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeRemediationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, audit.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, remediation.ErrResourceBusy):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
