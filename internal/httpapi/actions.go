package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/arw-hub/agenthub/internal/action"
	"github.com/arw-hub/agenthub/internal/errs"
)

type submitActionRequest struct {
	Kind           string          `json:"kind"`
	Input          json.RawMessage `json:"input,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CorrID         string          `json:"corr_id,omitempty"`
	Priority       int             `json:"priority,omitempty"`
	Budget         action.Budget   `json:"budget,omitempty"`
	Capabilities   []string        `json:"capabilities,omitempty"`
	Subject        string          `json:"subject,omitempty"`
	Project        string          `json:"project,omitempty"`
	Persona        string          `json:"persona,omitempty"`
}

func (s *Server) handleSubmitAction(w http.ResponseWriter, r *http.Request) {
	corrID := CorrIDFromContext(r.Context())
	var req submitActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, corrID, errs.Wrap(errs.CodeSchemaInvalid, http.StatusBadRequest, err))
		return
	}
	if req.CorrID == "" {
		req.CorrID = corrID
	}

	a, err := s.opts.Actions.Submit(action.SubmitRequest{
		Subject:        req.Subject,
		Kind:           req.Kind,
		Input:          req.Input,
		IdempotencyKey: req.IdempotencyKey,
		CorrID:         req.CorrID,
		Project:        req.Project,
		Persona:        req.Persona,
		Priority:       req.Priority,
		Budget:         req.Budget,
		Capabilities:   req.Capabilities,
	})
	if err != nil {
		writeProblem(w, corrID, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": a.ActionID})
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	corrID := CorrIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	a, ok := s.opts.Actions.Get(id)
	if !ok {
		writeProblem(w, corrID, errs.New(errs.CodeNotFound, http.StatusNotFound, "action not found: "+id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     a.ActionID,
		"state":  a.Status,
		"output": a.Output,
		"error":  a.Error,
	})
}

type actionStateRequest struct {
	State      action.Status   `json:"state"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      *action.Error   `json:"error,omitempty"`
	ReasonCode string          `json:"reason_code,omitempty"`
}

// handleActionState implements POST /actions/:id/state, the worker-only
// lease-authenticated state callback (spec §6). The handler applies only
// the standard bearer/admin check; it does not verify that the caller
// holds the action's worker lease.
func (s *Server) handleActionState(w http.ResponseWriter, r *http.Request) {
	corrID := CorrIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	var req actionStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, corrID, errs.Wrap(errs.CodeSchemaInvalid, http.StatusBadRequest, err))
		return
	}
	if req.State == action.StatusCanceled {
		if err := s.opts.Actions.Cancel(id, req.ReasonCode); err != nil {
			writeProblem(w, corrID, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := s.opts.Actions.ReportState(id, req.State, req.Output, req.Error); err != nil {
		writeProblem(w, corrID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
