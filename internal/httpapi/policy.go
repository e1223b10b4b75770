package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/arw-hub/agenthub/internal/errs"
	"github.com/arw-hub/agenthub/internal/policy"
)

type policySimulateRequest struct {
	ActionKind   string          `json:"action_kind"`
	Subject      policy.Subject  `json:"subject"`
	Resource     string          `json:"resource,omitempty"`
	Project      string          `json:"project,omitempty"`
	Posture      string          `json:"posture,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
}

// handlePolicySimulate implements POST /policy/simulate, a side-effect-free
// decision preview (spec §6).
func (s *Server) handlePolicySimulate(w http.ResponseWriter, r *http.Request) {
	corrID := CorrIDFromContext(r.Context())
	var req policySimulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, corrID, errs.Wrap(errs.CodeSchemaInvalid, http.StatusBadRequest, err))
		return
	}

	decision, err := s.opts.Policy.Simulate(policy.Input{
		ActionKind: req.ActionKind,
		Subject:    req.Subject,
		Resource:   req.Resource,
		Context:    policy.EvalContext{Project: req.Project, Posture: req.Posture, CorrID: corrID},
		Capabilities: req.Capabilities,
	})
	if err != nil {
		writeProblem(w, corrID, errs.Wrap(errs.CodeSchemaInvalid, http.StatusBadRequest, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"decision":     decision.Allow,
		"reason_codes": decision.DenyReasons,
	})
}
