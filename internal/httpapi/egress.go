package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/arw-hub/agenthub/internal/egress"
	"github.com/arw-hub/agenthub/internal/errs"
)

type egressPreviewRequest struct {
	URL     string `json:"url"`
	Method  string `json:"method,omitempty"`
	Project string `json:"project,omitempty"`
}

// handleEgressPreview implements POST /egress/preview: resolve + run the
// block chain, with no lease requirement and no side effects beyond the
// egress.preview journal row the guard always writes (spec §6 "Preview"
// is side-effect-free with respect to the caller's request outcome, not
// with respect to observability).
func (s *Server) handleEgressPreview(w http.ResponseWriter, r *http.Request) {
	corrID := CorrIDFromContext(r.Context())
	var req egressPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, corrID, errs.Wrap(errs.CodeSchemaInvalid, http.StatusBadRequest, err))
		return
	}

	dest, err := egress.Resolve(req.URL)
	if err != nil {
		writeProblem(w, corrID, err)
		return
	}

	decision, evalErr := s.opts.Egress.Evaluate(req.Project, "preview", dest, req.URL, "")
	resp := map[string]any{
		"allow":    decision.Allow,
		"host":     dest.Host,
		"port":     dest.Port,
		"protocol": dest.Protocol,
	}
	if !decision.Allow {
		resp["reason"] = decision.ReasonCode
	}
	_ = evalErr // deny is expressed in the response body, not as an HTTP error
	writeJSON(w, http.StatusOK, resp)
}

type egressSettingsRequest struct {
	Project          string   `json:"project,omitempty"`
	Posture          string   `json:"posture"`
	AllowHosts       []string `json:"allow_hosts,omitempty"`
	DenyIPLiterals   bool     `json:"deny_ip_literals,omitempty"`
	AllowedResolvers []string `json:"allowed_resolvers,omitempty"`
	AllowedProtocols []string `json:"allowed_protocols,omitempty"`
	AllowedPorts     []int    `json:"allowed_ports,omitempty"`
}

// handleEgressSettings implements POST /egress/settings (admin-only).
func (s *Server) handleEgressSettings(w http.ResponseWriter, r *http.Request) {
	corrID := CorrIDFromContext(r.Context())
	var req egressSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, corrID, errs.Wrap(errs.CodeSchemaInvalid, http.StatusBadRequest, err))
		return
	}

	s.opts.Egress.SetProjectSettings(req.Project, egress.Settings{
		Posture:          egress.Posture(req.Posture),
		AllowHosts:       req.AllowHosts,
		DenyIPLiterals:   req.DenyIPLiterals,
		AllowedResolvers: req.AllowedResolvers,
		AllowedProtocols: req.AllowedProtocols,
		AllowedPorts:     req.AllowedPorts,
	})
	w.WriteHeader(http.StatusOK)
}
