package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/arw-hub/agenthub/internal/errs"
	"github.com/arw-hub/agenthub/internal/lease"
)

type createLeaseRequest struct {
	Capability string        `json:"capability"`
	Scope      string        `json:"scope,omitempty"`
	TTLSecs    int64         `json:"ttl_secs"`
	Budget     *lease.Budget `json:"budget,omitempty"`
	Subject    string        `json:"subject,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

func (s *Server) handleCreateLease(w http.ResponseWriter, r *http.Request) {
	corrID := CorrIDFromContext(r.Context())
	var req createLeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, corrID, errs.Wrap(errs.CodeSchemaInvalid, http.StatusBadRequest, err))
		return
	}

	l, err := s.opts.Leases.Create(lease.CreateRequest{
		Capability: req.Capability,
		Scope:      req.Scope,
		Subject:    req.Subject,
		TTL:        time.Duration(req.TTLSecs) * time.Second,
		Budget:     req.Budget,
		Reason:     req.Reason,
	})
	if err != nil {
		writeProblem(w, corrID, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"lease_id":   l.LeaseID,
		"expires_at": l.ExpiresAt,
	})
}
