package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/arw-hub/agenthub/internal/errs"
)

// handleGetState implements GET /state/:id, returning a read-model
// snapshot for resumption (spec §6).
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	corrID := CorrIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	value, version, lastEventID, ok := s.opts.ReadModels.Get(id)
	if !ok {
		writeProblem(w, corrID, errs.New(errs.CodeNotFound, http.StatusNotFound, "unknown read-model: "+id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":            id,
		"version":       version,
		"value":         value,
		"last_event_id": lastEventID,
	})
}
