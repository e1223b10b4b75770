package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/arw-hub/agenthub/internal/errs"
)

// problem is the application/problem+json body shape (spec §6 "Error
// bodies: {type, title, status, detail, code, corr_id}").
type problem struct {
	Type    string    `json:"type"`
	Title   string    `json:"title"`
	Status  int       `json:"status"`
	Detail  string    `json:"detail,omitempty"`
	Code    errs.Code `json:"code"`
	CorrID  string    `json:"corr_id,omitempty"`
}

func writeProblem(w http.ResponseWriter, corrID string, err error) {
	e, ok := errs.As(err)
	if !ok {
		e = errs.Wrap(errs.CodeToolInternal, http.StatusInternalServerError, err)
	}
	if e.CorrID == "" {
		e = e.WithCorrID(corrID)
	}
	status := e.Status
	if status == 0 {
		status = errs.StatusFor(e.Code)
	}
	p := problem{
		Type:   "https://arw.dev/errors/" + string(e.Code),
		Title:  string(e.Code),
		Status: status,
		Detail: e.Message,
		Code:   e.Code,
		CorrID: e.CorrID,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
