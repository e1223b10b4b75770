package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/arw-hub/agenthub/internal/egress"
	"github.com/arw-hub/agenthub/internal/errs"
	"github.com/arw-hub/agenthub/internal/tool"
)

// HTTPGetRequest is net.http.get's input.
type HTTPGetRequest struct {
	URL string `json:"url"`
}

// HTTPGetResponse is net.http.get's output.
type HTTPGetResponse struct {
	Status int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body"`
}

// Guard is the subset of internal/egress.Guard the net.http.* tools
// depend on.
type Guard interface {
	Evaluate(project, subject string, dest egress.Destination, rawURL string, requiredCapability string) (egress.Decision, error)
	RecordTransfer(project, corrID string, dest egress.Destination, bytesIn, bytesOut int64, duration time.Duration) error
}

// HTTPGet implements net.http.get, the egress-guarded HTTP fetch tool
// (spec §4.F: every external connection is resolved, classified, and
// ledgered before proceeding).
func HTTPGet(guard Guard, client *http.Client) tool.HandlerFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, req tool.Request) (json.RawMessage, error) {
		var in HTTPGetRequest
		if err := json.Unmarshal(req.Input, &in); err != nil {
			return nil, errs.Wrap(errs.CodeSchemaInvalid, 400, err)
		}

		dest, err := egress.Resolve(in.URL)
		if err != nil {
			return nil, err
		}
		if !req.Leases.Active("net:http", dest.Host) {
			return nil, errs.New(errs.CodeLeaseMissing, 403, "missing net:http lease for "+dest.Host)
		}
		// The lease was checked above through the action's own subject, so
		// the guard is asked for its posture decision only.
		if _, err := guard.Evaluate(req.Project, req.ActionID, dest, in.URL, ""); err != nil {
			return nil, err
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, nil)
		if err != nil {
			return nil, errs.Wrap(errs.CodeSchemaInvalid, 400, err)
		}

		start := time.Now()
		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, errs.Wrap(errs.CodeUpstreamStatus, 502, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, errs.Wrap(errs.CodeUpstreamStatus, 502, err)
		}

		_ = guard.RecordTransfer(req.Project, req.CorrID, dest, int64(len(body)), 0, time.Since(start))

		headers := make(map[string]string, len(resp.Header))
		for k := range resp.Header {
			headers[k] = resp.Header.Get(k)
		}
		return json.Marshal(HTTPGetResponse{Status: resp.StatusCode, Headers: headers, Body: bytes.NewBuffer(body).String()})
	}
}
