// Package builtin provides the illustrative action kinds the server
// registers at boot: demo.echo (a no-dependency smoke-test tool),
// net.http.get (egress-guarded HTTP fetch), and model.chat.{anthropic,
// openai,bedrock} (thin wrappers that exercise the three model SDKs the
// teacher pack already depends on). Spec §4.I describes only the
// dispatch contract; the concrete kinds here are the built-ins listed
// under SPEC_FULL.md §9.2 "Domain stack wiring".
package builtin

import (
	"context"
	"encoding/json"

	"github.com/arw-hub/agenthub/internal/tool"
)

// EchoRequest is demo.echo's input.
type EchoRequest struct {
	Message string `json:"message"`
}

// EchoResponse is demo.echo's output.
type EchoResponse struct {
	Message string `json:"message"`
}

// Echo is a dependency-free tool useful for smoke-testing the admission
// and dispatch path end to end.
func Echo() tool.HandlerFunc {
	return func(_ context.Context, req tool.Request) (json.RawMessage, error) {
		var in EchoRequest
		if len(req.Input) > 0 {
			if err := json.Unmarshal(req.Input, &in); err != nil {
				return nil, err
			}
		}
		return json.Marshal(EchoResponse{Message: in.Message})
	}
}
