package builtin

import (
	"context"
	"encoding/json"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/arw-hub/agenthub/internal/errs"
	"github.com/arw-hub/agenthub/internal/tool"
)

// ChatRequest is the shared input shape for all model.chat.* tools.
type ChatRequest struct {
	Model     string  `json:"model,omitempty"`
	Prompt    string  `json:"prompt"`
	MaxTokens int     `json:"max_tokens,omitempty"`
}

// ChatResponse is the shared output shape for all model.chat.* tools.
type ChatResponse struct {
	Text string `json:"text"`
}

// AnthropicMessages is the subset of *sdk.MessageService the
// model.chat.anthropic tool depends on, grounded on the teacher's own
// features/model/anthropic.MessagesClient interface.
type AnthropicMessages interface {
	New(ctx context.Context, body sdk.MessageNewParams) (*sdk.Message, error)
}

// ModelChatAnthropic implements model.chat.anthropic via the Anthropic
// Messages API.
func ModelChatAnthropic(client AnthropicMessages, defaultModel string, defaultMaxTokens int) tool.HandlerFunc {
	return func(ctx context.Context, req tool.Request) (json.RawMessage, error) {
		var in ChatRequest
		if err := json.Unmarshal(req.Input, &in); err != nil {
			return nil, errs.Wrap(errs.CodeSchemaInvalid, 400, err)
		}
		if !req.Leases.Active("model:chat:anthropic", "") {
			return nil, errs.New(errs.CodeLeaseMissing, 403, "missing model:chat:anthropic lease")
		}
		modelID := in.Model
		if modelID == "" {
			modelID = defaultModel
		}
		maxTokens := in.MaxTokens
		if maxTokens <= 0 {
			maxTokens = defaultMaxTokens
		}

		params := sdk.MessageNewParams{
			Model:     sdk.Model(modelID),
			MaxTokens: int64(maxTokens),
			Messages: []sdk.MessageParam{
				sdk.NewUserMessage(sdk.NewTextBlock(in.Prompt)),
			},
		}
		resp, err := client.New(ctx, params)
		if err != nil {
			return nil, errs.Wrap(errs.CodeUpstreamStatus, 502, err)
		}

		var text string
		for _, block := range resp.Content {
			if block.Type == "text" {
				text += block.Text
			}
		}
		return json.Marshal(ChatResponse{Text: text})
	}
}
