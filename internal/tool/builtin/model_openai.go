package builtin

import (
	"context"
	"encoding/json"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"

	"github.com/arw-hub/agenthub/internal/errs"
	"github.com/arw-hub/agenthub/internal/tool"
)

// OpenAIChatCompletions is the subset of the OpenAI client's Chat
// Completions service the model.chat.openai tool depends on.
type OpenAIChatCompletions interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

// ModelChatOpenAI implements model.chat.openai via the Chat Completions
// API.
func ModelChatOpenAI(client OpenAIChatCompletions, defaultModel string, defaultMaxTokens int) tool.HandlerFunc {
	return func(ctx context.Context, req tool.Request) (json.RawMessage, error) {
		var in ChatRequest
		if err := json.Unmarshal(req.Input, &in); err != nil {
			return nil, errs.Wrap(errs.CodeSchemaInvalid, 400, err)
		}
		if !req.Leases.Active("model:chat:openai", "") {
			return nil, errs.New(errs.CodeLeaseMissing, 403, "missing model:chat:openai lease")
		}
		modelID := in.Model
		if modelID == "" {
			modelID = defaultModel
		}
		maxTokens := in.MaxTokens
		if maxTokens <= 0 {
			maxTokens = defaultMaxTokens
		}

		params := openai.ChatCompletionNewParams{
			Model: shared.ChatModel(modelID),
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.UserMessage(in.Prompt),
			},
			MaxTokens: openai.Int(int64(maxTokens)),
		}

		resp, err := client.New(ctx, params)
		if err != nil {
			return nil, errs.Wrap(errs.CodeUpstreamStatus, 502, err)
		}

		var text string
		if len(resp.Choices) > 0 {
			text = resp.Choices[0].Message.Content
		}
		return json.Marshal(ChatResponse{Text: text})
	}
}
