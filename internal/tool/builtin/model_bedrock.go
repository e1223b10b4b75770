package builtin

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/arw-hub/agenthub/internal/errs"
	"github.com/arw-hub/agenthub/internal/tool"
)

// BedrockRuntime is the subset of *bedrockruntime.Client the
// model.chat.bedrock tool depends on, matching the teacher's own
// features/model/bedrock client interface.
type BedrockRuntime interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// ModelChatBedrock implements model.chat.bedrock via the Bedrock
// Converse API.
func ModelChatBedrock(client BedrockRuntime, defaultModel string) tool.HandlerFunc {
	return func(ctx context.Context, req tool.Request) (json.RawMessage, error) {
		var in ChatRequest
		if err := json.Unmarshal(req.Input, &in); err != nil {
			return nil, errs.Wrap(errs.CodeSchemaInvalid, 400, err)
		}
		if !req.Leases.Active("model:chat:bedrock", "") {
			return nil, errs.New(errs.CodeLeaseMissing, 403, "missing model:chat:bedrock lease")
		}
		modelID := in.Model
		if modelID == "" {
			modelID = defaultModel
		}

		input := &bedrockruntime.ConverseInput{
			ModelId: aws.String(modelID),
			Messages: []brtypes.Message{
				{
					Role: brtypes.ConversationRoleUser,
					Content: []brtypes.ContentBlock{
						&brtypes.ContentBlockMemberText{Value: in.Prompt},
					},
				},
			},
		}
		if in.MaxTokens > 0 {
			maxTokens := int32(in.MaxTokens)
			input.InferenceConfig = &brtypes.InferenceConfiguration{MaxTokens: &maxTokens}
		}

		out, err := client.Converse(ctx, input)
		if err != nil {
			return nil, errs.Wrap(errs.CodeUpstreamStatus, 502, err)
		}

		var text string
		if msgOutput, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
			for _, block := range msgOutput.Value.Content {
				if textBlock, ok := block.(*brtypes.ContentBlockMemberText); ok {
					text += textBlock.Value
				}
			}
		}
		return json.Marshal(ChatResponse{Text: text})
	}
}
