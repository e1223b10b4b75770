package builtin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/arw-hub/agenthub/internal/tool"
)

const echoSchemaJSON = `{
	"type": "object",
	"properties": {"message": {"type": "string"}},
	"required": ["message"]
}`

const httpGetSchemaJSON = `{
	"type": "object",
	"properties": {"url": {"type": "string"}},
	"required": ["url"]
}`

const chatSchemaJSON = `{
	"type": "object",
	"properties": {
		"model": {"type": "string"},
		"prompt": {"type": "string"},
		"max_tokens": {"type": "integer"}
	},
	"required": ["prompt"]
}`

func mustCompile(name, schemaJSON string) *jsonschema.Schema {
	var doc any
	if err := json.Unmarshal([]byte(schemaJSON), &doc); err != nil {
		panic(fmt.Sprintf("builtin: unmarshal schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("builtin: add schema resource %s: %v", name, err))
	}
	schema, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("builtin: compile schema %s: %v", name, err))
	}
	return schema
}

// Options configures which built-in tool kinds RegisterAll wires in. A
// nil client for a given model provider skips that provider's tool
// (spec §4.I kinds are additive: a server with no Bedrock credentials
// simply never registers model.chat.bedrock).
type Options struct {
	Guard            Guard
	HTTPClient       *http.Client
	Anthropic        AnthropicMessages
	AnthropicModel   string
	AnthropicMaxTok  int
	OpenAI           OpenAIChatCompletions
	OpenAIModel      string
	OpenAIMaxTok     int
	Bedrock          BedrockRuntime
	BedrockModel     string
}

// Registry is the subset of *tool.Registry RegisterAll depends on.
type Registry interface {
	Register(spec tool.Spec)
}

// RegisterAll registers demo.echo unconditionally, net.http.get if a
// Guard is supplied, and each model.chat.* kind whose client is
// non-nil (spec §4.I "Registry": kinds are registered by the process
// that boots the dispatcher, not discovered dynamically).
func RegisterAll(reg Registry, opts Options) {
	reg.Register(tool.Spec{
		Kind:           "demo.echo",
		Description:    "Echoes its input message back unchanged.",
		InputSchema:    mustCompile("demo.echo.input", echoSchemaJSON),
		DefaultTimeout: 5 * time.Second,
		Handler:        Echo(),
	})

	if opts.Guard != nil {
		reg.Register(tool.Spec{
			Kind:                 "net.http.get",
			Description:          "Fetches a URL through the egress guard.",
			RequiredCapabilities: []string{"net:http"},
			InputSchema:          mustCompile("net.http.get.input", httpGetSchemaJSON),
			DefaultTimeout:       30 * time.Second,
			Handler:              HTTPGet(opts.Guard, opts.HTTPClient),
		})
	}

	if opts.Anthropic != nil {
		reg.Register(tool.Spec{
			Kind:                 "model.chat.anthropic",
			Description:          "Single-turn chat completion via the Anthropic Messages API.",
			RequiredCapabilities: []string{"model:chat:anthropic"},
			InputSchema:          mustCompile("model.chat.anthropic.input", chatSchemaJSON),
			DefaultTimeout:       60 * time.Second,
			Handler:              ModelChatAnthropic(opts.Anthropic, opts.AnthropicModel, opts.AnthropicMaxTok),
		})
	}

	if opts.OpenAI != nil {
		reg.Register(tool.Spec{
			Kind:                 "model.chat.openai",
			Description:          "Single-turn chat completion via OpenAI Chat Completions.",
			RequiredCapabilities: []string{"model:chat:openai"},
			InputSchema:          mustCompile("model.chat.openai.input", chatSchemaJSON),
			DefaultTimeout:       60 * time.Second,
			Handler:              ModelChatOpenAI(opts.OpenAI, opts.OpenAIModel, opts.OpenAIMaxTok),
		})
	}

	if opts.Bedrock != nil {
		reg.Register(tool.Spec{
			Kind:                 "model.chat.bedrock",
			Description:          "Single-turn chat completion via the Bedrock Converse API.",
			RequiredCapabilities: []string{"model:chat:bedrock"},
			InputSchema:          mustCompile("model.chat.bedrock.input", chatSchemaJSON),
			DefaultTimeout:       60 * time.Second,
			Handler:              ModelChatBedrock(opts.Bedrock, opts.BedrockModel),
		})
	}
}
