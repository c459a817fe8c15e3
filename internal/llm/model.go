// Package llm adapts langchaingo chat models to the model capability the
// turn engine consumes: ordered history plus tool catalog in, final text or
// tool-call requests out, with incremental delivery of text.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/jackkroninger/agent-api/internal/config"
	"github.com/jackkroninger/agent-api/internal/models"
)

// ToolDef describes one catalog entry advertised to the model.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Reply is the outcome of a single model call: either final text (already
// delivered incrementally through the stream function) or tool-call
// requests. Token counts are zero when the provider reports no usage.
type Reply struct {
	Text         string
	ToolCalls    []models.ToolCallRequest
	InputTokens  int
	OutputTokens int
}

// StreamFunc receives text fragments as the provider produces them.
type StreamFunc func(ctx context.Context, fragment string) error

// Client wraps a langchaingo chat model. The model is stateless per call;
// the complete history is passed on every iteration.
type Client struct {
	llm       llms.Model
	modelName string
	logger    *slog.Logger
}

// New creates a model client based on configuration.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Client, error) {
	var model llms.Model
	var err error

	switch cfg.LLM.Provider {
	case config.ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.LLM.Model),
			ollama.WithServerURL(cfg.LLM.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case config.ProviderOpenAI:
		if cfg.LLM.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.LLM.OpenAIAPIKey),
			openai.WithModel(cfg.LLM.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case config.ProviderAnthropic:
		if cfg.LLM.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.LLM.AnthropicAPIKey),
			anthropic.WithModel(cfg.LLM.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	case config.ProviderGoogleAI:
		if cfg.LLM.GoogleAPIKey == "" {
			return nil, fmt.Errorf("Google API key required")
		}
		model, err = googleai.New(ctx,
			googleai.WithAPIKey(cfg.LLM.GoogleAPIKey),
			googleai.WithDefaultModel(cfg.LLM.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create googleai model: %w", err)
		}

	case config.ProviderBedrock:
		var awsOpts []func(*awsconfig.LoadOptions) error
		if cfg.LLM.BedrockRegion != "" {
			awsOpts = append(awsOpts, awsconfig.WithRegion(cfg.LLM.BedrockRegion))
		}
		awsCfg, awsErr := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
		if awsErr != nil {
			return nil, fmt.Errorf("load aws config: %w", awsErr)
		}
		runtime := bedrockruntime.NewFromConfig(awsCfg)
		model, err = bedrock.New(
			bedrock.WithClient(runtime),
			bedrock.WithModel(cfg.LLM.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create bedrock model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLM.Provider)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		llm:       model,
		modelName: cfg.LLM.Model,
		logger:    logger,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.modelName
}

// Generate runs one model call over the full message history. Text output is
// delivered incrementally through stream (when non-nil) and returned whole
// in the reply; a tool-call decision is returned without touching the
// stream.
func (c *Client) Generate(ctx context.Context, history []models.Message, catalog []ToolDef, stream StreamFunc) (*Reply, error) {
	msgs := toMessageContent(history)

	opts := []llms.CallOption{}
	if len(catalog) > 0 {
		opts = append(opts, llms.WithTools(toTools(catalog)))
	}
	if stream != nil {
		opts = append(opts, llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			return stream(ctx, string(chunk))
		}))
	}

	resp, err := c.llm.GenerateContent(ctx, msgs, opts...)
	if err != nil {
		return nil, wrapFatalError(fmt.Errorf("generate: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response choices")
	}

	choice := resp.Choices[0]
	reply := &Reply{Text: choice.Content}
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		id := tc.ID
		if id == "" {
			id = uuid.New().String()
		}
		reply.ToolCalls = append(reply.ToolCalls, models.ToolCallRequest{
			ID:        id,
			Name:      tc.FunctionCall.Name,
			Arguments: json.RawMessage(tc.FunctionCall.Arguments),
		})
	}

	reply.InputTokens = usageInt(choice.GenerationInfo, "PromptTokens")
	reply.OutputTokens = usageInt(choice.GenerationInfo, "CompletionTokens")

	return reply, nil
}

// toMessageContent converts stored messages to the langchaingo wire shape.
// Assistant tool-call decisions and their results round-trip so the model
// sees the complete loop on every iteration.
func toMessageContent(history []models.Message) []llms.MessageContent {
	msgs := make([]llms.MessageContent, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case models.RoleUser:
			msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, m.Content))

		case models.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeAI, m.Content))
				continue
			}
			mc := llms.MessageContent{Role: llms.ChatMessageTypeAI}
			if m.Content != "" {
				mc.Parts = append(mc.Parts, llms.TextContent{Text: m.Content})
			}
			for _, call := range m.ToolCalls {
				mc.Parts = append(mc.Parts, llms.ToolCall{
					ID:   call.ID,
					Type: "function",
					FunctionCall: &llms.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Arguments),
					},
				})
			}
			msgs = append(msgs, mc)

		case models.RoleTool:
			msgs = append(msgs, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{
					llms.ToolCallResponse{
						ToolCallID: m.ToolCallID,
						Name:       m.ToolName,
						Content:    m.Content,
					},
				},
			})
		}
	}
	return msgs
}

func toTools(catalog []ToolDef) []llms.Tool {
	tools := make([]llms.Tool, len(catalog))
	for i, def := range catalog {
		tools[i] = llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		}
	}
	return tools
}

// usageInt extracts a token count from provider generation info, which is
// untyped and provider-dependent.
func usageInt(info map[string]any, key string) int {
	if info == nil {
		return 0
	}
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
