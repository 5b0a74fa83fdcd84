package llm

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/edgecore-io/edgecore/internal/edgeerr"
)

// AnthropicConfig configures the Anthropic backend.
type AnthropicConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// AnthropicFactory builds AnthropicRuntime instances.
type AnthropicFactory struct{}

func (AnthropicFactory) BackendID() string   { return "anthropic" }
func (AnthropicFactory) DisplayName() string { return "Anthropic Claude" }

func (AnthropicFactory) Create(config map[string]any) (Runtime, error) {
	cfg := AnthropicConfig{Model: "claude-sonnet-4-20250514"}
	if k, ok := config["api_key"].(string); ok {
		cfg.APIKey = k
	}
	if m, ok := config["model"].(string); ok && m != "" {
		cfg.Model = m
	}
	if ep, ok := config["endpoint"].(string); ok {
		cfg.BaseURL = ep
	}
	return NewAnthropicRuntime(cfg)
}

func (AnthropicFactory) ValidateConfig(config map[string]any) error {
	key, _ := config["api_key"].(string)
	if strings.TrimSpace(key) == "" {
		return edgeerr.New(edgeerr.InvalidArgument, "api_key is required for the anthropic backend")
	}
	return nil
}

func (AnthropicFactory) DefaultConfig() map[string]any {
	return map[string]any{"backend": "anthropic", "model": "claude-sonnet-4-20250514"}
}

func (AnthropicFactory) IsAvailable(context.Context) bool {
	return true
}

// AnthropicRuntime drives Claude's native Messages API.
type AnthropicRuntime struct {
	client anthropic.Client
	model  string
}

// NewAnthropicRuntime builds a runtime for cfg.
func NewAnthropicRuntime(cfg AnthropicConfig) (*AnthropicRuntime, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, edgeerr.New(edgeerr.InvalidArgument, "api_key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &AnthropicRuntime{client: anthropic.NewClient(opts...), model: model}, nil
}

func (a *AnthropicRuntime) BackendID() string     { return "anthropic" }
func (a *AnthropicRuntime) ModelName() string     { return a.model }
func (a *AnthropicRuntime) MaxContextLength() int { return 200000 }

func (a *AnthropicRuntime) Capabilities() Capabilities {
	return Capabilities{Streaming: true, Multimodal: true, FunctionCalling: true, ThinkingDisplay: true, MaxContext: 200000}
}

func (a *AnthropicRuntime) buildParams(input Input) anthropic.MessageNewParams {
	var system []anthropic.TextBlockParam
	messages := make([]anthropic.MessageParam, 0, len(input.Messages))
	for _, m := range input.Messages {
		text := m.Text()
		if m.Role == RoleSystem {
			system = append(system, anthropic.TextBlockParam{Type: "text", Text: text})
			continue
		}
		if m.Role == RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
		} else {
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
		}
	}

	maxTokens := input.Params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if len(system) > 0 {
		params.System = system
	}
	if input.Params.EnableThinking {
		budget := int64(input.Params.ThinkingBudget)
		if budget < 1024 {
			budget = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}
	return params
}

func (a *AnthropicRuntime) Generate(ctx context.Context, input Input) (Output, error) {
	msg, err := a.client.Messages.New(ctx, a.buildParams(input))
	if err != nil {
		return Output{}, edgeerr.Wrap(edgeerr.Unavailable, "anthropic request failed", err)
	}

	var text, thinking strings.Builder
	var calls []ToolCallRequest
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(variant.Text)
		case anthropic.ThinkingBlock:
			thinking.WriteString(variant.Thinking)
		case anthropic.ToolUseBlock:
			calls = append(calls, ToolCallRequest{ID: variant.ID, Name: variant.Name, Arguments: variant.Input})
		}
	}

	finish := FinishStop
	if string(msg.StopReason) == "max_tokens" {
		finish = FinishLength
	} else if string(msg.StopReason) == "tool_use" {
		finish = FinishToolCall
	}

	return Output{
		Text:         text.String(),
		Thinking:     thinking.String(),
		FinishReason: finish,
		Usage:        TokenUsage{Prompt: int(msg.Usage.InputTokens), Completion: int(msg.Usage.OutputTokens)},
		ToolCalls:    calls,
	}, nil
}

func (a *AnthropicRuntime) GenerateStream(ctx context.Context, input Input) (<-chan StreamChunk, error) {
	stream := a.client.Messages.NewStreaming(ctx, a.buildParams(input))

	out := make(chan StreamChunk)
	go func() {
		defer close(out)

		var inputTokens, outputTokens int
		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				ms := event.AsMessageStart()
				if ms.Message.Usage.InputTokens > 0 {
					inputTokens = int(ms.Message.Usage.InputTokens)
				}
			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						select {
						case <-ctx.Done():
							out <- StreamChunk{Err: ctx.Err(), Done: true}
							return
						case out <- StreamChunk{Text: delta.Text}:
						}
					}
				case "thinking_delta":
					if delta.Thinking != "" {
						select {
						case <-ctx.Done():
							out <- StreamChunk{Err: ctx.Err(), Done: true}
							return
						case out <- StreamChunk{Text: delta.Thinking, IsThinking: true}:
						}
					}
				}
			case "message_delta":
				md := event.AsMessageDelta()
				if md.Usage.OutputTokens > 0 {
					outputTokens = int(md.Usage.OutputTokens)
				}
			case "message_stop":
				out <- StreamChunk{Done: true, Usage: TokenUsage{Prompt: inputTokens, Completion: outputTokens}}
				return
			}
		}
		if err := stream.Err(); err != nil {
			out <- StreamChunk{Err: edgeerr.Wrap(edgeerr.Unavailable, "anthropic stream read failed", err), Done: true}
		}
	}()
	return out, nil
}
