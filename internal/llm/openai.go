package llm

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/edgecore-io/edgecore/internal/edgeerr"
)

// OpenAIConfig configures the OpenAI-compatible cloud backend. The same
// driver serves OpenAI itself and any OpenAI-wire-compatible endpoint
// (self-hosted gateways, xAI's Grok API, etc.) by overriding BaseURL.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// OpenAIFactory builds OpenAIRuntime instances.
type OpenAIFactory struct{}

func (OpenAIFactory) BackendID() string   { return "openai" }
func (OpenAIFactory) DisplayName() string { return "OpenAI-compatible" }

func (OpenAIFactory) Create(config map[string]any) (Runtime, error) {
	cfg := OpenAIConfig{Model: "gpt-4o-mini"}
	if k, ok := config["api_key"].(string); ok {
		cfg.APIKey = k
	}
	if m, ok := config["model"].(string); ok && m != "" {
		cfg.Model = m
	}
	if ep, ok := config["endpoint"].(string); ok {
		cfg.BaseURL = ep
	}
	return NewOpenAIRuntime(cfg)
}

func (OpenAIFactory) ValidateConfig(config map[string]any) error {
	key, _ := config["api_key"].(string)
	if strings.TrimSpace(key) == "" {
		return edgeerr.New(edgeerr.InvalidArgument, "api_key is required for the openai backend")
	}
	return nil
}

func (OpenAIFactory) DefaultConfig() map[string]any {
	return map[string]any{"backend": "openai", "model": "gpt-4o-mini"}
}

func (OpenAIFactory) IsAvailable(context.Context) bool {
	return true // reachability depends on network access at call time, not on startup
}

// OpenAIRuntime drives any OpenAI-wire-compatible chat completions API.
type OpenAIRuntime struct {
	client *openai.Client
	model  string
}

// NewOpenAIRuntime builds a runtime for cfg.
func NewOpenAIRuntime(cfg OpenAIConfig) (*OpenAIRuntime, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, edgeerr.New(edgeerr.InvalidArgument, "api_key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIRuntime{client: openai.NewClientWithConfig(clientCfg), model: model}, nil
}

func (o *OpenAIRuntime) BackendID() string     { return "openai" }
func (o *OpenAIRuntime) ModelName() string     { return o.model }
func (o *OpenAIRuntime) MaxContextLength() int { return 128000 }

func (o *OpenAIRuntime) Capabilities() Capabilities {
	return Capabilities{Streaming: true, Multimodal: true, FunctionCalling: true, MaxContext: 128000}
}

func (o *OpenAIRuntime) buildRequest(input Input, stream bool) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(input.Messages))
	for _, m := range input.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Text()})
	}

	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   stream,
	}
	if input.Params.MaxTokens > 0 {
		req.MaxTokens = input.Params.MaxTokens
	}
	if input.Params.Temperature > 0 {
		req.Temperature = float32(input.Params.Temperature)
	}
	for _, t := range input.Tools {
		fn := &openai.FunctionDefinition{Name: t.Name, Description: t.Description}
		if len(t.Parameters) > 0 {
			fn.Parameters = json.RawMessage(t.Parameters)
		}
		req.Tools = append(req.Tools, openai.Tool{Type: openai.ToolTypeFunction, Function: fn})
	}
	return req
}

func (o *OpenAIRuntime) Generate(ctx context.Context, input Input) (Output, error) {
	resp, err := o.client.CreateChatCompletion(ctx, o.buildRequest(input, false))
	if err != nil {
		return Output{}, edgeerr.Wrap(edgeerr.Unavailable, "openai request failed", err)
	}
	if len(resp.Choices) == 0 {
		return Output{}, edgeerr.New(edgeerr.Unavailable, "openai returned no choices")
	}
	finish := FinishStop
	if resp.Choices[0].FinishReason == openai.FinishReasonLength {
		finish = FinishLength
	} else if resp.Choices[0].FinishReason == openai.FinishReasonToolCalls {
		finish = FinishToolCall
	}
	var calls []ToolCallRequest
	for _, tc := range resp.Choices[0].Message.ToolCalls {
		calls = append(calls, ToolCallRequest{ID: tc.ID, Name: tc.Function.Name, Arguments: []byte(tc.Function.Arguments)})
	}

	return Output{
		Text:         resp.Choices[0].Message.Content,
		FinishReason: finish,
		Usage:        TokenUsage{Prompt: resp.Usage.PromptTokens, Completion: resp.Usage.CompletionTokens},
		ToolCalls:    calls,
	}, nil
}

func (o *OpenAIRuntime) GenerateStream(ctx context.Context, input Input) (<-chan StreamChunk, error) {
	stream, err := o.client.CreateChatCompletionStream(ctx, o.buildRequest(input, true))
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.Unavailable, "openai stream request failed", err)
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if err != nil {
				if err == io.EOF {
					out <- StreamChunk{Done: true}
					return
				}
				out <- StreamChunk{Err: edgeerr.Wrap(edgeerr.Unavailable, "openai stream read failed", err), Done: true}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if text := resp.Choices[0].Delta.Content; text != "" {
				select {
				case <-ctx.Done():
					out <- StreamChunk{Err: ctx.Err(), Done: true}
					return
				case out <- StreamChunk{Text: text}:
				}
			}
		}
	}()
	return out, nil
}
