package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/edgecore-io/edgecore/internal/edgeerr"
)

// OllamaConfig configures the Ollama backend.
type OllamaConfig struct {
	Endpoint string
	Model    string
	Timeout  time.Duration
}

// OllamaFactory builds OllamaRuntime instances from a config map.
type OllamaFactory struct{}

func (OllamaFactory) BackendID() string   { return "ollama" }
func (OllamaFactory) DisplayName() string { return "Ollama (local LLM)" }

func (OllamaFactory) Create(config map[string]any) (Runtime, error) {
	cfg := OllamaConfig{Model: "qwen3-vl:2b", Endpoint: "http://localhost:11434"}
	if m, ok := config["model"].(string); ok && m != "" {
		cfg.Model = m
	}
	if ep, ok := config["endpoint"].(string); ok && ep != "" {
		cfg.Endpoint = ep
	}
	return NewOllamaRuntime(cfg), nil
}

func (OllamaFactory) ValidateConfig(config map[string]any) error {
	if ep, ok := config["endpoint"].(string); ok && strings.TrimSpace(ep) == "" {
		return edgeerr.New(edgeerr.InvalidArgument, "endpoint cannot be empty")
	}
	return nil
}

func (OllamaFactory) DefaultConfig() map[string]any {
	return map[string]any{"backend": "ollama", "model": "qwen3-vl:2b", "endpoint": "http://localhost:11434"}
}

func (OllamaFactory) IsAvailable(ctx context.Context) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://localhost:11434/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300
}

// OllamaRuntime drives a local Ollama daemon's /api/chat endpoint.
type OllamaRuntime struct {
	client   *http.Client
	endpoint string
	model    string
}

// NewOllamaRuntime builds a runtime talking to cfg.Endpoint.
func NewOllamaRuntime(cfg OllamaConfig) *OllamaRuntime {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "qwen3-vl:2b"
	}
	return &OllamaRuntime{client: &http.Client{Timeout: timeout}, endpoint: endpoint, model: model}
}

func (o *OllamaRuntime) BackendID() string { return "ollama" }
func (o *OllamaRuntime) ModelName() string { return o.model }
func (o *OllamaRuntime) MaxContextLength() int { return 32768 }

func (o *OllamaRuntime) Capabilities() Capabilities {
	return Capabilities{Streaming: true, Multimodal: true, FunctionCalling: true, MaxContext: 32768}
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message         *ollamaChatMessage `json:"message"`
	Done            bool               `json:"done"`
	Error           string             `json:"error"`
	EvalCount       int                `json:"eval_count"`
	PromptEvalCount int                `json:"prompt_eval_count"`
}

func (o *OllamaRuntime) buildMessages(input Input) []ollamaChatMessage {
	messages := make([]ollamaChatMessage, 0, len(input.Messages))
	for _, m := range input.Messages {
		messages = append(messages, ollamaChatMessage{Role: string(m.Role), Content: m.Text()})
	}
	return messages
}

func (o *OllamaRuntime) request(ctx context.Context, input Input, stream bool) (*http.Response, error) {
	payload := ollamaChatRequest{Model: o.model, Messages: o.buildMessages(input), Stream: stream}
	if input.Params.MaxTokens > 0 {
		payload.Options = map[string]any{"num_predict": input.Params.MaxTokens}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.InvalidArgument, "marshal ollama request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.InvalidArgument, "build ollama request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.Unavailable, "ollama request failed", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, edgeerr.Newf(edgeerr.Unavailable, "ollama status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}
	return resp, nil
}

// Generate performs a single non-streaming chat completion.
func (o *OllamaRuntime) Generate(ctx context.Context, input Input) (Output, error) {
	resp, err := o.request(ctx, input, false)
	if err != nil {
		return Output{}, err
	}
	defer resp.Body.Close()

	var decoded ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Output{}, edgeerr.Wrap(edgeerr.Unavailable, "decode ollama response", err)
	}
	if decoded.Error != "" {
		return Output{}, edgeerr.Newf(edgeerr.Unavailable, "ollama error: %s", decoded.Error)
	}

	text := ""
	if decoded.Message != nil {
		text = decoded.Message.Content
	}
	return Output{
		Text:         text,
		FinishReason: FinishStop,
		Usage:        TokenUsage{Prompt: decoded.PromptEvalCount, Completion: decoded.EvalCount},
	}, nil
}

// GenerateStream streams tokens from Ollama's NDJSON /api/chat responses.
func (o *OllamaRuntime) GenerateStream(ctx context.Context, input Input) (<-chan StreamChunk, error) {
	resp, err := o.request(ctx, input, true)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk)
	go o.streamResponse(ctx, resp.Body, out)
	return out, nil
}

func (o *OllamaRuntime) streamResponse(ctx context.Context, body io.ReadCloser, out chan<- StreamChunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			out <- StreamChunk{Err: ctx.Err(), Done: true}
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var resp ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			out <- StreamChunk{Err: edgeerr.Wrap(edgeerr.Unavailable, "decode ollama stream chunk", err), Done: true}
			return
		}
		if resp.Error != "" {
			out <- StreamChunk{Err: edgeerr.Newf(edgeerr.Unavailable, "ollama error: %s", resp.Error), Done: true}
			return
		}
		if resp.Message != nil && resp.Message.Content != "" {
			out <- StreamChunk{Text: resp.Message.Content}
		}
		if resp.Done {
			out <- StreamChunk{Done: true, Usage: TokenUsage{Prompt: resp.PromptEvalCount, Completion: resp.EvalCount}}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		out <- StreamChunk{Err: edgeerr.Wrap(edgeerr.Unavailable, "read ollama stream", err), Done: true}
	}
}
