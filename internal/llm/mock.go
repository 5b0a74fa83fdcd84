package llm

import (
	"context"
	"fmt"
)

// MockFactory builds MockRuntime instances. Always available; useful
// for tests and for running the agent plane without any configured
// LLM backend.
type MockFactory struct{}

func (MockFactory) BackendID() string   { return "mock" }
func (MockFactory) DisplayName() string { return "Mock (testing)" }

func (MockFactory) Create(config map[string]any) (Runtime, error) {
	model, _ := config["model"].(string)
	if model == "" {
		model = "mock-model"
	}
	return &MockRuntime{model: model}, nil
}

func (MockFactory) ValidateConfig(map[string]any) error { return nil }

func (MockFactory) DefaultConfig() map[string]any {
	return map[string]any{"backend": "mock"}
}

func (MockFactory) IsAvailable(context.Context) bool { return true }

// MockRuntime echoes the last user message back, deterministically, so
// tests can assert on agent-plane behavior without a live backend.
type MockRuntime struct {
	model string
}

func NewMockRuntime(model string) *MockRuntime {
	if model == "" {
		model = "mock-model"
	}
	return &MockRuntime{model: model}
}

func (m *MockRuntime) BackendID() string { return "mock" }
func (m *MockRuntime) ModelName() string { return m.model }

func (m *MockRuntime) Generate(ctx context.Context, input Input) (Output, error) {
	last := lastMessageText(input.Messages)
	text := fmt.Sprintf("mock response to: %s", last)
	return Output{
		Text:         text,
		FinishReason: FinishStop,
		Usage:        TokenUsage{Prompt: NewTokenCounter().CountMessages(input.Messages), Completion: NewTokenCounter().Count(text)},
	}, nil
}

func (m *MockRuntime) GenerateStream(ctx context.Context, input Input) (<-chan StreamChunk, error) {
	last := lastMessageText(input.Messages)
	text := fmt.Sprintf("mock stream response to: %s", last)
	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		for _, r := range text {
			select {
			case <-ctx.Done():
				out <- StreamChunk{Err: ctx.Err(), Done: true}
				return
			case out <- StreamChunk{Text: string(r)}:
			}
		}
		out <- StreamChunk{Done: true}
	}()
	return out, nil
}

func (m *MockRuntime) MaxContextLength() int { return 4096 }

func (m *MockRuntime) Capabilities() Capabilities {
	return Capabilities{Streaming: true, Multimodal: true, FunctionCalling: true, ThinkingDisplay: true, MaxContext: 4096}
}

func lastMessageText(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}
	return messages[len(messages)-1].Text()
}
