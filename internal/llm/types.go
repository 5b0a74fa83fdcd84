// Package llm abstracts over LLM backends behind a single Runtime
// interface, with a BackendFactory registry so new backends can be
// added without touching the agent runtime that consumes them.
package llm

import "context"

// Role is a conversation turn's speaker.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentPart is one piece of a message's content: either text or an
// image reference. A message with more than one part is multimodal.
type ContentPart struct {
	Text     string
	ImageURL string
	IsImage  bool
}

// Message is one conversation turn.
type Message struct {
	Role  Role
	Parts []ContentPart
}

// Text returns the concatenation of every text part, ignoring images.
func (m Message) Text() string {
	if len(m.Parts) == 1 && !m.Parts[0].IsImage {
		return m.Parts[0].Text
	}
	var out string
	for _, p := range m.Parts {
		if !p.IsImage {
			out += p.Text
		}
	}
	return out
}

// TextMessage builds a single-part text message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Parts: []ContentPart{{Text: text}}}
}

// ToolDefinition describes one tool the model may call.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  []byte // JSON Schema
}

// GenerationParams tunes a single generate call.
type GenerationParams struct {
	MaxTokens        int
	Temperature      float64
	EnableThinking   bool
	ThinkingBudget   int
}

// Input is one request to a Runtime.
type Input struct {
	Messages []Message
	Params   GenerationParams
	Tools    []ToolDefinition
}

// FinishReason is why generation stopped.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCall  FinishReason = "tool_call"
	FinishError     FinishReason = "error"
)

// TokenUsage reports how many tokens a call consumed.
type TokenUsage struct {
	Prompt     int
	Completion int
}

// ToolCallRequest is one tool invocation the model asked for, decoded
// from whatever native function-calling shape the backend uses.
type ToolCallRequest struct {
	ID        string
	Name      string
	Arguments []byte // JSON
}

// Output is one Runtime.Generate result.
type Output struct {
	Text         string
	FinishReason FinishReason
	Usage        TokenUsage
	Thinking     string
	ToolCalls    []ToolCallRequest
}

// StreamChunk is one piece of a Runtime.GenerateStream response.
type StreamChunk struct {
	Text       string
	IsThinking bool
	Err        error
	Done       bool
	Usage      TokenUsage
}

// Capabilities advertises what a Runtime supports, so callers can
// adapt (e.g. skip streaming UI for a backend that can't stream).
type Capabilities struct {
	Streaming       bool
	Multimodal      bool
	FunctionCalling bool
	ThinkingDisplay bool
	MaxContext      int
}

// Runtime is the opaque interface every LLM backend implements.
// Callers never see backend-specific request/response shapes.
type Runtime interface {
	BackendID() string
	ModelName() string
	Generate(ctx context.Context, input Input) (Output, error)
	GenerateStream(ctx context.Context, input Input) (<-chan StreamChunk, error)
	MaxContextLength() int
	Capabilities() Capabilities
}

// BackendFactory lets a backend register itself with a Registry
// without the registry importing every backend's package.
type BackendFactory interface {
	BackendID() string
	DisplayName() string
	Create(config map[string]any) (Runtime, error)
	ValidateConfig(config map[string]any) error
	DefaultConfig() map[string]any
	IsAvailable(ctx context.Context) bool
}
