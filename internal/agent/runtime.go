package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/edgecore-io/edgecore/internal/edgeerr"
	"github.com/edgecore-io/edgecore/internal/llm"
	"github.com/edgecore-io/edgecore/internal/memory"
)

// DefaultMaxToolIterations bounds how many times a single Converse call
// will send tool results back to the model before giving up and
// returning whatever text it last produced.
const DefaultMaxToolIterations = 4

// Config tunes a Runtime.
type Config struct {
	SystemPrompt      string
	ContextBudget     int // tokens; 0 uses the backend's MaxContextLength
	MaxToolIterations int // 0 uses DefaultMaxToolIterations
	ShortTermOptions  []memory.ShortTermOption
}

// Runtime drives a conversation against an llm.Runtime backend,
// dispatching any tool calls the model requests through a Registry and
// feeding results back until the model produces a final answer or the
// iteration bound is hit. Concurrent sessions are bounded by a
// llm.SessionLimiter; each session keeps its own bounded short-term
// conversation buffer.
type Runtime struct {
	backend  llm.Runtime
	tools    *Registry
	limiter  *llm.SessionLimiter
	compactor *llm.Compactor
	counter  *llm.TokenCounter
	cfg      Config

	mu       sync.Mutex
	sessions map[string]*memory.ShortTerm
}

// NewRuntime wires a Runtime to its backend, tool registry, and session
// limiter.
func NewRuntime(backend llm.Runtime, tools *Registry, limiter *llm.SessionLimiter, cfg Config) *Runtime {
	counter := llm.ForModel(backend.ModelName())
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = DefaultMaxToolIterations
	}
	if cfg.ContextBudget <= 0 {
		cfg.ContextBudget = backend.MaxContextLength()
	}
	return &Runtime{
		backend:   backend,
		tools:     tools,
		limiter:   limiter,
		compactor: llm.NewCompactor(counter, 4),
		counter:   counter,
		cfg:       cfg,
		sessions:  make(map[string]*memory.ShortTerm),
	}
}

// Turn reports one completed Converse call: the final text, whether any
// tools were invoked, and the raw tool results in call order.
type Turn struct {
	Text        string
	ToolResults []ToolResult
	Usage       llm.TokenUsage
}

// Converse appends userInput to sessionID's short-term memory, runs the
// model/tool loop, and returns the assistant's final reply. Session
// concurrency is bounded by the configured SessionLimiter: Converse
// blocks (respecting ctx) if the session or global limit is saturated.
func (r *Runtime) Converse(ctx context.Context, sessionID, userInput string) (Turn, error) {
	permit, err := r.limiter.Acquire(ctx, sessionID)
	if err != nil {
		return Turn{}, err
	}
	defer permit.Release()

	short := r.sessionMemory(sessionID)
	short.Add(llm.RoleUser, userInput, nil)

	var usage llm.TokenUsage
	var lastResults []ToolResult

	for iteration := 0; iteration < r.cfg.MaxToolIterations; iteration++ {
		messages := short.ToLLMMessages()
		compacted := r.compactor.Compact(messages, r.cfg.ContextBudget)

		input := llm.Input{
			Messages: compacted.Messages,
			Tools:    r.toolDefinitions(),
			Params:   llm.GenerationParams{MaxTokens: r.counter.EstimateResponseTokens(r.cfg.ContextBudget, compacted.Messages)},
		}

		output, err := r.backend.Generate(ctx, input)
		if err != nil {
			return Turn{}, err
		}
		usage.Prompt += output.Usage.Prompt
		usage.Completion += output.Usage.Completion

		if len(output.ToolCalls) == 0 {
			short.Add(llm.RoleAssistant, output.Text, nil)
			return Turn{Text: output.Text, ToolResults: lastResults, Usage: usage}, nil
		}

		if output.Text != "" {
			short.Add(llm.RoleAssistant, output.Text, nil)
		}

		calls := make([]ToolCall, len(output.ToolCalls))
		for i, tc := range output.ToolCalls {
			calls[i] = ToolCall{ID: tc.ID, Name: tc.Name, Args: json.RawMessage(tc.Arguments)}
		}
		results := r.tools.ExecuteParallel(ctx, calls)
		lastResults = results
		short.Add(llm.RoleUser, renderToolResults(results), map[string]any{"tool_results": true})
	}

	return Turn{}, edgeerr.Newf(edgeerr.InvalidState, "session %s: exceeded %d tool-call iterations without a final answer", sessionID, r.cfg.MaxToolIterations)
}

func (r *Runtime) sessionMemory(sessionID string) *memory.ShortTerm {
	r.mu.Lock()
	defer r.mu.Unlock()
	if short, ok := r.sessions[sessionID]; ok {
		return short
	}
	opts := append([]memory.ShortTermOption(nil), r.cfg.ShortTermOptions...)
	if r.cfg.SystemPrompt != "" {
		opts = append(opts, memory.WithSystemPrompt(r.cfg.SystemPrompt))
	}
	short := memory.NewShortTerm(opts...)
	r.sessions[sessionID] = short
	return short
}

// CloseSession drops a session's short-term memory and releases its
// limiter tracking. Any permits already issued to that session remain
// valid until their callers release them.
func (r *Runtime) CloseSession(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	r.limiter.RemoveSession(sessionID)
}

func (r *Runtime) toolDefinitions() []llm.ToolDefinition {
	defs := r.tools.List()
	out := make([]llm.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		tool, ok := r.tools.Get(d.Name)
		if !ok {
			continue
		}
		out = append(out, llm.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: tool.Parameters()})
	}
	return out
}

func renderToolResults(results []ToolResult) string {
	type rendered struct {
		ID     string     `json:"id"`
		Output ToolOutput `json:"output,omitempty"`
		Error  string     `json:"error,omitempty"`
	}
	out := make([]rendered, len(results))
	for i, res := range results {
		r := rendered{ID: res.ID, Output: res.Output}
		if res.Err != nil {
			r.Error = res.Err.Error()
		}
		out[i] = r
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Sprintf("tool results unavailable: %v", err)
	}
	return string(data)
}
