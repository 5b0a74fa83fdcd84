package agent

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/edgecore-io/edgecore/internal/edgeerr"
	"github.com/edgecore-io/edgecore/internal/llm"
)

// fakeBackend is a minimal llm.Runtime stub driven by a sequence of
// canned outputs, one per call to Generate.
type fakeBackend struct {
	outputs []llm.Output
	calls   int32
}

func (f *fakeBackend) BackendID() string     { return "fake" }
func (f *fakeBackend) ModelName() string     { return "fake-model" }
func (f *fakeBackend) MaxContextLength() int { return 8000 }
func (f *fakeBackend) Capabilities() llm.Capabilities {
	return llm.Capabilities{FunctionCalling: true, MaxContext: 8000}
}

func (f *fakeBackend) Generate(ctx context.Context, input llm.Input) (llm.Output, error) {
	i := int(atomic.AddInt32(&f.calls, 1)) - 1
	if i >= len(f.outputs) {
		return f.outputs[len(f.outputs)-1], nil
	}
	return f.outputs[i], nil
}

func (f *fakeBackend) GenerateStream(ctx context.Context, input llm.Input) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk)
	close(ch)
	return ch, nil
}

func newTestRuntime(backend llm.Runtime, tools *Registry) *Runtime {
	limiter := llm.NewSessionLimiter(llm.LimiterConfig{GlobalLimit: 4, PerSessionLimit: 2})
	return NewRuntime(backend, tools, limiter, Config{SystemPrompt: "you control edge devices", MaxToolIterations: 3})
}

func TestRuntime_ConverseWithoutToolCalls(t *testing.T) {
	backend := &fakeBackend{outputs: []llm.Output{
		{Text: "the living room light is on", FinishReason: llm.FinishStop},
	}}
	r := newTestRuntime(backend, NewRegistry())

	turn, err := r.Converse(context.Background(), "session-1", "is the living room light on?")
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if turn.Text != "the living room light is on" {
		t.Errorf("unexpected text: %q", turn.Text)
	}
	if len(turn.ToolResults) != 0 {
		t.Errorf("expected no tool results, got %+v", turn.ToolResults)
	}
}

func TestRuntime_ConverseDispatchesToolCallsThenReturnsFinalAnswer(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(echoTool("device_status"), Metadata{Category: "devices"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	backend := &fakeBackend{outputs: []llm.Output{
		{
			FinishReason: llm.FinishToolCall,
			ToolCalls: []llm.ToolCallRequest{
				{ID: "call-1", Name: "device_status", Arguments: []byte(`{"value":"porch_light"}`)},
			},
		},
		{Text: "the porch light is reporting normally", FinishReason: llm.FinishStop},
	}}
	r := newTestRuntime(backend, registry)

	turn, err := r.Converse(context.Background(), "session-2", "check the porch light")
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if turn.Text != "the porch light is reporting normally" {
		t.Errorf("unexpected final text: %q", turn.Text)
	}
	if len(turn.ToolResults) != 1 || turn.ToolResults[0].Output.Data != "porch_light" {
		t.Errorf("unexpected tool results: %+v", turn.ToolResults)
	}
	if atomic.LoadInt32(&backend.calls) != 2 {
		t.Errorf("expected exactly 2 backend calls, got %d", backend.calls)
	}
}

func TestRuntime_ConverseExhaustsIterationsReturnsInvalidState(t *testing.T) {
	registry := NewRegistry()
	_ = registry.Register(echoTool("loop_tool"), Metadata{})

	endless := llm.Output{
		FinishReason: llm.FinishToolCall,
		ToolCalls: []llm.ToolCallRequest{
			{ID: "x", Name: "loop_tool", Arguments: []byte(`{"value":"again"}`)},
		},
	}
	backend := &fakeBackend{outputs: []llm.Output{endless, endless, endless, endless, endless}}
	r := newTestRuntime(backend, registry)

	_, err := r.Converse(context.Background(), "session-3", "keep looping")
	if !edgeerr.Is(err, edgeerr.InvalidState) {
		t.Fatalf("expected InvalidState, got %v", err)
	}
}

func TestRuntime_ConverseSurfacesUnknownToolAsResultError(t *testing.T) {
	backend := &fakeBackend{outputs: []llm.Output{
		{
			FinishReason: llm.FinishToolCall,
			ToolCalls: []llm.ToolCallRequest{
				{ID: "call-1", Name: "does_not_exist", Arguments: []byte(`{}`)},
			},
		},
		{Text: "I could not find that tool", FinishReason: llm.FinishStop},
	}}
	r := newTestRuntime(backend, NewRegistry())

	turn, err := r.Converse(context.Background(), "session-4", "do the thing")
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if len(turn.ToolResults) != 1 || turn.ToolResults[0].Err == nil {
		t.Errorf("expected a carried tool error, got %+v", turn.ToolResults)
	}
}

func TestRuntime_SessionMemoryPersistsAcrossTurns(t *testing.T) {
	backend := &fakeBackend{outputs: []llm.Output{
		{Text: "first reply", FinishReason: llm.FinishStop},
		{Text: "second reply", FinishReason: llm.FinishStop},
	}}
	r := newTestRuntime(backend, NewRegistry())

	if _, err := r.Converse(context.Background(), "session-5", "hello"); err != nil {
		t.Fatalf("Converse 1: %v", err)
	}
	if _, err := r.Converse(context.Background(), "session-5", "and then?"); err != nil {
		t.Fatalf("Converse 2: %v", err)
	}

	short := r.sessionMemory("session-5")
	if short.Len() < 4 {
		t.Errorf("expected accumulated turns across both calls, got %d", short.Len())
	}
}

func TestRuntime_CloseSessionDropsMemory(t *testing.T) {
	backend := &fakeBackend{outputs: []llm.Output{{Text: "ok", FinishReason: llm.FinishStop}}}
	r := newTestRuntime(backend, NewRegistry())

	if _, err := r.Converse(context.Background(), "session-6", "hi"); err != nil {
		t.Fatalf("Converse: %v", err)
	}
	r.CloseSession("session-6")

	fresh := r.sessionMemory("session-6")
	if fresh.Len() != 0 {
		t.Errorf("expected a fresh session buffer after close, got %d turns", fresh.Len())
	}
}

func TestRuntime_ConverseRespectsCanceledContext(t *testing.T) {
	backend := &fakeBackend{outputs: []llm.Output{{Text: "unused", FinishReason: llm.FinishStop}}}
	limiter := llm.NewSessionLimiter(llm.LimiterConfig{GlobalLimit: 1, PerSessionLimit: 1})
	r := NewRuntime(backend, NewRegistry(), limiter, Config{})

	permit, err := limiter.Acquire(context.Background(), "blocker")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer permit.Release()

	// saturate the global limit so the next Converse call must block on Acquire
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.Converse(ctx, "session-7", "hi"); err == nil {
		t.Errorf("expected Converse to fail on an already-canceled context")
	}
}
