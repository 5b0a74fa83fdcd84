package llm

import (
	"context"
	"strings"
	"testing"
)

func TestMockRuntime_GenerateEchoesLastMessage(t *testing.T) {
	rt := NewMockRuntime("")
	input := Input{Messages: []Message{TextMessage(RoleUser, "turn on the porch light")}}

	out, err := rt.Generate(context.Background(), input)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.Contains(out.Text, "turn on the porch light") {
		t.Fatalf("Text = %q, want it to contain the last message", out.Text)
	}
	if out.FinishReason != FinishStop {
		t.Fatalf("FinishReason = %q, want stop", out.FinishReason)
	}
	if out.Usage.Prompt == 0 || out.Usage.Completion == 0 {
		t.Fatalf("expected non-zero usage, got %+v", out.Usage)
	}
}

func TestMockRuntime_DefaultsModelName(t *testing.T) {
	rt := NewMockRuntime("")
	if rt.ModelName() != "mock-model" {
		t.Fatalf("ModelName = %q, want mock-model", rt.ModelName())
	}
}

func TestMockRuntime_GenerateStreamEmitsThenDone(t *testing.T) {
	rt := NewMockRuntime("m")
	input := Input{Messages: []Message{TextMessage(RoleUser, "hi")}}

	chunks, err := rt.GenerateStream(context.Background(), input)
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	var text strings.Builder
	sawDone := false
	for c := range chunks {
		if c.Err != nil {
			t.Fatalf("unexpected chunk error: %v", c.Err)
		}
		if c.Done {
			sawDone = true
			break
		}
		text.WriteString(c.Text)
	}
	if !sawDone {
		t.Fatal("expected a terminal Done chunk")
	}
	if !strings.Contains(text.String(), "hi") {
		t.Fatalf("streamed text = %q, want it to contain %q", text.String(), "hi")
	}
}

func TestMockRuntime_GenerateStreamRespectsCancellation(t *testing.T) {
	rt := NewMockRuntime("m")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	chunks, err := rt.GenerateStream(ctx, Input{Messages: []Message{TextMessage(RoleUser, "a long message to stream")}})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	sawTerminal := false
	for c := range chunks {
		if c.Done {
			sawTerminal = true
		}
	}
	if !sawTerminal {
		t.Fatal("expected the stream to terminate after cancellation")
	}
}

func TestMockFactory_CreateDefaultsModel(t *testing.T) {
	f := MockFactory{}
	rt, err := f.Create(map[string]any{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rt.ModelName() != "mock-model" {
		t.Fatalf("ModelName = %q, want mock-model", rt.ModelName())
	}
}

func TestMockFactory_IsAvailableAlwaysTrue(t *testing.T) {
	if !(MockFactory{}).IsAvailable(context.Background()) {
		t.Fatal("mock backend should always report available")
	}
}
