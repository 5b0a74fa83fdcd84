package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/edgecore-io/edgecore/internal/edgeerr"
)

func echoTool(name string) *FuncTool {
	schema := []byte(`{
		"type": "object",
		"properties": {"value": {"type": "string"}},
		"required": ["value"]
	}`)
	return NewFuncTool(name, "echoes its value argument", schema, Metadata{Category: "test"},
		func(ctx context.Context, args json.RawMessage) (ToolOutput, error) {
			var decoded struct {
				Value string `json:"value"`
			}
			if err := json.Unmarshal(args, &decoded); err != nil {
				return ToolOutput{}, err
			}
			return ToolOutput{Success: true, Data: decoded.Value}, nil
		})
}

func TestRegistry_RegisterAndExecute(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("echo"), Metadata{Category: "test"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	out, err := r.Execute(context.Background(), ToolCall{ID: "1", Name: "echo", Args: json.RawMessage(`{"value":"hi"}`)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.Success || out.Data != "hi" {
		t.Errorf("unexpected output: %+v", out)
	}
}

func TestRegistry_ExecuteUnknownToolIsNotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), ToolCall{Name: "missing", Args: json.RawMessage(`{}`)})
	if !edgeerr.Is(err, edgeerr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestRegistry_ExecuteRejectsMissingRequiredArgument(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("echo"), Metadata{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := r.Execute(context.Background(), ToolCall{Name: "echo", Args: json.RawMessage(`{}`)})
	if !edgeerr.Is(err, edgeerr.InvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestRegistry_ExecuteRejectsWrongType(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("echo"), Metadata{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := r.Execute(context.Background(), ToolCall{Name: "echo", Args: json.RawMessage(`{"value": 5}`)})
	if !edgeerr.Is(err, edgeerr.InvalidArgument) {
		t.Fatalf("expected InvalidArgument for wrong type, got %v", err)
	}
}

func TestRegistry_RegisterRejectsInvalidSchema(t *testing.T) {
	r := NewRegistry()
	bad := NewFuncTool("bad", "bad schema", []byte(`{"type": "not-a-real-type"`), Metadata{}, nil)
	if err := r.Register(bad, Metadata{}); err == nil {
		t.Fatalf("expected invalid schema to be rejected")
	}
}

func TestRegistry_ListIsSortedByName(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(echoTool("zeta"), Metadata{})
	_ = r.Register(echoTool("alpha"), Metadata{})

	defs := r.List()
	if len(defs) != 2 || defs[0].Name != "alpha" || defs[1].Name != "zeta" {
		t.Errorf("unexpected order: %+v", defs)
	}
}

func TestRegistry_SearchMatchesNameOrCategory(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(echoTool("light_toggle"), Metadata{Category: "lighting"})
	_ = r.Register(echoTool("thermostat_set"), Metadata{Category: "climate"})

	byName := r.Search("light")
	if len(byName) != 1 || byName[0].Name != "light_toggle" {
		t.Errorf("expected name-substring match, got %+v", byName)
	}

	byCategory := r.Search("climate")
	if len(byCategory) != 1 || byCategory[0].Name != "thermostat_set" {
		t.Errorf("expected category-substring match, got %+v", byCategory)
	}
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(echoTool("echo"), Metadata{})
	r.Unregister("echo")

	if _, ok := r.Get("echo"); ok {
		t.Errorf("expected tool removed")
	}
}

func TestRegistry_ExecuteParallelPreservesInputOrder(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(echoTool("echo"), Metadata{})

	calls := []ToolCall{
		{ID: "a", Name: "echo", Args: json.RawMessage(`{"value":"first"}`)},
		{ID: "b", Name: "echo", Args: json.RawMessage(`{"value":"second"}`)},
		{ID: "c", Name: "missing", Args: json.RawMessage(`{}`)},
	}
	results := r.ExecuteParallel(context.Background(), calls)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].ID != "a" || results[0].Output.Data != "first" {
		t.Errorf("unexpected result[0]: %+v", results[0])
	}
	if results[1].ID != "b" || results[1].Output.Data != "second" {
		t.Errorf("unexpected result[1]: %+v", results[1])
	}
	if results[2].ID != "c" || results[2].Err == nil {
		t.Errorf("expected result[2] to carry the not-found error, got %+v", results[2])
	}
}
