package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"

	"github.com/edgecore-io/edgecore/internal/edgeerr"
)

// registeredTool is one Tool plus its compiled schema and metadata,
// held by the Registry.
type registeredTool struct {
	tool   Tool
	meta   Metadata
	schema *jsonschema.Schema
}

// Registry holds every Tool the agent runtime can dispatch to, keyed
// by name, with JSON-Schema argument validation ahead of every call.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

// NewRegistry builds an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registeredTool)}
}

// Register compiles tool's JSON Schema and adds it to the registry,
// replacing any existing tool with the same name.
func (r *Registry) Register(tool Tool, meta Metadata) error {
	schema, err := compileSchema(tool.Name(), tool.Parameters())
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = &registeredTool{tool: tool, meta: meta, schema: schema}
	return nil
}

func compileSchema(name string, raw []byte) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		raw = []byte(`{}`)
	}
	url := "tool://" + name
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, edgeerr.Wrap(edgeerr.InvalidArgument, fmt.Sprintf("tool %s: invalid parameter schema", name), err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.InvalidArgument, fmt.Sprintf("tool %s: compile parameter schema", name), err)
	}
	return schema, nil
}

// Unregister removes a tool by name. A no-op if it isn't registered.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the tool registered under name, if any.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return entry.tool, true
}

// Definition describes a registered tool for listing/search results.
type Definition struct {
	Name           string
	Description    string
	Category       string
	Namespace      string
	Version        string
	ResponseFormat ResponseFormat
}

// List returns every registered tool's definition, sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.tools))
	for _, entry := range r.tools {
		out = append(out, definitionOf(entry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func definitionOf(entry *registeredTool) Definition {
	return Definition{
		Name:           entry.tool.Name(),
		Description:    entry.tool.Description(),
		Category:       entry.meta.Category,
		Namespace:      entry.meta.Namespace,
		Version:        entry.meta.Version,
		ResponseFormat: entry.meta.ResponseFormat,
	}
}

// Search returns every tool whose name or category contains query as a
// case-insensitive substring, sorted by name.
func (r *Registry) Search(query string) []Definition {
	needle := strings.ToLower(query)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0)
	for _, entry := range r.tools {
		name := strings.ToLower(entry.tool.Name())
		category := strings.ToLower(entry.meta.Category)
		if strings.Contains(name, needle) || strings.Contains(category, needle) {
			out = append(out, definitionOf(entry))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute validates call.Args against the tool's JSON Schema and, if
// valid, dispatches to the tool.
func (r *Registry) Execute(ctx context.Context, call ToolCall) (ToolOutput, error) {
	r.mu.RLock()
	entry, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return ToolOutput{}, edgeerr.Newf(edgeerr.NotFound, "tool %q is not registered", call.Name)
	}

	if err := validateArgs(entry.schema, call.Args); err != nil {
		return ToolOutput{}, err
	}

	return entry.tool.Execute(ctx, call.Args)
}

func validateArgs(schema *jsonschema.Schema, args json.RawMessage) error {
	if len(args) == 0 {
		args = []byte(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return edgeerr.Wrap(edgeerr.InvalidArgument, "tool arguments are not valid JSON", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return edgeerr.Wrap(edgeerr.InvalidArgument, "tool arguments failed schema validation", err)
	}
	return nil
}

// ExecuteParallel runs every call concurrently and returns results in
// the same order as calls, regardless of completion order. A call that
// errors (unknown tool, schema validation failure, or an error from the
// tool itself) surfaces as a ToolResult with Err set rather than
// aborting the other calls.
func (r *Registry) ExecuteParallel(ctx context.Context, calls []ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))
	var group errgroup.Group
	for i, call := range calls {
		i, call := i, call
		group.Go(func() error {
			output, err := r.Execute(ctx, call)
			results[i] = ToolResult{ID: call.ID, Output: output, Err: err}
			return nil
		})
	}
	_ = group.Wait() // individual errors are carried per-result, never aborts the group
	return results
}
