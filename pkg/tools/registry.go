// Package tools maps tool names to schemas and dispatchers. Dispatchers are
// either in-process builtins or MCP proxies delegating to pkg/mcp. The
// registry serves both tool-calling paths: OpenAPI-shaped definitions for
// native function calling and XML usage examples for the XML path.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/zyztek/suna-sub004/pkg/llm"
)

// Result is the outcome of one tool dispatch.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
}

// Dispatcher executes one tool call.
type Dispatcher func(ctx context.Context, args map[string]any) (Result, error)

// Definition describes one registered tool.
type Definition struct {
	Name        string
	Description string

	// Parameters is the tool's input schema (JSON Schema / OpenAPI shape).
	// nil means the tool takes no arguments and none are validated.
	Parameters map[string]any

	// TerminatesRun marks tools whose successful call ends the agent run
	// (ask, complete).
	TerminatesRun bool

	Dispatcher Dispatcher
}

// ErrUnknownTool wraps dispatches to names the registry has never seen.
type ErrUnknownTool struct{ Name string }

func (e *ErrUnknownTool) Error() string { return fmt.Sprintf("unknown tool %q", e.Name) }

// ErrInvalidArgs wraps a pre-dispatch schema validation failure.
type ErrInvalidArgs struct {
	Name  string
	Cause error
}

func (e *ErrInvalidArgs) Error() string {
	return fmt.Sprintf("invalid arguments for %q: %v", e.Name, e.Cause)
}

func (e *ErrInvalidArgs) Unwrap() error { return e.Cause }

type entry struct {
	def      Definition
	compiled *jsonschema.Schema
}

// Registry is the per-run tool catalog. Built once during run setup, then
// read concurrently by the response processor.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a tool, compiling its parameter schema for validation.
// Re-registering a name replaces the previous entry.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Dispatcher == nil {
		return fmt.Errorf("tool %q has no dispatcher", def.Name)
	}

	e := &entry{def: def}
	if def.Parameters != nil {
		compiled, err := compileSchema(def.Name, def.Parameters)
		if err != nil {
			return fmt.Errorf("tool %q schema: %w", def.Name, err)
		}
		e.compiled = compiled
	}

	r.mu.Lock()
	r.entries[def.Name] = e
	r.mu.Unlock()
	return nil
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// TerminatesRun reports whether a successful call to name ends the run.
// Unknown names report false.
func (r *Registry) TerminatesRun(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return ok && e.def.TerminatesRun
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns OpenAPI-shaped tool definitions for native function
// calling, in name order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]llm.ToolDefinition, 0, len(r.entries))
	for _, e := range r.entries {
		params := e.def.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        e.def.Name,
			Description: e.def.Description,
			Parameters:  params,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// XMLUsage renders the XML-shaped tool reference injected into system
// prompts on the XML tool-calling path.
func (r *Registry) XMLUsage() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		e := r.entries[name]
		sb.WriteString(fmt.Sprintf("## %s\n", name))
		if e.def.Description != "" {
			sb.WriteString(e.def.Description + "\n")
		}
		sb.WriteString("<function_calls>\n")
		sb.WriteString(fmt.Sprintf("<invoke name=%q>\n", name))
		for _, p := range schemaParameterNames(e.def.Parameters) {
			sb.WriteString(fmt.Sprintf("<parameter name=%q>...</parameter>\n", p))
		}
		sb.WriteString("</invoke>\n</function_calls>\n\n")
	}
	return strings.TrimSpace(sb.String())
}

// Dispatch validates args against the tool's schema and runs its dispatcher.
// Validation failures return ErrInvalidArgs without invoking the tool.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]any) (Result, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, &ErrUnknownTool{Name: name}
	}

	if e.compiled != nil {
		if err := e.compiled.Validate(normalizeForValidation(args)); err != nil {
			return Result{}, &ErrInvalidArgs{Name: name, Cause: err}
		}
	}

	return e.def.Dispatcher(ctx, args)
}

// compileSchema builds a jsonschema validator from a schema document.
func compileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	// Round-trip so numeric values carry the representation the validator
	// expects regardless of how the schema map was built.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, err
	}

	c := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := c.AddResource(resource, parsed); err != nil {
		return nil, err
	}
	return c.Compile(resource)
}

// normalizeForValidation round-trips args through JSON so validation sees the
// same value shapes the validator is specified over.
func normalizeForValidation(args map[string]any) any {
	if args == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	v, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return args
	}
	return v
}

// schemaParameterNames lists a schema's top-level property names, sorted.
func schemaParameterNames(schema map[string]any) []string {
	if schema == nil {
		return nil
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
