// Package tools defines the tool interface, the immutable registry built at
// startup, and the dispatcher that turns untrusted model tool calls into
// sandboxed operations.
//
// Every tool receives the sandbox root under the WorkingDirectoryKey
// parameter. The dispatcher injects it after validating the model's
// arguments, so a model-supplied value for that key never survives.
package tools

import (
	"context"
	"fmt"
	"sort"

	"github.com/jkaninda/codeagent/internal/llm"
)

// WorkingDirectoryKey is the parameter carrying the sandbox root.
const WorkingDirectoryKey = "working_directory"

// Tool is the interface all sandboxed operations implement.
type Tool interface {
	// Name returns the identifier the model calls (e.g. "get_file_content").
	Name() string

	// Description is sent to the model alongside the schema.
	Description() string

	// InputSchema returns a JSON Schema object describing the parameters the
	// model may supply. WorkingDirectoryKey is never part of it.
	InputSchema() map[string]any

	// Execute runs the operation. params always contains WorkingDirectoryKey.
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// Result is the outcome of a tool call. Success == false is the failed
// variant; Output then holds a diagnostic that is safe to show the model.
type Result struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Success  bool           `json:"success"`
}

// Ok builds a successful result.
func Ok(text string) *Result {
	return &Result{Output: text, Success: true}
}

// Failed builds a failed result.
func Failed(msg string) *Result {
	return &Result{Output: msg, Success: false}
}

// WithMetadata attaches a metadata entry and returns r.
func (r *Result) WithMetadata(key string, value any) *Result {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
	return r
}

// Call is a single tool invocation requested by the model.
type Call struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Registry is the fixed name -> tool table. It is built once and never
// mutated, so it is safe for concurrent reads without locking.
type Registry struct {
	tools map[string]Tool
	names []string
}

// NewRegistry builds a registry. Panics on duplicate names (startup config
// error, not runtime).
func NewRegistry(ts ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(ts))}
	for _, t := range ts {
		if _, exists := r.tools[t.Name()]; exists {
			panic("duplicate tool registration: " + t.Name())
		}
		r.tools[t.Name()] = t
		r.names = append(r.names, t.Name())
	}
	sort.Strings(r.names)
	return r
}

// Get returns the tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	return r.tools[name]
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// All returns all registered tools in name order.
func (r *Registry) All() []Tool {
	out := make([]Tool, len(r.names))
	for i, name := range r.names {
		out[i] = r.tools[name]
	}
	return out
}

// Definitions converts the registered tools into the static schema sent to
// the model, in name order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	all := r.All()
	defs := make([]llm.ToolDefinition, len(all))
	for i, t := range all {
		defs[i] = llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		}
	}
	return defs
}

// RootFromParams extracts the injected sandbox root.
func RootFromParams(params map[string]any) (string, error) {
	root, ok := params[WorkingDirectoryKey].(string)
	if !ok || root == "" {
		return "", fmt.Errorf("%w: missing %s", ErrInvalidArguments, WorkingDirectoryKey)
	}
	return root, nil
}

// RequireString extracts a required string param.
func RequireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("%w: missing required parameter: %s", ErrInvalidArguments, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: parameter %s must be a string, got %T", ErrInvalidArguments, key, v)
	}
	return s, nil
}

// OptionalString extracts a string param, returning def when absent or null.
func OptionalString(params map[string]any, key, def string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: parameter %s must be a string, got %T", ErrInvalidArguments, key, v)
	}
	if s == "" {
		return def, nil
	}
	return s, nil
}

// StringSlice extracts an optional array-of-strings param.
func StringSlice(params map[string]any, key string) ([]string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch vv := v.(type) {
	case []string:
		return vv, nil
	case []any:
		out := make([]string, len(vv))
		for i, item := range vv {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s[%d] must be a string, got %T", ErrInvalidArguments, key, i, item)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: parameter %s must be an array of strings, got %T", ErrInvalidArguments, key, v)
	}
}
