// SPDX-License-Identifier: Apache-2.0
// Package tool defines the tools a step may call and the registry an agent
// resolves them from.
package tool

import (
	"context"
	"sort"
	"sync"

	minerr "github.com/jllopis/minions/pkg/errors"
	"github.com/jllopis/minions/pkg/llm"
)

// Tool is an invocable capability.
type Tool interface {
	Name() string
	Call(ctx context.Context, input map[string]any) (any, error)
}

// Definer is implemented by tools that describe themselves to the model.
type Definer interface {
	Definition() llm.Tool
}

// Func adapts a function into a Tool.
type Func struct {
	ToolName    string
	Description string
	// Parameters is the JSON schema of the input, optional.
	Parameters any
	Fn         func(ctx context.Context, input map[string]any) (any, error)
}

func (f Func) Name() string { return f.ToolName }

func (f Func) Call(ctx context.Context, input map[string]any) (any, error) {
	return f.Fn(ctx, input)
}

func (f Func) Definition() llm.Tool {
	params := f.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return llm.Tool{
		Type: llm.ToolTypeFunction,
		Function: llm.FunctionDef{
			Name:        f.ToolName,
			Description: f.Description,
			Parameters:  params,
		},
	}
}

// Definition describes t, falling back to a bare function definition.
func Definition(t Tool) llm.Tool {
	if d, ok := t.(Definer); ok {
		return d.Definition()
	}
	return Func{ToolName: t.Name()}.Definition()
}

// Registry is a concurrency-safe set of tools keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns a registry holding tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

// Register adds or replaces t.
func (r *Registry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return minerr.New(minerr.CodeValidation, "tool name is required", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	return nil
}

// Get returns a NotFound error when name is unknown.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, minerr.Newf(minerr.CodeNotFound, "tool %q is not registered", name).
			WithContext("tool", name)
	}
	return t, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definitions describes the named tools, or every tool when names is empty.
// Unknown names are skipped.
func (r *Registry) Definitions(names ...string) []llm.Tool {
	if len(names) == 0 {
		names = r.Names()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.Tool, 0, len(names))
	for _, n := range names {
		if t, ok := r.tools[n]; ok {
			out = append(out, Definition(t))
		}
	}
	return out
}
