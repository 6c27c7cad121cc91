// Package tools holds the tool registry, the layered access policy and the
// shared-memory write guard.
package tools

import (
	"context"
	"sort"
	"sync"
)

// Tool is one callable tool exposed to the agent.
type Tool struct {
	Name        string
	Description string
	// Execute runs the tool. Implementations honor ctx cancellation.
	Execute func(ctx context.Context, args map[string]any) (*Result, error)
}

// Result is a tool execution outcome.
type Result struct {
	ForAgent string // text returned to the model
	IsError  bool
}

// Registry is the process-wide set of registered tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]*Tool{}}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
