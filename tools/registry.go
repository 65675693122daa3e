// Package tools provides the sandboxed tool registry and executor the
// agents use for local effects: reading repository files and running the
// Python linter.
package tools

import (
	"context"
	"sync"
	"time"
)

// Func is one tool implementation. Output must be JSON-serializable.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Definition describes one registered tool.
type Definition struct {
	Name        string
	Description string
	// Timeout bounds one attempt; zero means no limit.
	Timeout time.Duration
	// MaxRetries is how many times a failed attempt is repeated.
	MaxRetries int
	Func       Func
}

// Registry holds the available tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Definition)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = def
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// Names lists the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}
