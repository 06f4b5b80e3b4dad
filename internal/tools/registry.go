package tools

import (
	"fmt"
	"sort"
	"sync"

	"github.com/allydev/ally/internal/delegation"
	"github.com/allydev/ally/internal/providers"
)

// Registry holds the tools available to one agent. Registration happens at
// bootstrap; lookup happens on every tool step.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	tree  *delegation.Tree
}

func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
		tree:  delegation.NewTree(),
	}
}

// Register adds or replaces a tool under its name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Unregister removes the named tools, ignoring unknown names.
func (r *Registry) Unregister(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		delete(r.tools, name)
	}
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	return t, nil
}

// List returns all tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Definitions returns the wire schemas for the tools visible to the given
// agent kind. An empty VisibleTo list means visible to everyone.
func (r *Registry) Definitions(agentKind string) []providers.ToolDefinition {
	var defs []providers.ToolDefinition
	for _, t := range r.List() {
		if !visibleTo(t.Meta(), agentKind) {
			continue
		}
		defs = append(defs, Definition(t))
	}
	return defs
}

// UsageGuidance collects the non-empty guidance strings for the system
// prompt, in name order.
func (r *Registry) UsageGuidance(agentKind string) []string {
	var out []string
	for _, t := range r.List() {
		m := t.Meta()
		if m.UsageGuidance != "" && visibleTo(m, agentKind) {
			out = append(out, m.UsageGuidance)
		}
	}
	return out
}

func visibleTo(m Meta, agentKind string) bool {
	if len(m.VisibleTo) == 0 {
		return true
	}
	for _, k := range m.VisibleTo {
		if k == agentKind {
			return true
		}
	}
	return false
}

// DelegationTree returns this registry's delegation state. Every level of
// the agent hierarchy exposes the same type so interjection routing can
// descend without reflection.
func (r *Registry) DelegationTree() *delegation.Tree {
	return r.tree
}
