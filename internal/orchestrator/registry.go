package orchestrator

import "sync"

// ToolRegistry is an insertion-ordered, name-keyed set of Tools (spec §9's
// "dynamic dispatch... modeled as capability sets").
//
// Grounded on the teacher's agent.ToolRegistry shape but simplified to this
// package's Tool interface.
type ToolRegistry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]Tool
}

// NewToolRegistry builds an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds t, replacing any existing tool of the same name in place
// (preserving its position in Defs()'s order).
func (r *ToolRegistry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Get returns the named tool.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Defs returns every registered tool's definition, in registration order.
func (r *ToolRegistry) Defs() []ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDef, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, ToolDef{Name: t.Name(), Description: t.Description(), Schema: t.Schema()})
	}
	return out
}
