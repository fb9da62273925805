package polos

import (
	"sort"
	"sync"
)

// Registry maps workflow ids to definitions. Writes happen during worker
// startup; reads happen on every dispatch, so the lock is reader-biased.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*WorkflowDefinition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*WorkflowDefinition)}
}

// Register adds def. A second registration under the same id fails with
// ErrDuplicateWorkflow; use RegisterReplace to overwrite deliberately.
func (r *Registry) Register(def *WorkflowDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.ID]; exists {
		return &ErrDuplicateWorkflow{ID: def.ID}
	}
	r.defs[def.ID] = def
	return nil
}

// RegisterReplace adds def, overwriting any existing registration.
func (r *Registry) RegisterReplace(def *WorkflowDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.ID] = def
}

// Get returns the definition under id.
func (r *Registry) Get(id string) (*WorkflowDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	return def, ok
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[id]
	return ok
}

// List returns all definitions sorted by id.
func (r *Registry) List() []*WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*WorkflowDefinition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// defaultRegistry backs the package-level convenience layer. Workers resolve
// against their own registry first and fall back here, so definitions
// registered at package init are served without explicit wiring.
var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry { return defaultRegistry }

// Register adds def to the process-wide registry.
func Register(def *WorkflowDefinition) error {
	return defaultRegistry.Register(def)
}

// MustRegister is Register that panics on duplicates. For package-level
// definition declarations.
func MustRegister(def *WorkflowDefinition) *WorkflowDefinition {
	if err := defaultRegistry.Register(def); err != nil {
		panic(err)
	}
	return def
}
