package executor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/calderalabs/actionexec/core"
)

// Registry holds action definitions. Definitions are registered at startup;
// after Freeze the registry is read-only and further registrations fail.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*ActionDefinition
	frozen      bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{definitions: make(map[string]*ActionDefinition)}
}

// Register validates and stores a definition. Duplicate IDs and registration
// after Freeze are rejected.
func (r *Registry) Register(def *ActionDefinition) error {
	if def == nil {
		return core.ValidationError("action definition is nil")
	}
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("registry is frozen, cannot register %s: %w",
			def.ID, core.ErrAlreadyRegistered)
	}
	if _, exists := r.definitions[def.ID]; exists {
		return fmt.Errorf("action definition %s: %w", def.ID, core.ErrAlreadyRegistered)
	}

	// Stored as a copy so later mutation of the caller's struct cannot change
	// registered behavior.
	stored := *def
	r.definitions[def.ID] = &stored
	return nil
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Get returns a copy of the definition for id.
func (r *Registry) Get(id string) (*ActionDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[id]
	if !ok {
		return nil, fmt.Errorf("action definition %s: %w", id, core.ErrActionNotFound)
	}
	out := *def
	return &out, nil
}

// IDs returns the registered definition IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.definitions))
	for id := range r.definitions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
