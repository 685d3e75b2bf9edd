package saga

import (
	"fmt"
	"sync"
)

// Registry holds the saga definitions known to a process, looked up by saga
// type. Register everything at startup; lookups are read-mostly afterwards
// and safe for concurrent use.
//
// Example:
//
//	registry := saga.NewRegistry()
//	if err := registry.Register(checkoutDef); err != nil {
//	    log.Fatal(err)
//	}
//	def, err := registry.Lookup("order-checkout")
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty definition registry.
func NewRegistry() *Registry {
	return &Registry{
		defs: make(map[string]*Definition),
	}
}

// Register adds a definition. Returns ErrDuplicateDefinition if the saga
// type is already registered.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("definition is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Type()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateDefinition, def.Type())
	}
	r.defs[def.Type()] = def

	return nil
}

// Lookup returns the definition for a saga type, or ErrUnknownSagaType.
func (r *Registry) Lookup(sagaType string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[sagaType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSagaType, sagaType)
	}
	return def, nil
}

// Types returns the registered saga type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.defs))
	for t := range r.defs {
		types = append(types, t)
	}
	return types
}
