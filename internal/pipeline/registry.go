package pipeline

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrStageAlreadyRegistered is returned when registering a duplicate stage.
	ErrStageAlreadyRegistered = errors.New("stage already registered")

	// ErrStageNotFound is returned for an unknown stage name.
	ErrStageNotFound = errors.New("stage not found")
)

// Registry holds the pipeline's stage handlers by name.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	order    []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds the handler for stage.
func (r *Registry) Register(stage string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[stage]; exists {
		return fmt.Errorf("%w: %s", ErrStageAlreadyRegistered, stage)
	}
	r.handlers[stage] = h
	r.order = append(r.order, stage)
	return nil
}

// Get returns the handler for stage.
func (r *Registry) Get(stage string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[stage]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStageNotFound, stage)
	}
	return h, nil
}

// Names returns stage names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}
