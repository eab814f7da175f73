package strategy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps protocol names to strategy factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(protocol string, factory Factory) error {
	protocol = normalize(protocol)
	if protocol == "" {
		return ErrInvalidProtocol
	}
	if factory == nil {
		return fmt.Errorf("%w: %s", ErrInvalidFactory, protocol)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[protocol]; exists {
		return fmt.Errorf("%w: %s", ErrProtocolExists, protocol)
	}
	r.factories[protocol] = factory
	return nil
}

func (r *Registry) Unregister(protocol string) error {
	protocol = normalize(protocol)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[protocol]; !exists {
		return fmt.Errorf("%w: %s", ErrProtocolNotFound, protocol)
	}
	delete(r.factories, protocol)
	return nil
}

func (r *Registry) Get(protocol string) (Factory, error) {
	protocol = normalize(protocol)

	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[protocol]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProtocolNotFound, protocol)
	}
	return factory, nil
}

// Protocols lists registered protocol names in sorted order.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalize(protocol string) string {
	return strings.ToLower(strings.TrimSpace(protocol))
}
