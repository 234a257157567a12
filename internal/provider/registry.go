package provider

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps provider names to adapters, with optional generator
// patterns for versions that do not name a provider.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	routes   map[string]string // generator pattern -> provider name
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		routes:   make(map[string]string),
	}
}

// Register adds an adapter under its own name.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return errors.New("registry: adapter cannot be nil")
	}
	name := strings.ToLower(strings.TrimSpace(a.Name()))
	if name == "" {
		return errors.New("registry: adapter name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("registry: provider %q already registered", name)
	}
	r.adapters[name] = a
	return nil
}

// RegisterRoute maps a generator pattern to a registered provider.
// Patterns support exact names, "prefix-*" and "*-suffix".
func (r *Registry) RegisterRoute(pattern, providerName string) error {
	if pattern == "" {
		return errors.New("registry: pattern cannot be empty")
	}
	providerName = strings.ToLower(strings.TrimSpace(providerName))
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[providerName]; !exists {
		return fmt.Errorf("registry: provider %q not registered", providerName)
	}
	r.routes[strings.ToLower(pattern)] = providerName
	return nil
}

// Lookup returns the adapter registered under name.
func (r *Registry) Lookup(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return a, nil
}

// ForVersion selects the adapter for a catalog version: the version's own
// provider when set, else the first route matching the generator.
func (r *Registry) ForVersion(v Version) (Adapter, error) {
	if v.Provider != "" {
		return r.Lookup(v.Provider)
	}
	r.mu.RLock()
	generator := strings.ToLower(v.Generator)
	name, ok := r.routes[generator]
	if !ok {
		for _, pattern := range r.sortedPatterns() {
			if matchPattern(generator, pattern) {
				name, ok = r.routes[pattern], true
				break
			}
		}
	}
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no provider for generator %q", ErrUnknownProvider, v.Generator)
	}
	return r.Lookup(name)
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// sortedPatterns returns route patterns longest first so the most specific
// wildcard wins. Caller holds the read lock.
func (r *Registry) sortedPatterns() []string {
	patterns := make([]string, 0, len(r.routes))
	for p := range r.routes {
		patterns = append(patterns, p)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if len(patterns[i]) != len(patterns[j]) {
			return len(patterns[i]) > len(patterns[j])
		}
		return patterns[i] < patterns[j]
	})
	return patterns
}

func matchPattern(name, pattern string) bool {
	switch {
	case pattern == name:
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(name, strings.TrimPrefix(pattern, "*"))
	}
	return false
}
