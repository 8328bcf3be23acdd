package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/qualivox/pkg/provider/llm"
	"github.com/MrWong99/qualivox/pkg/provider/s2s"
)

// ErrProviderNotRegistered means no factory exists for a configured name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its config entry.
type Factory[P any] func(ProviderEntry) (P, error)

type factories[P any] map[string]Factory[P]

func (f factories[P]) create(kind string, e ProviderEntry) (P, error) {
	mk, ok := f[e.Name]
	if !ok {
		var zero P
		return zero, fmt.Errorf("%w: %s/%q (known: %v)", ErrProviderNotRegistered, kind, e.Name, slices.Sorted(maps.Keys(f)))
	}
	return mk(e)
}

// Registry resolves provider names from the config to constructors. main
// fills it once at startup; lookups are safe from any goroutine.
type Registry struct {
	mu  sync.RWMutex
	llm factories[llm.Provider]
	s2s factories[s2s.Provider]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{llm: factories[llm.Provider]{}, s2s: factories[s2s.Provider]{}}
}

// RegisterLLM binds name to an extraction backend factory, replacing any
// earlier binding.
func (r *Registry) RegisterLLM(name string, f Factory[llm.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = f
}

// RegisterS2S binds name to a realtime session provider factory.
func (r *Registry) RegisterS2S(name string, f Factory[s2s.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s[name] = f
}

// CreateLLM builds the extraction backend named by e.Name.
func (r *Registry) CreateLLM(e ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.llm.create("llm", e)
}

// CreateS2S builds the realtime provider named by e.Name.
func (r *Registry) CreateS2S(e ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.s2s.create("s2s", e)
}

// Names lists the registered names for kind "llm" or "s2s", sorted.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case "llm":
		return slices.Sorted(maps.Keys(r.llm))
	case "s2s":
		return slices.Sorted(maps.Keys(r.s2s))
	}
	return nil
}
