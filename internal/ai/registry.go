package ai

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrUnknownProvider = errors.New("unknown video provider")

// ProviderFactory builds a provider bound to one model.
type ProviderFactory func(ctx context.Context, model string) (Provider, error)

// Registry resolves a provider name and model to a client. Built clients
// are reused per (name, model) since every segment dispatch asks again.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
	built     map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]ProviderFactory),
		built:     make(map[string]Provider),
	}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register replaces any factory already under name and drops its cached clients.
func (r *Registry) Register(name string, f ProviderFactory) {
	name = normalizeName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	for k := range r.built {
		if strings.HasPrefix(k, name+"|") {
			delete(r.built, k)
		}
	}
}

func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	name = normalizeName(name)
	key := name + "|" + strings.TrimSpace(model)

	r.mu.RLock()
	p, cached := r.built[key]
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if cached {
		return p, nil
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}

	p, err := f(ctx, model)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.built[key] = p
	r.mu.Unlock()
	return p, nil
}

// Names lists registered providers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
