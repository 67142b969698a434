// Package provider integrates external identity providers with the
// handshake. The state machine does not care how a grant was obtained;
// providers turn an OAuth authorization code into the identity passed to
// ResolveHandshake, with the login token riding along as the state
// parameter.
package provider

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrUnknownProvider is returned for providers nobody registered.
var ErrUnknownProvider = errors.New("provider: unknown provider")

// ExternalIdentity is what a provider learned about the user.
type ExternalIdentity struct {
	Provider string
	Subject  string
	Email    string
	Username string
}

// Provider is one external identity source.
type Provider interface {
	// Name is the identifier used in routes and the registry.
	Name() string
	// AuthCodeURL builds the redirect URL for one handshake; state is
	// the session's login token.
	AuthCodeURL(state string) string
	// Exchange trades the callback's authorization code for a verified
	// identity.
	Exchange(ctx context.Context, code string) (*ExternalIdentity, error)
}

// Registry is a fixed set of providers, safe for concurrent lookup.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry builds a registry from the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Register adds a provider after construction.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get looks a provider up by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p, nil
}

// Names lists registered providers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
