package browser

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Backend names understood by the default registry.
const (
	BackendChromeDP = "chromedp"
	BackendRemote   = "remote"
	BackendRod      = "rod"
)

// Factory creates provider sessions.
type Factory interface {
	Create(ctx context.Context, cfg Config) (Provider, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, cfg Config) (Provider, error)

// Create implements Factory.
func (f FactoryFunc) Create(ctx context.Context, cfg Config) (Provider, error) {
	return f(ctx, cfg)
}

// Registry 按后端名称解析 Provider 工厂
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	aliases   map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		aliases:   make(map[string]string),
	}
}

// NewDefaultRegistry registers the built-in chromedp, remote and rod backends.
func NewDefaultRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := NewRegistry()
	r.Register(BackendChromeDP, FactoryFunc(func(ctx context.Context, cfg Config) (Provider, error) {
		return NewChromeDPProvider(ctx, cfg, logger)
	}), "local", "chrome")
	r.Register(BackendRemote, FactoryFunc(func(ctx context.Context, cfg Config) (Provider, error) {
		return NewRemoteProvider(ctx, cfg, logger)
	}), "cloud", "hosted", "browserbase")
	r.Register(BackendRod, FactoryFunc(func(ctx context.Context, cfg Config) (Provider, error) {
		return NewRodProvider(ctx, cfg, logger)
	}))
	return r
}

// Register adds a factory under name and optional aliases.
func (r *Registry) Register(name string, f Factory, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name = strings.ToLower(name)
	r.factories[name] = f
	for _, a := range aliases {
		r.aliases[strings.ToLower(a)] = name
	}
}

// Resolve returns the canonical backend name.
func (r *Registry) Resolve(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name = strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}
	_, ok := r.factories[name]
	return name, ok
}

// Has reports whether name (or an alias of it) is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Resolve(name)
	return ok
}

// Names lists canonical backend names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Factory returns a Factory bound to one backend name.
func (r *Registry) Factory(name string) (Factory, error) {
	canonical, ok := r.Resolve(name)
	if !ok {
		return nil, fmt.Errorf("unknown browser backend %q", name)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.factories[canonical], nil
}

// Create creates a provider for the named backend.
func (r *Registry) Create(ctx context.Context, name string, cfg Config) (Provider, error) {
	f, err := r.Factory(name)
	if err != nil {
		return nil, err
	}
	cfg.Backend, _ = r.Resolve(name)
	return f.Create(ctx, cfg)
}
