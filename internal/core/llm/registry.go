package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/markdave123-py/ragvault/internal/config"
	"github.com/markdave123-py/ragvault/internal/core"
)

// Factory builds a provider on first use.
type Factory func(ctx context.Context) (core.EmbeddingProvider, error)

// Registry caches one provider per name for the life of the process.
// Construction is lazy and happens at most once per name, even under
// concurrent first access. Failed constructions are not cached.
type Registry struct {
	factories map[string]Factory
	log       *slog.Logger

	mu        sync.RWMutex
	providers map[string]core.EmbeddingProvider
	group     singleflight.Group
}

// NewRegistry registers the built in providers from cfg.Providers.
func NewRegistry(cfg *config.Config, log *slog.Logger) *Registry {
	factories := map[string]Factory{}
	if pc, ok := cfg.Providers[ProviderOllama]; ok {
		factories[ProviderOllama] = func(context.Context) (core.EmbeddingProvider, error) {
			return NewOllamaEmbedder(pc)
		}
	}
	for _, name := range []string{ProviderOpenAI, ProviderSiliconFlow} {
		if pc, ok := cfg.Providers[name]; ok {
			factories[name] = func(context.Context) (core.EmbeddingProvider, error) {
				return NewOpenAIEmbedder(name, pc)
			}
		}
	}
	if pc, ok := cfg.Providers[ProviderGemini]; ok {
		factories[ProviderGemini] = func(ctx context.Context) (core.EmbeddingProvider, error) {
			return NewGeminiEmbedder(ctx, pc)
		}
	}
	return NewRegistryWithFactories(factories, log)
}

func NewRegistryWithFactories(factories map[string]Factory, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		factories: factories,
		log:       log,
		providers: make(map[string]core.EmbeddingProvider),
	}
}

// Names lists the registered provider names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Get returns the cached provider for name, building it if needed.
func (r *Registry) Get(ctx context.Context, name string) (core.EmbeddingProvider, error) {
	if p := r.cached(name); p != nil {
		return p, nil
	}
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownProvider, name)
	}

	v, err, _ := r.group.Do(name, func() (any, error) {
		// Another flight may have finished between the cache check and Do.
		if p := r.cached(name); p != nil {
			return p, nil
		}
		p, err := factory(ctx)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.providers[name] = p
		r.mu.Unlock()
		r.log.Info("embedding provider initialised", "provider", name, "model", p.ModelName(), "dimension", p.Dimension())
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("init provider %s: %w", name, err)
	}
	return v.(core.EmbeddingProvider), nil
}

func (r *Registry) cached(name string) core.EmbeddingProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name]
}

var _ core.ProviderResolver = (*Registry)(nil)
