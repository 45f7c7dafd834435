package llm

import (
	"log/slog"
	"sync"

	"curri-chat/internal/domain"
	"curri-chat/internal/infra/config"
)

// Registry maps provider types to their implementations. The set of types
// is closed; an unmapped type is a configuration error, not a user error.
type Registry struct {
	mu        sync.RWMutex
	providers map[domain.ProviderType]domain.Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[domain.ProviderType]domain.Provider)}
}

// Register adds a provider implementation for a type.
// Registering the same type twice is an error.
func (r *Registry) Register(t domain.ProviderType, p domain.Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[t]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicate, string(t))
	}
	r.providers[t] = p
	return nil
}

// ForSettings resolves the implementation for a provider account.
func (r *Registry) ForSettings(settings domain.ProviderSettings) (domain.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[settings.Type]
	if !ok {
		return nil, domain.NewDomainError("Registry.ForSettings", domain.ErrProviderNotMapped, string(settings.Type))
	}
	return p, nil
}

// Types returns the registered provider types.
func (r *Registry) Types() []domain.ProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]domain.ProviderType, 0, len(r.providers))
	for t := range r.providers {
		types = append(types, t)
	}
	return types
}

// NewFromConfig builds a registry from configuration. Each enabled account
// registers an implementation for its type (first one wins), stacked with
// the rate limiter and circuit breaker decorators when configured.
func NewFromConfig(cfg config.LLMConfig, files domain.FileManager, bus domain.EventBus, logger *slog.Logger) (*Registry, error) {
	registry := NewRegistry()

	for _, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		t := domain.ProviderType(pc.Type)
		if _, err := registry.ForSettings(domain.ProviderSettings{Type: t}); err == nil {
			continue
		}

		var provider domain.Provider
		switch t {
		case domain.ProviderOpenAI:
			provider = NewOpenAIProvider(pc, files, bus, logger)
		case domain.ProviderTogether:
			provider = NewTogetherProvider(pc, files, bus, logger)
		default:
			return nil, domain.NewDomainError("llm.NewFromConfig", domain.ErrProviderNotMapped, pc.Type)
		}

		if pc.RequestsPerMinute > 0 {
			provider = NewRateLimitedProvider(provider, pc.RequestsPerMinute)
		}
		if cfg.CircuitBreaker.Enabled {
			provider = NewCircuitBreakerProvider(provider, cfg.CircuitBreaker, logger)
		}

		if err := registry.Register(t, provider); err != nil {
			return nil, err
		}
	}

	return registry, nil
}
