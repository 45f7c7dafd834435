package llm

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"curri-chat/internal/domain"
)

// RateLimitedProvider wraps a domain.Provider with a client-side request
// rate limit, smoothing bursts before they reach the backend's own 429s.
type RateLimitedProvider struct {
	inner   domain.Provider
	limiter *rate.Limiter
}

// NewRateLimitedProvider wraps inner with a requests-per-minute limit.
func NewRateLimitedProvider(inner domain.Provider, requestsPerMinute int) *RateLimitedProvider {
	return &RateLimitedProvider{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), 1),
	}
}

// Name implements domain.Provider.
func (p *RateLimitedProvider) Name() string { return p.inner.Name() }

// ListModels implements domain.Provider. Catalog fetches are interactive
// and rare; they are not limited.
func (p *RateLimitedProvider) ListModels(ctx context.Context, settings domain.ProviderSettings) ([]domain.Model, error) {
	return p.inner.ListModels(ctx, settings)
}

// GenerateText implements domain.Provider. Blocks until the limiter grants
// a slot or ctx is cancelled.
func (p *RateLimitedProvider) GenerateText(ctx context.Context, settings domain.ProviderSettings, messages []domain.Message, params domain.GenerationParams) (*domain.Chunk, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.GenerateText(ctx, settings, messages, params)
}

var _ domain.Provider = (*RateLimitedProvider)(nil)
