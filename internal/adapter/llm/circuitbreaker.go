package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"curri-chat/internal/domain"
	"curri-chat/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerProvider wraps a domain.Provider with circuit breaker
// protection on the generation path. When the wrapped provider fails
// repeatedly, the circuit opens and subsequent calls fail fast without
// reaching the provider, preventing retry storms.
type CircuitBreakerProvider struct {
	inner   domain.Provider
	breaker *gobreaker.CircuitBreaker[*domain.Chunk]
	logger  *slog.Logger
}

// NewCircuitBreakerProvider wraps inner with a circuit breaker.
// Zero-valued cfg fields fall back to defaults.
func NewCircuitBreakerProvider(inner domain.Provider, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerProvider {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	name := inner.Name()
	cb := gobreaker.NewCircuitBreaker[*domain.Chunk](gobreaker.Settings{
		Name:        "llm:" + name,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &CircuitBreakerProvider{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

// Name implements domain.Provider.
func (p *CircuitBreakerProvider) Name() string { return p.inner.Name() }

// ListModels implements domain.Provider. Catalog fetches already degrade to
// an empty list on failure, so they bypass the breaker.
func (p *CircuitBreakerProvider) ListModels(ctx context.Context, settings domain.ProviderSettings) ([]domain.Model, error) {
	return p.inner.ListModels(ctx, settings)
}

// GenerateText implements domain.Provider. Calls are routed through the
// circuit breaker.
func (p *CircuitBreakerProvider) GenerateText(ctx context.Context, settings domain.ProviderSettings, messages []domain.Message, params domain.GenerationParams) (*domain.Chunk, error) {
	chunk, err := p.breaker.Execute(func() (*domain.Chunk, error) {
		return p.inner.GenerateText(ctx, settings, messages, params)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: provider %q circuit open: %s", domain.ErrProviderError, p.inner.Name(), err)
		}
		return nil, err
	}
	return chunk, nil
}

// State returns the current circuit breaker state for monitoring.
func (p *CircuitBreakerProvider) State() gobreaker.State {
	return p.breaker.State()
}

// Counts returns the current circuit breaker failure/success counts.
func (p *CircuitBreakerProvider) Counts() gobreaker.Counts {
	return p.breaker.Counts()
}

var _ domain.Provider = (*CircuitBreakerProvider)(nil)

// --- Connection Pooling ---

// Default connection pool settings optimized for LLM API usage patterns:
// few hosts, high concurrency, long-lived connections.
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 120 * time.Second
)

// NewPooledTransport creates an http.Transport with connection pooling
// optimized for LLM API calls.
func NewPooledTransport(connTimeout, respTimeout time.Duration, pool config.PoolConfig) *http.Transport {
	if connTimeout == 0 {
		connTimeout = 30 * time.Second
	}
	if respTimeout == 0 {
		respTimeout = 120 * time.Second
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	maxIdlePerHost := pool.MaxIdleConnsPerHost
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = defaultMaxIdleConnsPerHost
	}
	maxConnsPerHost := pool.MaxConnsPerHost
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = defaultMaxConnsPerHost
	}
	idleTimeout := pool.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleConnTimeout
	}

	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: respTimeout,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		MaxConnsPerHost:       maxConnsPerHost,
		IdleConnTimeout:       idleTimeout,
		ForceAttemptHTTP2:     true,
	}
}

// Default provider timeouts.
const (
	defaultConnTimeout = 30 * time.Second
	defaultRespTimeout = 120 * time.Second
)

// NewHTTPClient creates an *http.Client with pooled transport and timeout
// defaults suitable for LLM providers.
func NewHTTPClient(cfg config.ProviderConfig) *http.Client {
	connTimeout := cfg.ConnTimeout
	if connTimeout == 0 {
		connTimeout = defaultConnTimeout
	}
	respTimeout := cfg.RespTimeout
	if respTimeout == 0 {
		respTimeout = defaultRespTimeout
	}

	return &http.Client{
		Transport: NewPooledTransport(connTimeout, respTimeout, cfg.Pool),
		Timeout:   connTimeout + respTimeout,
	}
}
