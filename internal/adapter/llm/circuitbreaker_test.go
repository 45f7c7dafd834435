package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"curri-chat/internal/domain"
	"curri-chat/internal/infra/config"
)

func TestCircuitBreakerPassesThrough(t *testing.T) {
	inner := &scriptedProvider{name: "ok", chunk: &domain.Chunk{ID: "c1"}}
	p := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{}, testLogger())

	chunk, err := p.GenerateText(context.Background(), domain.ProviderSettings{}, nil, domain.GenerationParams{})
	if err != nil {
		t.Fatalf("GenerateText: %v", err)
	}
	if chunk.ID != "c1" {
		t.Errorf("chunk = %+v", chunk)
	}
	if p.State() != gobreaker.StateClosed {
		t.Errorf("state = %s, want closed", p.State())
	}
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &scriptedProvider{name: "flaky", err: errors.New("boom")}
	cfg := config.CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Hour}
	p := NewCircuitBreakerProvider(inner, cfg, testLogger())

	for i := 0; i < 2; i++ {
		_, err := p.GenerateText(context.Background(), domain.ProviderSettings{}, nil, domain.GenerationParams{})
		if err == nil || !strings.Contains(err.Error(), "boom") {
			t.Fatalf("call %d: err = %v, want inner error", i, err)
		}
	}
	if p.State() != gobreaker.StateOpen {
		t.Fatalf("state = %s, want open", p.State())
	}

	// Open circuit fails fast without touching the provider.
	calls := inner.calls
	_, err := p.GenerateText(context.Background(), domain.ProviderSettings{}, nil, domain.GenerationParams{})
	if !errors.Is(err, domain.ErrProviderError) {
		t.Errorf("err = %v, want ErrProviderError", err)
	}
	if inner.calls != calls {
		t.Error("open circuit must not call the provider")
	}
}

func TestCircuitBreakerListModelsBypasses(t *testing.T) {
	inner := &scriptedProvider{name: "flaky", err: errors.New("boom")}
	cfg := config.CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Hour}
	p := NewCircuitBreakerProvider(inner, cfg, testLogger())

	p.GenerateText(context.Background(), domain.ProviderSettings{}, nil, domain.GenerationParams{})
	if p.State() != gobreaker.StateOpen {
		t.Fatalf("state = %s, want open", p.State())
	}
	if _, err := p.ListModels(context.Background(), domain.ProviderSettings{}); err != nil {
		t.Errorf("ListModels should bypass the open breaker, got %v", err)
	}
}

func TestRateLimitedProviderCancelledContext(t *testing.T) {
	inner := &scriptedProvider{name: "slow", chunk: &domain.Chunk{}}
	p := NewRateLimitedProvider(inner, 1)

	// First call consumes the single burst slot.
	if _, err := p.GenerateText(context.Background(), domain.ProviderSettings{}, nil, domain.GenerationParams{}); err != nil {
		t.Fatalf("GenerateText: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.GenerateText(ctx, domain.ProviderSettings{}, nil, domain.GenerationParams{})
	if err == nil {
		t.Fatal("expected error from cancelled wait")
	}
	if inner.calls != 1 {
		t.Errorf("inner calls = %d, want 1", inner.calls)
	}
}
