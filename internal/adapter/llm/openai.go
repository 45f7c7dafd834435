package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"curri-chat/internal/domain"
	"curri-chat/internal/infra/config"
	"curri-chat/internal/infra/tracer"
)

// OpenAIProvider implements domain.Provider for any OpenAI-compatible API
// (OpenAI itself, OpenRouter, and similar gateways).
type OpenAIProvider struct {
	name   string
	client *http.Client
	files  domain.FileManager
	bus    domain.EventBus
	logger *slog.Logger
}

// NewOpenAIProvider creates a provider with configured timeouts and pooling.
func NewOpenAIProvider(cfg config.ProviderConfig, files domain.FileManager, bus domain.EventBus, logger *slog.Logger) *OpenAIProvider {
	name := cfg.Name
	if name == "" {
		name = string(domain.ProviderOpenAI)
	}
	return &OpenAIProvider{
		name:   name,
		client: NewHTTPClient(cfg),
		files:  files,
		bus:    bus,
		logger: logger,
	}
}

// Name implements domain.Provider.
func (p *OpenAIProvider) Name() string { return p.name }

// ListModels implements domain.Provider. Failures never propagate: the user
// gets a notice, the log gets the detail, and the caller gets an empty
// catalog it can render.
func (p *OpenAIProvider) ListModels(ctx context.Context, settings domain.ProviderSettings) ([]domain.Model, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.list_models",
		trace.WithAttributes(tracer.StringAttr("llm.provider", p.name)),
	)
	defer span.End()

	url := baseURL(settings, "https://api.openai.com/v1") + "/models"
	body, err := doGetRequest(ctx, p.client, url, authHeaders(settings.APIKey))
	if err != nil {
		tracer.RecordError(span, err)
		publishModelListFailure(ctx, p.bus, p.logger, p.name, err)
		return []domain.Model{}, nil
	}

	var resp struct {
		Data []struct {
			ID          string           `json:"id"`
			DisplayName string           `json:"display_name"`
			Type        domain.ModelType `json:"type"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		tracer.RecordError(span, err)
		publishModelListFailure(ctx, p.bus, p.logger, p.name, fmt.Errorf("unmarshal models: %w", err))
		return []domain.Model{}, nil
	}

	models := make([]domain.Model, 0, len(resp.Data))
	for _, m := range resp.Data {
		name := m.DisplayName
		if name == "" {
			name = m.ID
		}
		typ := m.Type
		if typ == "" {
			typ = domain.ModelTypeChat
		}
		models = append(models, domain.Model{ID: m.ID, Name: name, Type: typ})
	}
	tracer.SetOK(span)
	return models, nil
}

// GenerateText implements domain.Provider.
func (p *OpenAIProvider) GenerateText(ctx context.Context, settings domain.ProviderSettings, messages []domain.Message, params domain.GenerationParams) (*domain.Chunk, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.generate_text",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", params.Model),
		),
	)
	defer span.End()

	wireMsgs, err := buildWireMessages(messages, p.files)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderError, err)
	}

	body, err := json.Marshal(chatRequest{
		Model:       params.Model,
		Messages:    wireMsgs,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		Stream:      false,
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := baseURL(settings, "https://api.openai.com/v1") + "/chat/completions"
	respBody, err := doJSONRequest(ctx, p.client, url, body, authHeaders(settings.APIKey))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var resp chatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("%w: unmarshal response: %s", domain.ErrProviderError, err)
	}
	if len(resp.Choices) == 0 {
		err := domain.NewDomainError("OpenAIProvider.GenerateText", domain.ErrEmptyResult, "response has no choices")
		tracer.RecordError(span, err)
		return nil, err
	}

	chunk := fromChatResponse(resp)
	setUsageAttrs(span, chunk.Usage)
	tracer.SetOK(span)
	logGenerationCompleted(p.logger, p.name, chunk)

	return chunk, nil
}

// baseURL picks the account base URL, trimmed, with a fallback.
func baseURL(settings domain.ProviderSettings, fallback string) string {
	u := strings.TrimRight(settings.BaseURL, "/")
	if u == "" {
		return fallback
	}
	return u
}

// publishModelListFailure logs a failed catalog fetch and surfaces it as a
// user-visible notice.
func publishModelListFailure(ctx context.Context, bus domain.EventBus, logger *slog.Logger, provider string, err error) {
	logger.Warn("model list fetch failed", "provider", provider, "error", err)
	if bus == nil {
		return
	}
	payload, _ := json.Marshal(domain.ProviderNoticePayload{
		Provider: provider,
		Message:  fmt.Sprintf("could not fetch models from %s: %s", provider, err),
	})
	bus.Publish(ctx, domain.Event{
		Type:      domain.EventProviderNotice,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

var _ domain.Provider = (*OpenAIProvider)(nil)
