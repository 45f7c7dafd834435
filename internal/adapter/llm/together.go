package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"curri-chat/internal/domain"
	"curri-chat/internal/infra/config"
	"curri-chat/internal/infra/tracer"
)

// TogetherProvider implements domain.Provider for the Together AI API.
// The chat endpoint is OpenAI-compatible; the models endpoint returns a
// bare array with display names instead of the {"data": [...]} envelope.
type TogetherProvider struct {
	name   string
	client *http.Client
	files  domain.FileManager
	bus    domain.EventBus
	logger *slog.Logger
}

// NewTogetherProvider creates a provider with configured timeouts and pooling.
func NewTogetherProvider(cfg config.ProviderConfig, files domain.FileManager, bus domain.EventBus, logger *slog.Logger) *TogetherProvider {
	name := cfg.Name
	if name == "" {
		name = string(domain.ProviderTogether)
	}
	return &TogetherProvider{
		name:   name,
		client: NewHTTPClient(cfg),
		files:  files,
		bus:    bus,
		logger: logger,
	}
}

// Name implements domain.Provider.
func (p *TogetherProvider) Name() string { return p.name }

// ListModels implements domain.Provider.
func (p *TogetherProvider) ListModels(ctx context.Context, settings domain.ProviderSettings) ([]domain.Model, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.list_models",
		trace.WithAttributes(tracer.StringAttr("llm.provider", p.name)),
	)
	defer span.End()

	url := baseURL(settings, "https://api.together.xyz/v1") + "/models"
	body, err := doGetRequest(ctx, p.client, url, authHeaders(settings.APIKey))
	if err != nil {
		tracer.RecordError(span, err)
		publishModelListFailure(ctx, p.bus, p.logger, p.name, err)
		return []domain.Model{}, nil
	}

	var items []struct {
		ID          string           `json:"id"`
		DisplayName string           `json:"display_name"`
		Type        domain.ModelType `json:"type"`
	}
	if err := json.Unmarshal(body, &items); err != nil {
		tracer.RecordError(span, err)
		publishModelListFailure(ctx, p.bus, p.logger, p.name, fmt.Errorf("unmarshal models: %w", err))
		return []domain.Model{}, nil
	}

	models := make([]domain.Model, 0, len(items))
	for _, m := range items {
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
func (p *TogetherProvider) GenerateText(ctx context.Context, settings domain.ProviderSettings, messages []domain.Message, params domain.GenerationParams) (*domain.Chunk, error) {
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

	url := baseURL(settings, "https://api.together.xyz/v1") + "/chat/completions"
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
		err := domain.NewDomainError("TogetherProvider.GenerateText", domain.ErrEmptyResult, "response has no choices")
		tracer.RecordError(span, err)
		return nil, err
	}

	chunk := fromChatResponse(resp)
	setUsageAttrs(span, chunk.Usage)
	tracer.SetOK(span)
	logGenerationCompleted(p.logger, p.name, chunk)

	return chunk, nil
}

var _ domain.Provider = (*TogetherProvider)(nil)
