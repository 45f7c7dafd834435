package domain

import (
	"context"
	"encoding/json"
	"strings"
)

// ProviderType identifies a provider implementation. The set is closed;
// adding a backend means adding a constant here and a case in the registry.
type ProviderType string

const (
	ProviderOpenAI   ProviderType = "openai"
	ProviderTogether ProviderType = "together"
)

// ModelType classifies what a model is for.
type ModelType string

const (
	ModelTypeChat      ModelType = "chat"
	ModelTypeEmbedding ModelType = "embedding"
)

// UnmarshalJSON is tolerant: providers report types outside the known set,
// and anything unrecognized is treated as a chat model.
func (t *ModelType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch ModelType(strings.ToLower(s)) {
	case ModelTypeEmbedding:
		*t = ModelTypeEmbedding
	default:
		*t = ModelTypeChat
	}
	return nil
}

// Model is one model offered by a provider.
type Model struct {
	ID   string    `json:"id"`
	Name string    `json:"name"`
	Type ModelType `json:"type"`
}

// ProviderSettings is the user-facing configuration of one provider account.
type ProviderSettings struct {
	ID      string       `json:"id"`
	Type    ProviderType `json:"type"`
	Name    string       `json:"name"`
	Enabled bool         `json:"enabled"`
	BaseURL string       `json:"base_url"`
	APIKey  string       `json:"api_key"`
	Models  []Model      `json:"models"`
}

// GenerationParams select the model and sampling knobs for one request.
// Nil sampling fields are omitted from the wire request so provider
// defaults apply.
type GenerationParams struct {
	Model       string
	Temperature *float64
	TopP        *float64
}

// Provider is the capability contract every LLM backend implements.
type Provider interface {
	Name() string
	// ListModels fetches the provider's model catalog. Failures are
	// reported out of band (notice + log) and yield an empty list.
	ListModels(ctx context.Context, settings ProviderSettings) ([]Model, error)
	// GenerateText sends the uploadable messages and returns one complete
	// chunk, or an error classified by the provider error sentinels.
	GenerateText(ctx context.Context, settings ProviderSettings, messages []Message, params GenerationParams) (*Chunk, error)
}

// FindModelByID looks a model up across all provider settings.
func FindModelByID(providers []ProviderSettings, id string) *Model {
	for _, p := range providers {
		for _, m := range p.Models {
			if m.ID == id {
				return &m
			}
		}
	}
	return nil
}

// FindProviderForModel returns the settings that list the given model.
func FindProviderForModel(providers []ProviderSettings, model Model) *ProviderSettings {
	for _, p := range providers {
		for _, m := range p.Models {
			if m.ID == model.ID {
				return &p
			}
		}
	}
	return nil
}
