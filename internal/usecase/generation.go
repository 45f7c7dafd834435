package usecase

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"curri-chat/internal/domain"
	"curri-chat/internal/infra/tracer"
)

// ProviderResolver resolves the implementation for a provider account.
// Satisfied by the llm adapter's Registry.
type ProviderResolver interface {
	ForSettings(settings domain.ProviderSettings) (domain.Provider, error)
}

// Update is one transcript snapshot emitted during a generation attempt.
// Exactly one of Messages or Err is meaningful.
type Update struct {
	Messages []domain.Message
	Err      error
}

// Handler orchestrates one generation attempt: provider resolution, system
// prompt injection, the transformer pipeline, the provider call, and the
// fold into the transcript.
type Handler struct {
	resolver     ProviderResolver
	systemPrompt string
	logger       *slog.Logger
}

// NewHandler creates a generation handler. systemPrompt may be empty; when
// set it is prepended to every outbound request that lacks a system turn.
func NewHandler(resolver ProviderResolver, systemPrompt string, logger *slog.Logger) *Handler {
	return &Handler{
		resolver:     resolver,
		systemPrompt: systemPrompt,
		logger:       logger,
	}
}

// StreamText runs one generation attempt and returns a channel of transcript
// snapshots. The providers implemented here are synchronous, so exactly one
// update (a snapshot or an error) is emitted before the channel closes; the
// channel shape is the seam for incremental delivery.
//
// The transformer pipeline shapes only the outbound request; the emitted
// snapshot is the untransformed transcript with the response folded in.
// Persistence is the caller's job.
func (h *Handler) StreamText(ctx context.Context, settings domain.ProviderSettings, params domain.GenerationParams, messages []domain.Message, transformers []Transformer) <-chan Update {
	ch := make(chan Update, 1)

	go func() {
		defer close(ch)

		ctx, span := tracer.StartSpan(ctx, "generation.stream_text",
			trace.WithAttributes(
				tracer.StringAttr("llm.provider", settings.Name),
				tracer.StringAttr("llm.model", params.Model),
				tracer.IntAttr("transcript.len", len(messages)),
			),
		)
		defer span.End()

		provider, err := h.resolver.ForSettings(settings)
		if err != nil {
			tracer.RecordError(span, err)
			ch <- Update{Err: err}
			return
		}

		outbound := messages
		if h.systemPrompt != "" && (len(outbound) == 0 || outbound[0].Role != domain.RoleSystem) {
			withSystem := make([]domain.Message, 0, len(outbound)+1)
			withSystem = append(withSystem, domain.NewTextMessage(domain.RoleSystem, h.systemPrompt))
			outbound = append(withSystem, outbound...)
		}

		for _, t := range transformers {
			outbound, err = t.Transform(ctx, outbound)
			if err != nil {
				tracer.RecordError(span, err)
				ch <- Update{Err: domain.WrapOp("transform "+t.Name(), err)}
				return
			}
		}

		chunk, err := provider.GenerateText(ctx, settings, outbound, params)
		if err != nil {
			tracer.RecordError(span, err)
			ch <- Update{Err: err}
			return
		}

		folded, dropped, err := domain.FoldChunk(messages, chunk)
		if err != nil {
			tracer.RecordError(span, err)
			ch <- Update{Err: err}
			return
		}
		if dropped > 0 {
			h.logger.Warn("dropped non-text parts during incremental merge",
				"provider", provider.Name(),
				"parts", dropped,
			)
		}

		tracer.SetOK(span)
		ch <- Update{Messages: folded}
	}()

	return ch
}
