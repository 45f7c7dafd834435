package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pkoukk/tiktoken-go"

	"curri-chat/internal/domain"
)

// Transformer is a pure rewrite applied to outbound messages before they
// reach a provider. Transformers never mutate their input.
type Transformer interface {
	Name() string
	Transform(ctx context.Context, messages []domain.Message) ([]domain.Message, error)
}

// TokenWindowTransformer trims oldest history so the outbound request stays
// within a token budget. A leading system message is always kept, as is the
// newest message regardless of size.
type TokenWindowTransformer struct {
	budget int
	count  func(text string) int
	logger *slog.Logger
}

// NewTokenWindowTransformer creates the transformer for a tiktoken encoding
// name such as "cl100k_base".
func NewTokenWindowTransformer(budget int, encoding string, logger *slog.Logger) (*TokenWindowTransformer, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load token encoding %q: %w", encoding, err)
	}
	count := func(text string) int {
		return len(enc.Encode(text, nil, nil))
	}
	return &TokenWindowTransformer{budget: budget, count: count, logger: logger}, nil
}

// Name implements Transformer.
func (t *TokenWindowTransformer) Name() string { return "token_window" }

// Transform implements Transformer.
func (t *TokenWindowTransformer) Transform(_ context.Context, messages []domain.Message) ([]domain.Message, error) {
	if t.budget <= 0 || len(messages) == 0 {
		return messages, nil
	}

	var system *domain.Message
	history := messages
	budget := t.budget
	if messages[0].Role == domain.RoleSystem {
		system = &messages[0]
		history = messages[1:]
		budget -= t.count(messages[0].Text())
	}
	if len(history) == 0 {
		return messages, nil
	}

	// Walk newest to oldest, keeping whatever fits. The newest message is
	// kept even when it alone exceeds the budget.
	cut := len(history)
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		tokens := t.count(history[i].Text())
		if used+tokens > budget && cut != len(history) {
			break
		}
		used += tokens
		cut = i
		if used > budget {
			break
		}
	}

	if cut == 0 {
		return messages, nil
	}
	t.logger.Debug("trimmed history to token budget",
		"dropped", cut,
		"kept", len(history)-cut,
	)

	out := make([]domain.Message, 0, len(history)-cut+1)
	if system != nil {
		out = append(out, *system)
	}
	return append(out, history[cut:]...), nil
}

var _ Transformer = (*TokenWindowTransformer)(nil)
