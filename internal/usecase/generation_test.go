package usecase

import (
	"context"
	"errors"
	"testing"

	"curri-chat/internal/domain"
)

// dropOldest is a transformer that keeps only the newest n messages.
type dropOldest struct{ n int }

func (d dropOldest) Name() string { return "drop_oldest" }

func (d dropOldest) Transform(_ context.Context, messages []domain.Message) ([]domain.Message, error) {
	if len(messages) <= d.n {
		return messages, nil
	}
	return messages[len(messages)-d.n:], nil
}

// failingTransformer always errors.
type failingTransformer struct{}

func (failingTransformer) Name() string { return "failing" }

func (failingTransformer) Transform(context.Context, []domain.Message) ([]domain.Message, error) {
	return nil, errors.New("transform broke")
}

func collect(t *testing.T, ch <-chan Update) []Update {
	t.Helper()
	var out []Update
	for u := range ch {
		out = append(out, u)
	}
	return out
}

func TestStreamTextEmitsSingleSnapshot(t *testing.T) {
	provider := &fakeProvider{generate: func(context.Context, int) (*domain.Chunk, error) {
		return assistantChunk("hello"), nil
	}}
	h := NewHandler(&fixedResolver{provider: provider}, "", discardLogger())

	msgs := []domain.Message{domain.NewTextMessage(domain.RoleUser, "hi")}
	updates := collect(t, h.StreamText(context.Background(), domain.ProviderSettings{}, domain.GenerationParams{Model: "m1"}, msgs, nil))

	if len(updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(updates))
	}
	if updates[0].Err != nil {
		t.Fatalf("err = %v", updates[0].Err)
	}
	got := updates[0].Messages
	if len(got) != 2 || got[1].Text() != "hello" {
		t.Errorf("snapshot = %v", transcriptTexts(domain.Conversation{Messages: got}))
	}
	// Input transcript untouched.
	if len(msgs) != 1 {
		t.Errorf("input mutated, len = %d", len(msgs))
	}
}

func TestStreamTextInjectsSystemPrompt(t *testing.T) {
	provider := &fakeProvider{generate: func(context.Context, int) (*domain.Chunk, error) {
		return assistantChunk("sure"), nil
	}}
	h := NewHandler(&fixedResolver{provider: provider}, "be concise", discardLogger())

	msgs := []domain.Message{domain.NewTextMessage(domain.RoleUser, "hi")}
	updates := collect(t, h.StreamText(context.Background(), domain.ProviderSettings{}, domain.GenerationParams{}, msgs, nil))

	outbound := provider.lastOutbound()
	if len(outbound) != 2 {
		t.Fatalf("outbound = %d, want 2", len(outbound))
	}
	if outbound[0].Role != domain.RoleSystem || outbound[0].Text() != "be concise" {
		t.Errorf("outbound[0] = %s %q", outbound[0].Role, outbound[0].Text())
	}

	// The system turn shapes the request only; the emitted snapshot is the
	// caller's transcript plus the response.
	got := updates[0].Messages
	if len(got) != 2 || got[0].Role != domain.RoleUser {
		t.Errorf("snapshot should not contain the injected system turn: %+v", got)
	}
}

func TestStreamTextKeepsExistingSystemTurn(t *testing.T) {
	provider := &fakeProvider{generate: func(context.Context, int) (*domain.Chunk, error) {
		return assistantChunk("ok"), nil
	}}
	h := NewHandler(&fixedResolver{provider: provider}, "be concise", discardLogger())

	msgs := []domain.Message{
		domain.NewTextMessage(domain.RoleSystem, "already here"),
		domain.NewTextMessage(domain.RoleUser, "hi"),
	}
	collect(t, h.StreamText(context.Background(), domain.ProviderSettings{}, domain.GenerationParams{}, msgs, nil))

	outbound := provider.lastOutbound()
	if len(outbound) != 2 {
		t.Fatalf("outbound = %d, want 2 (no duplicate system turn)", len(outbound))
	}
	if outbound[0].Text() != "already here" {
		t.Errorf("outbound[0] = %q", outbound[0].Text())
	}
}

func TestStreamTextTransformsOutboundOnly(t *testing.T) {
	provider := &fakeProvider{generate: func(context.Context, int) (*domain.Chunk, error) {
		return assistantChunk("answer"), nil
	}}
	h := NewHandler(&fixedResolver{provider: provider}, "", discardLogger())

	msgs := []domain.Message{
		domain.NewTextMessage(domain.RoleUser, "old question"),
		domain.NewTextMessage(domain.RoleAssistant, "old answer"),
		domain.NewTextMessage(domain.RoleUser, "new question"),
	}
	updates := collect(t, h.StreamText(context.Background(), domain.ProviderSettings{}, domain.GenerationParams{}, msgs, []Transformer{dropOldest{n: 1}}))

	if got := len(provider.lastOutbound()); got != 1 {
		t.Errorf("outbound = %d, want 1 (transformed)", got)
	}
	got := updates[0].Messages
	if len(got) != 4 {
		t.Errorf("snapshot = %d messages, want full transcript plus response", len(got))
	}
}

func TestStreamTextProviderError(t *testing.T) {
	wantErr := errors.New("backend down")
	provider := &fakeProvider{generate: func(context.Context, int) (*domain.Chunk, error) {
		return nil, wantErr
	}}
	h := NewHandler(&fixedResolver{provider: provider}, "", discardLogger())

	updates := collect(t, h.StreamText(context.Background(), domain.ProviderSettings{}, domain.GenerationParams{},
		[]domain.Message{domain.NewTextMessage(domain.RoleUser, "hi")}, nil))

	if len(updates) != 1 || !errors.Is(updates[0].Err, wantErr) {
		t.Errorf("updates = %+v, want single error update", updates)
	}
}

func TestStreamTextResolverError(t *testing.T) {
	h := NewHandler(&fixedResolver{err: domain.ErrProviderNotMapped}, "", discardLogger())

	updates := collect(t, h.StreamText(context.Background(), domain.ProviderSettings{}, domain.GenerationParams{},
		[]domain.Message{domain.NewTextMessage(domain.RoleUser, "hi")}, nil))

	if len(updates) != 1 || !errors.Is(updates[0].Err, domain.ErrProviderNotMapped) {
		t.Errorf("updates = %+v, want provider-not-mapped error", updates)
	}
}

func TestStreamTextTransformerError(t *testing.T) {
	provider := &fakeProvider{}
	h := NewHandler(&fixedResolver{provider: provider}, "", discardLogger())

	updates := collect(t, h.StreamText(context.Background(), domain.ProviderSettings{}, domain.GenerationParams{},
		[]domain.Message{domain.NewTextMessage(domain.RoleUser, "hi")}, []Transformer{failingTransformer{}}))

	if len(updates) != 1 || updates[0].Err == nil {
		t.Fatalf("updates = %+v, want single error update", updates)
	}
	if provider.callCount() != 0 {
		t.Error("provider must not be called when a transformer fails")
	}
}
