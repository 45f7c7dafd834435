package usecase

import (
	"context"
	"testing"

	"curri-chat/internal/domain"
)

// newCharBudgetTransformer counts one token per character, which keeps the
// tests independent of any real encoding.
func newCharBudgetTransformer(budget int) *TokenWindowTransformer {
	return &TokenWindowTransformer{
		budget: budget,
		count:  func(text string) int { return len(text) },
		logger: discardLogger(),
	}
}

func TestTokenWindowUnderBudget(t *testing.T) {
	tr := newCharBudgetTransformer(100)
	msgs := []domain.Message{
		domain.NewTextMessage(domain.RoleUser, "aaaa"),
		domain.NewTextMessage(domain.RoleAssistant, "bbbb"),
	}

	out, err := tr.Transform(context.Background(), msgs)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if len(out) != 2 {
		t.Errorf("len = %d, want 2 (untouched)", len(out))
	}
}

func TestTokenWindowTrimsOldest(t *testing.T) {
	tr := newCharBudgetTransformer(5)
	msgs := []domain.Message{
		domain.NewTextMessage(domain.RoleUser, "aaaa"),
		domain.NewTextMessage(domain.RoleAssistant, "bbbb"),
		domain.NewTextMessage(domain.RoleUser, "cc"),
	}

	out, err := tr.Transform(context.Background(), msgs)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if len(out) != 1 || out[0].Text() != "cc" {
		t.Errorf("out = %v", transcriptTexts(domain.Conversation{Messages: out}))
	}
}

func TestTokenWindowKeepsSystemTurn(t *testing.T) {
	tr := newCharBudgetTransformer(10)
	msgs := []domain.Message{
		domain.NewTextMessage(domain.RoleSystem, "ssss"),
		domain.NewTextMessage(domain.RoleUser, "aaaa"),
		domain.NewTextMessage(domain.RoleAssistant, "bbbb"),
	}

	out, err := tr.Transform(context.Background(), msgs)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0].Role != domain.RoleSystem {
		t.Error("system turn must survive trimming")
	}
	if out[1].Text() != "bbbb" {
		t.Errorf("kept = %q, want the newest message", out[1].Text())
	}
}

func TestTokenWindowKeepsNewestOverBudget(t *testing.T) {
	tr := newCharBudgetTransformer(3)
	msgs := []domain.Message{
		domain.NewTextMessage(domain.RoleUser, "aaaaaaaa"),
	}

	out, err := tr.Transform(context.Background(), msgs)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if len(out) != 1 {
		t.Errorf("the newest message is kept even when it alone exceeds the budget, got %d", len(out))
	}
}

func TestTokenWindowZeroBudgetDisabled(t *testing.T) {
	tr := newCharBudgetTransformer(0)
	msgs := []domain.Message{
		domain.NewTextMessage(domain.RoleUser, "anything at all"),
	}

	out, err := tr.Transform(context.Background(), msgs)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if len(out) != 1 {
		t.Errorf("zero budget disables trimming, got %d", len(out))
	}
}
