package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func textChunk(role, text string) *Chunk {
	msg := NewTextMessage(role, text)
	return &Chunk{Choices: []Choice{{Message: &msg}}}
}

func TestIsEmptyParts(t *testing.T) {
	tests := []struct {
		name  string
		parts []Part
		want  bool
	}{
		{"nil", nil, true},
		{"blank text", []Part{TextPart{Text: "   "}}, true},
		{"blank image", []Part{ImagePart{URL: ""}}, true},
		{"blank text and image", []Part{TextPart{}, ImagePart{}}, true},
		{"non-blank text", []Part{TextPart{Text: "hi"}}, false},
		{"non-blank image", []Part{ImagePart{URL: "https://x/y.png"}}, false},
		{"blank text, real image", []Part{TextPart{}, ImagePart{URL: "a.png", Local: true}}, false},
		{"tool result", []Part{ToolResultPart{ToolCallID: "c1"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsEmptyParts(tt.parts); got != tt.want {
				t.Errorf("IsEmptyParts = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidToUpload(t *testing.T) {
	withText := NewTextMessage(RoleUser, "hi")
	if !withText.ValidToUpload() {
		t.Error("message with text part should be uploadable")
	}
	imageOnly := NewMessage(RoleUser, []Part{ImagePart{URL: "a.png"}})
	if imageOnly.ValidToUpload() {
		t.Error("message without text part should not be uploadable")
	}
}

func TestFoldChunkEmptyTranscript(t *testing.T) {
	_, _, err := FoldChunk(nil, textChunk(RoleAssistant, "x"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestFoldChunkAppendsOnRoleChange(t *testing.T) {
	msgs := []Message{NewTextMessage(RoleUser, "hi")}

	out, dropped, err := FoldChunk(msgs, textChunk(RoleAssistant, "hello"))
	if err != nil {
		t.Fatalf("FoldChunk: %v", err)
	}
	if dropped != 0 {
		t.Errorf("dropped = %d, want 0", dropped)
	}
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[1].Role != RoleAssistant || out[1].Text() != "hello" {
		t.Errorf("appended = %s %q", out[1].Role, out[1].Text())
	}
	if out[1].ID == "" {
		t.Error("appended message should have an id")
	}
	// Input untouched.
	if len(msgs) != 1 {
		t.Errorf("input mutated, len = %d", len(msgs))
	}
}

func TestFoldChunkMergesSameRole(t *testing.T) {
	msgs := []Message{
		NewTextMessage(RoleUser, "hi"),
		NewTextMessage(RoleAssistant, "hel"),
	}

	out, _, err := FoldChunk(msgs, textChunk(RoleAssistant, "lo"))
	if err != nil {
		t.Fatalf("FoldChunk: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if got := out[1].Text(); got != "hello" {
		t.Errorf("text = %q, want hello", got)
	}
	if out[1].ID != msgs[1].ID {
		t.Error("merge must preserve message identity")
	}
	if msgs[1].Text() != "hel" {
		t.Error("input message mutated")
	}
}

// Folding two chunks one at a time equals folding one chunk with the
// combined text.
func TestFoldChunkConcatenationOrder(t *testing.T) {
	base := []Message{
		NewTextMessage(RoleUser, "q"),
		NewTextMessage(RoleAssistant, ""),
	}

	step1, _, err := FoldChunk(base, textChunk(RoleAssistant, "foo"))
	if err != nil {
		t.Fatalf("FoldChunk: %v", err)
	}
	step2, _, err := FoldChunk(step1, textChunk(RoleAssistant, "bar"))
	if err != nil {
		t.Fatalf("FoldChunk: %v", err)
	}
	combined, _, err := FoldChunk(base, textChunk(RoleAssistant, "foobar"))
	if err != nil {
		t.Fatalf("FoldChunk: %v", err)
	}
	if step2[1].Text() != combined[1].Text() {
		t.Errorf("stepwise = %q, combined = %q", step2[1].Text(), combined[1].Text())
	}
}

// Merging targets the first text part even when other parts precede it.
func TestFoldChunkFirstTextPart(t *testing.T) {
	msgs := []Message{
		NewTextMessage(RoleUser, "q"),
		NewMessage(RoleAssistant, []Part{
			ImagePart{URL: "a.png"},
			TextPart{Text: "one"},
			TextPart{Text: "two"},
		}),
	}

	out, _, err := FoldChunk(msgs, textChunk(RoleAssistant, "+"))
	if err != nil {
		t.Fatalf("FoldChunk: %v", err)
	}
	parts := out[1].Parts
	if got := parts[1].(TextPart).Text; got != "one+" {
		t.Errorf("first text part = %q, want one+", got)
	}
	if got := parts[2].(TextPart).Text; got != "two" {
		t.Errorf("second text part = %q, want two", got)
	}
}

// A same-role merge creates a text part when none exists.
func TestFoldChunkCreatesTextPart(t *testing.T) {
	msgs := []Message{
		NewMessage(RoleAssistant, []Part{ImagePart{URL: "a.png"}}),
	}

	out, _, err := FoldChunk(msgs, textChunk(RoleAssistant, "hi"))
	if err != nil {
		t.Fatalf("FoldChunk: %v", err)
	}
	if len(out[0].Parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(out[0].Parts))
	}
	if got := out[0].Parts[1].(TextPart).Text; got != "hi" {
		t.Errorf("created text part = %q", got)
	}
}

func TestFoldChunkDropsNonTextParts(t *testing.T) {
	msgs := []Message{NewTextMessage(RoleAssistant, "a")}
	incoming := NewMessage(RoleAssistant, []Part{
		TextPart{Text: "b"},
		ImagePart{URL: "x.png"},
	})
	chunk := &Chunk{Choices: []Choice{{Message: &incoming}}}

	out, dropped, err := FoldChunk(msgs, chunk)
	if err != nil {
		t.Fatalf("FoldChunk: %v", err)
	}
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	if got := out[0].Text(); got != "ab" {
		t.Errorf("text = %q, want ab", got)
	}
}

func TestFoldChunkNoChoices(t *testing.T) {
	msgs := []Message{NewTextMessage(RoleUser, "hi")}
	out, _, err := FoldChunk(msgs, &Chunk{})
	if err != nil {
		t.Fatalf("FoldChunk: %v", err)
	}
	if len(out) != 1 {
		t.Errorf("len = %d, want 1 (no-op)", len(out))
	}
}

func TestChoiceMsgPrefersMessage(t *testing.T) {
	full := NewTextMessage(RoleAssistant, "full")
	delta := NewTextMessage(RoleAssistant, "delta")

	c := Choice{Message: &full, Delta: &delta}
	if c.Msg().Text() != "full" {
		t.Error("Msg should prefer the complete message")
	}
	c = Choice{Delta: &delta}
	if c.Msg().Text() != "delta" {
		t.Error("Msg should fall back to the delta")
	}
}

func TestPartListJSONRoundTrip(t *testing.T) {
	msg := NewMessage(RoleUser, []Part{
		TextPart{Text: "look at this"},
		ImagePart{URL: "img/shot.png", Local: true},
		ToolResultPart{ToolCallID: "c1", ToolName: "calc", Content: json.RawMessage(`{"v":4}`)},
	})

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.ID != msg.ID || got.Role != msg.Role {
		t.Errorf("identity lost: %+v", got)
	}
	if len(got.Parts) != 3 {
		t.Fatalf("parts = %d, want 3", len(got.Parts))
	}
	if tp := got.Parts[0].(TextPart); tp.Text != "look at this" {
		t.Errorf("text part = %+v", tp)
	}
	if ip := got.Parts[1].(ImagePart); ip.URL != "img/shot.png" || !ip.Local {
		t.Errorf("image part = %+v", ip)
	}
	if tr := got.Parts[2].(ToolResultPart); tr.ToolName != "calc" {
		t.Errorf("tool part = %+v", tr)
	}
}

func TestPartListUnknownKind(t *testing.T) {
	var ps PartList
	err := json.Unmarshal([]byte(`[{"type":"video","url":"x"}]`), &ps)
	if err == nil {
		t.Fatal("expected error for unknown part kind")
	}
}

func TestMessageTextAndSummary(t *testing.T) {
	m := NewMessage(RoleAssistant, []Part{
		TextPart{Text: "line one"},
		ImagePart{URL: "a.png"},
		TextPart{Text: "line two"},
	})
	if got := m.Text(); got != "line one\nline two" {
		t.Errorf("Text = %q", got)
	}
	if got := m.Summary(); got != "assistant: line one line two" {
		t.Errorf("Summary = %q", got)
	}
}

func TestWithPartsPreservesID(t *testing.T) {
	m := NewTextMessage(RoleUser, "before")
	edited := m.WithParts([]Part{TextPart{Text: "after"}})
	if edited.ID != m.ID {
		t.Error("edit must preserve id")
	}
	if edited.Text() != "after" || m.Text() != "before" {
		t.Errorf("edited = %q, original = %q", edited.Text(), m.Text())
	}
}

func TestNewIDIsULID(t *testing.T) {
	id := NewID()
	if len(id) != 26 {
		t.Errorf("id should be a 26-char ULID, got %q (%d chars)", id, len(id))
	}
}
