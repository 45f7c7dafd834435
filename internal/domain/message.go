package domain

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Part is one element of a message body. The set of variants is closed:
// TextPart, ImagePart, ToolResultPart.
type Part interface {
	partKind() string
}

// TextPart holds plain text.
type TextPart struct {
	Text string `json:"text"`
}

// ImagePart references an image, either a remote URL or a local file path.
type ImagePart struct {
	URL   string `json:"url"`
	Local bool   `json:"local,omitempty"`
}

// ToolResultPart carries the output of a tool invocation. It is kept for
// transcript fidelity; providers never upload it.
type ToolResultPart struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Content    json.RawMessage `json:"content,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
}

func (TextPart) partKind() string       { return "text" }
func (ImagePart) partKind() string      { return "image" }
func (ToolResultPart) partKind() string { return "tool_result" }

// PartList is an ordered sequence of parts with a tagged JSON encoding:
// each element is serialized as {"type": <kind>, ...fields}.
type PartList []Part

func (ps PartList) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(ps))
	for _, p := range ps {
		var env any
		switch v := p.(type) {
		case TextPart:
			env = struct {
				Type string `json:"type"`
				TextPart
			}{"text", v}
		case ImagePart:
			env = struct {
				Type string `json:"type"`
				ImagePart
			}{"image", v}
		case ToolResultPart:
			env = struct {
				Type string `json:"type"`
				ToolResultPart
			}{"tool_result", v}
		default:
			return nil, fmt.Errorf("marshal part: unknown kind %T", p)
		}
		raw, err := json.Marshal(env)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return json.Marshal(out)
}

func (ps *PartList) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	parts := make(PartList, 0, len(raws))
	for _, raw := range raws {
		var tag struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &tag); err != nil {
			return err
		}
		switch tag.Type {
		case "text":
			var p TextPart
			if err := json.Unmarshal(raw, &p); err != nil {
				return err
			}
			parts = append(parts, p)
		case "image":
			var p ImagePart
			if err := json.Unmarshal(raw, &p); err != nil {
				return err
			}
			parts = append(parts, p)
		case "tool_result":
			var p ToolResultPart
			if err := json.Unmarshal(raw, &p); err != nil {
				return err
			}
			parts = append(parts, p)
		default:
			return fmt.Errorf("unmarshal part: unknown kind %q", tag.Type)
		}
	}
	*ps = parts
	return nil
}

// Message is one turn of a conversation. Messages are treated as immutable
// values: every mutation produces a new Message, the ID survives edits.
type Message struct {
	ID    string   `json:"id"`
	Role  string   `json:"role"`
	Parts PartList `json:"parts"`
}

// NewMessage creates a message with a fresh id.
func NewMessage(role string, parts []Part) Message {
	return Message{ID: NewID(), Role: role, Parts: parts}
}

// NewTextMessage creates a single-text-part message.
func NewTextMessage(role, text string) Message {
	return NewMessage(role, []Part{TextPart{Text: text}})
}

// NewID returns a ULID string. ULIDs sort by creation time, which keeps
// message and conversation ids naturally ordered.
func NewID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Text returns all text parts joined with newlines.
func (m Message) Text() string {
	var texts []string
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			texts = append(texts, t.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Summary returns a one-line "role: text" rendering for title prompts.
func (m Message) Summary() string {
	text := strings.ReplaceAll(m.Text(), "\n", " ")
	return m.Role + ": " + text
}

// ValidToUpload reports whether the message can be sent to a provider.
// Providers require at least one text part.
func (m Message) ValidToUpload() bool {
	for _, p := range m.Parts {
		if _, ok := p.(TextPart); ok {
			return true
		}
	}
	return false
}

// WithParts returns a copy of m with its parts replaced. The id is preserved
// so edits keep message identity.
func (m Message) WithParts(parts []Part) Message {
	return Message{ID: m.ID, Role: m.Role, Parts: parts}
}

// IsEmptyParts reports whether every part is a blank text or a blank-url
// image. Tool results always count as content. An empty list is empty.
func IsEmptyParts(parts []Part) bool {
	for _, p := range parts {
		switch v := p.(type) {
		case TextPart:
			if strings.TrimSpace(v.Text) != "" {
				return false
			}
		case ImagePart:
			if strings.TrimSpace(v.URL) != "" {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Chunk is one unit of provider response: a complete message for the
// synchronous providers implemented here, a partial delta if a streaming
// transport is ever added.
type Chunk struct {
	ID      string
	Model   string
	Choices []Choice
	Usage   Usage
}

// Choice is one candidate completion within a chunk.
type Choice struct {
	Index        int
	Delta        *Message
	Message      *Message
	FinishReason string
}

// Msg returns the complete message if present, else the delta.
func (c Choice) Msg() *Message {
	if c.Message != nil {
		return c.Message
	}
	return c.Delta
}

// Usage holds provider-reported token counts.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// FoldChunk merges a chunk into the transcript and returns the new
// transcript plus the number of parts dropped during an incremental merge.
// The input slice is not mutated.
//
// Rules: an empty transcript is an error (the user turn is always appended
// before generation starts). If the chunk's role differs from the last
// message's, a new message is appended. Otherwise text parts concatenate
// onto the first existing text part (one is created if absent); non-text
// parts cannot be merged incrementally and are dropped.
func FoldChunk(messages []Message, chunk *Chunk) ([]Message, int, error) {
	if len(messages) == 0 {
		return nil, 0, NewDomainError("FoldChunk", ErrInvalidInput, "cannot fold into an empty transcript")
	}
	if len(chunk.Choices) == 0 {
		return messages, 0, nil
	}
	incoming := chunk.Choices[0].Msg()
	if incoming == nil {
		return messages, 0, nil
	}

	last := messages[len(messages)-1]
	if last.Role != incoming.Role {
		appended := *incoming
		if appended.ID == "" {
			appended.ID = NewID()
		}
		out := make([]Message, len(messages), len(messages)+1)
		copy(out, messages)
		return append(out, appended), 0, nil
	}

	merged := make(PartList, len(last.Parts))
	copy(merged, last.Parts)
	dropped := 0
	for _, p := range incoming.Parts {
		text, ok := p.(TextPart)
		if !ok {
			dropped++
			continue
		}
		idx := -1
		for i, existing := range merged {
			if _, ok := existing.(TextPart); ok {
				idx = i
				break
			}
		}
		if idx < 0 {
			merged = append(merged, text)
			continue
		}
		prev := merged[idx].(TextPart)
		merged[idx] = TextPart{Text: prev.Text + text.Text}
	}

	out := make([]Message, len(messages))
	copy(out, messages)
	out[len(out)-1] = last.WithParts(merged)
	return out, dropped, nil
}
