package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies a kind of event on the bus.
type EventType string

const (
	EventTranscriptUpdated   EventType = "transcript.updated"
	EventGenerationStarted   EventType = "generation.started"
	EventGenerationCompleted EventType = "generation.completed"
	EventGenerationFailed    EventType = "generation.failed"
	EventTitleUpdated        EventType = "title.updated"
	// EventProviderNotice carries user-visible provider notices, e.g. a
	// failed model-catalog fetch.
	EventProviderNotice EventType = "provider.notice"
)

// Event is the envelope published on the bus. The presentation layer
// subscribes here; it is the single error-notification channel.
type Event struct {
	Type           EventType       `json:"type"`
	Timestamp      time.Time       `json:"timestamp"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// EventHandler consumes events. Handlers run on bus goroutines and must not
// block indefinitely.
type EventHandler func(ctx context.Context, event Event)

// EventBus is the publish side consumed by usecases and adapters.
type EventBus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(eventType EventType, handler EventHandler) func()
	SubscribeAll(handler EventHandler) func()
}

// GenerationFailedPayload is the payload of EventGenerationFailed.
type GenerationFailedPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ProviderNoticePayload is the payload of EventProviderNotice.
type ProviderNoticePayload struct {
	Provider string `json:"provider"`
	Message  string `json:"message"`
}

// TitleUpdatedPayload is the payload of EventTitleUpdated.
type TitleUpdatedPayload struct {
	Title string `json:"title"`
}
