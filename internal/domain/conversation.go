package domain

import (
	"context"
	"time"
)

// Conversation is a persisted chat transcript. Title starts blank and is
// filled in once by the background title job after the first exchange.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewConversation returns an in-memory placeholder for id. "New chat" is a
// conversation that has not been persisted yet.
func NewConversation(id string) Conversation {
	now := time.Now()
	return Conversation{ID: id, CreatedAt: now, UpdatedAt: now}
}

// ConversationRepository is the durable store for conversations.
type ConversationRepository interface {
	GetAll(ctx context.Context) ([]Conversation, error)
	GetByID(ctx context.Context, id string) (*Conversation, error)
	SearchByTitle(ctx context.Context, query string) ([]Conversation, error)
	Insert(ctx context.Context, c Conversation) error
	Update(ctx context.Context, c Conversation) error
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) error
}

// FileManager resolves local image references for upload and garbage
// collects local files that messages no longer reference.
type FileManager interface {
	// ResolveImage returns the uploadable form of an image part: a base64
	// data URL for local files, the URL unchanged otherwise.
	ResolveImage(part ImagePart) (string, error)
	// DeleteOrphans removes local image files referenced by before but not
	// by after. Pass an empty after to release everything.
	DeleteOrphans(before, after []Message) error
}
