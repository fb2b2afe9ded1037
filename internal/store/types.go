package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

// Assistant is the immutable profile a session is created against.
type Assistant struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	SystemPrompt string    `json:"system_prompt"`
	Voice        string    `json:"voice"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"created_at"`
}

// Conversation is the durable record of a dialogue; the live message log is
// owned by the relay session and is not persisted here.
type Conversation struct {
	ID          string    `json:"id"`
	AssistantID string    `json:"assistant_id"`
	UserID      string    `json:"user_id,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists assistant and conversation records.
type Store interface {
	CreateAssistant(ctx context.Context, a Assistant) (Assistant, error)
	GetAssistant(ctx context.Context, id string) (Assistant, error)
	ListAssistants(ctx context.Context) ([]Assistant, error)
	DeleteAssistant(ctx context.Context, id string) error

	CreateConversation(ctx context.Context, c Conversation) (Conversation, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	UpdateConversationStatus(ctx context.Context, id, status string) error

	Close() error
}
