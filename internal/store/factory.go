package store

import (
	"context"
	"errors"
	"strings"
)

// DefaultAssistantID names the assistant available without any setup.
const DefaultAssistantID = "default"

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

// EnsureDefaultAssistant seeds the default assistant record if it is missing.
func EnsureDefaultAssistant(ctx context.Context, s Store, systemPrompt, voice, model string) error {
	_, err := s.GetAssistant(ctx, DefaultAssistantID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	_, err = s.CreateAssistant(ctx, Assistant{
		ID:           DefaultAssistantID,
		Name:         "Default Assistant",
		SystemPrompt: systemPrompt,
		Voice:        voice,
		Model:        model,
	})
	if errors.Is(err, ErrDuplicate) {
		return nil
	}
	return err
}
