package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process record store for local/dev use.
type InMemoryStore struct {
	mu            sync.RWMutex
	assistants    map[string]Assistant
	conversations map[string]Conversation
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		assistants:    make(map[string]Assistant),
		conversations: make(map[string]Conversation),
	}
}

func (s *InMemoryStore) CreateAssistant(_ context.Context, a Assistant) (Assistant, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assistants[a.ID]; ok {
		return Assistant{}, ErrDuplicate
	}
	s.assistants[a.ID] = a
	return a, nil
}

func (s *InMemoryStore) GetAssistant(_ context.Context, id string) (Assistant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assistants[id]
	if !ok {
		return Assistant{}, ErrNotFound
	}
	return a, nil
}

func (s *InMemoryStore) ListAssistants(_ context.Context) ([]Assistant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Assistant, 0, len(s.assistants))
	for _, a := range s.assistants {
		out = append(out, a)
	}
	return out, nil
}

func (s *InMemoryStore) DeleteAssistant(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assistants[id]; !ok {
		return ErrNotFound
	}
	delete(s.assistants, id)
	return nil
}

func (s *InMemoryStore) CreateConversation(_ context.Context, c Conversation) (Conversation, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Status == "" {
		c.Status = "created"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[c.ID]; ok {
		return Conversation{}, ErrDuplicate
	}
	s.conversations[c.ID] = c
	return c, nil
}

func (s *InMemoryStore) GetConversation(_ context.Context, id string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return c, nil
}

func (s *InMemoryStore) UpdateConversationStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	s.conversations[id] = c
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
