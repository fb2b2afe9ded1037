package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists assistant and conversation records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS assistants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL,
			voice TEXT NOT NULL,
			model TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			assistant_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_assistant ON conversations (assistant_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateAssistant(ctx context.Context, a Assistant) (Assistant, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO assistants (id, name, description, system_prompt, voice, model, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		a.ID, a.Name, a.Description, a.SystemPrompt, a.Voice, a.Model, a.CreatedAt,
	)
	if err != nil {
		return Assistant{}, fmt.Errorf("create assistant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Assistant{}, ErrDuplicate
	}
	return a, nil
}

func (s *PostgresStore) GetAssistant(ctx context.Context, id string) (Assistant, error) {
	var a Assistant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, system_prompt, voice, model, created_at
		 FROM assistants WHERE id=$1`, id,
	).Scan(&a.ID, &a.Name, &a.Description, &a.SystemPrompt, &a.Voice, &a.Model, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Assistant{}, ErrNotFound
	}
	if err != nil {
		return Assistant{}, fmt.Errorf("get assistant: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListAssistants(ctx context.Context) ([]Assistant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, description, system_prompt, voice, model, created_at
		 FROM assistants ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list assistants: %w", err)
	}
	defer rows.Close()

	var out []Assistant
	for rows.Next() {
		var a Assistant
		if err := rows.Scan(&a.ID, &a.Name, &a.Description, &a.SystemPrompt, &a.Voice, &a.Model, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan assistant row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assistant rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteAssistant(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM assistants WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete assistant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Status == "" {
		c.Status = "created"
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, assistant_id, user_id, status, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		c.ID, c.AssistantID, c.UserID, c.Status, c.CreatedAt,
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Conversation{}, ErrDuplicate
	}
	return c, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var c Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, assistant_id, user_id, status, created_at
		 FROM conversations WHERE id=$1`, id,
	).Scan(&c.ID, &c.AssistantID, &c.UserID, &c.Status, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) UpdateConversationStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET status=$2 WHERE id=$1`, id, status)
	if err != nil {
		return fmt.Errorf("update conversation status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
