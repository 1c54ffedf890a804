// Package postgres implements the thread message store on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zyztek/suna-sub004/pkg/models"
	"github.com/zyztek/suna-sub004/pkg/thread"
)

// Store persists threads and messages in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store on the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ thread.MessageStore = (*Store)(nil)

// CreateThread persists a new thread, assigning an ID when unset.
func (s *Store) CreateThread(ctx context.Context, t *thread.Thread) error {
	if t.ThreadID == "" {
		t.ThreadID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO threads (thread_id, project_id, account_id, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5)`,
		t.ThreadID, t.ProjectID, t.AccountID, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

// GetThread loads a thread by ID.
func (s *Store) GetThread(ctx context.Context, threadID string) (*thread.Thread, error) {
	var t thread.Thread
	err := s.pool.QueryRow(ctx, `
		SELECT thread_id, COALESCE(project_id, ''), COALESCE(account_id, ''), created_at, updated_at
		FROM threads WHERE thread_id = $1`, threadID).
		Scan(&t.ThreadID, &t.ProjectID, &t.AccountID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, thread.ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query thread: %w", err)
	}
	return &t, nil
}

// AddMessage appends a message, assigning MessageID and CreatedAt when unset.
func (s *Store) AddMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (message_id, thread_id, type, role, content, is_llm_message, metadata, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)`,
		msg.MessageID, msg.ThreadID, msg.Type, msg.Role, msg.Content,
		msg.IsLLMMessage, msg.Metadata, msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	_, err = s.pool.Exec(ctx, `UPDATE threads SET updated_at = now() WHERE thread_id = $1`, msg.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("touch thread: %w", err)
	}
	return msg, nil
}

// ListMessages returns a thread's messages in creation order.
func (s *Store) ListMessages(ctx context.Context, threadID string, llmOnly bool) ([]*models.Message, error) {
	query := `
		SELECT message_id, thread_id, type, COALESCE(role, ''), content, is_llm_message, metadata, created_at
		FROM messages WHERE thread_id = $1`
	if llmOnly {
		query += ` AND is_llm_message`
	}
	query += ` ORDER BY created_at, message_id`

	rows, err := s.pool.Query(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// LatestMessageOfType returns the newest message of the given type.
func (s *Store) LatestMessageOfType(ctx context.Context, threadID, msgType string) (*models.Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT message_id, thread_id, type, COALESCE(role, ''), content, is_llm_message, metadata, created_at
		FROM messages
		WHERE thread_id = $1 AND type = $2
		ORDER BY created_at DESC, message_id DESC LIMIT 1`,
		threadID, msgType)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, thread.ErrMessageNotFound
	}
	return msg, err
}

// DeleteMessage removes a message by ID.
func (s *Store) DeleteMessage(ctx context.Context, messageID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE message_id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return thread.ErrMessageNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	err := row.Scan(&msg.MessageID, &msg.ThreadID, &msg.Type, &msg.Role,
		&msg.Content, &msg.IsLLMMessage, &msg.Metadata, &msg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pgx.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	return &msg, nil
}
