// Package thread manages conversation threads: the persistent message
// history an agent run reads from and writes to.
package thread

import (
	"context"
	"errors"
	"time"

	"github.com/zyztek/suna-sub004/pkg/models"
)

var (
	// ErrThreadNotFound is returned when a thread does not exist.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrMessageNotFound is returned when a message does not exist.
	ErrMessageNotFound = errors.New("message not found")
)

// Thread is a conversation container. Messages belong to exactly one thread.
type Thread struct {
	ThreadID  string    `json:"thread_id"`
	ProjectID string    `json:"project_id,omitempty"`
	AccountID string    `json:"account_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageStore is the persistence boundary for threads and messages.
type MessageStore interface {
	// CreateThread persists a new thread.
	CreateThread(ctx context.Context, t *Thread) error

	// GetThread loads a thread by ID, or ErrThreadNotFound.
	GetThread(ctx context.Context, threadID string) (*Thread, error)

	// AddMessage appends a message to a thread. MessageID and CreatedAt are
	// assigned by the store when unset.
	AddMessage(ctx context.Context, msg *models.Message) (*models.Message, error)

	// ListMessages returns a thread's messages in creation order. With
	// llmOnly set, only messages flagged is_llm_message are returned.
	ListMessages(ctx context.Context, threadID string, llmOnly bool) ([]*models.Message, error)

	// LatestMessageOfType returns the newest message of the given type on a
	// thread, or ErrMessageNotFound.
	LatestMessageOfType(ctx context.Context, threadID, msgType string) (*models.Message, error)

	// DeleteMessage removes a message. Used for one-shot attachments that
	// must not reappear in later runs.
	DeleteMessage(ctx context.Context, messageID string) error
}
