// Package repository is the durable store collaborator of the chat engine: one
// repository per table, each write scoped to a single row.
package repository

import (
	"context"
	"time"

	"roomsync/internal/chat/models"
)

type MessageRepository interface {
	Insert(ctx context.Context, msg *models.ChatMessage) error
	Get(ctx context.Context, id string) (*models.ChatMessage, error)
	GetBySubmission(ctx context.Context, submissionID string) (*models.ChatMessage, error)
	Update(ctx context.Context, msg *models.ChatMessage) error
	// ListAfter returns up to limit messages strictly after cursor, ascending.
	ListAfter(ctx context.Context, cursor models.MessageCursor, limit int) ([]models.ChatMessage, error)
	// ListBefore returns up to limit messages strictly before cursor, ascending.
	ListBefore(ctx context.Context, cursor models.MessageCursor, limit int) ([]models.ChatMessage, error)
	// ListLatest returns the newest limit messages, ascending.
	ListLatest(ctx context.Context, limit int) ([]models.ChatMessage, error)
}

type PresenceRepository interface {
	// Upsert merges rec into the stored row: last_seen_at never decreases and an
	// older typing update never overwrites a newer one.
	Upsert(ctx context.Context, rec *models.PresenceRecord) error
	ListSince(ctx context.Context, since time.Time) ([]models.PresenceRecord, error)
}

type ReactionRepository interface {
	Find(ctx context.Context, key models.ReactionKey) (*models.Reaction, error)
	// Insert reports false when the triple already existed.
	Insert(ctx context.Context, reaction *models.Reaction) (bool, error)
	// Delete reports false when nothing matched.
	Delete(ctx context.Context, key models.ReactionKey) (bool, error)
	ListByMessages(ctx context.Context, messageIDs []string) ([]models.Reaction, error)
}

// Store bundles the three table repositories.
type Store struct {
	Messages  MessageRepository
	Presence  PresenceRepository
	Reactions ReactionRepository
}
