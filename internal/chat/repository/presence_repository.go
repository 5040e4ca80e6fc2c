package repository

import (
	"context"
	"fmt"
	"time"

	"roomsync/internal/chat/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type presenceRepository struct {
	db *gorm.DB
}

func NewPresenceRepository(db *gorm.DB) PresenceRepository {
	return &presenceRepository{db: db}
}

const (
	mergeLastSeen   = "GREATEST(chat_presence.last_seen_at, excluded.last_seen_at)"
	mergeIsTyping   = "CASE WHEN excluded.typing_updated_at >= chat_presence.typing_updated_at THEN excluded.is_typing ELSE chat_presence.is_typing END"
	mergeTypingTime = "GREATEST(chat_presence.typing_updated_at, excluded.typing_updated_at)"
)

// Upsert is a single-statement merge so concurrent heartbeats from the same
// user cannot move last_seen_at backwards.
func (r *presenceRepository) Upsert(ctx context.Context, rec *models.PresenceRecord) error {
	merge := clause.Assignments(map[string]any{
		"last_seen_at":      gorm.Expr(mergeLastSeen),
		"is_typing":         gorm.Expr(mergeIsTyping),
		"typing_updated_at": gorm.Expr(mergeTypingTime),
	})
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: merge,
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("upsert presence for %s: %w", rec.UserID, err)
	}
	return nil
}

func (r *presenceRepository) ListSince(ctx context.Context, since time.Time) ([]models.PresenceRecord, error) {
	var records []models.PresenceRecord
	err := r.db.WithContext(ctx).
		Where("last_seen_at >= ?", since).
		Order("user_id ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	return records, nil
}
