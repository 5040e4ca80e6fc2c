package repository

import (
	"context"
	"fmt"

	"roomsync/internal/chat/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type reactionRepository struct {
	db *gorm.DB
}

func NewReactionRepository(db *gorm.DB) ReactionRepository {
	return &reactionRepository{db: db}
}

func (r *reactionRepository) Find(ctx context.Context, key models.ReactionKey) (*models.Reaction, error) {
	var reaction models.Reaction
	err := r.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ? AND emoji = ?", key.MessageID, key.UserID, key.Emoji).
		First(&reaction).Error
	if err != nil {
		return nil, translate("find reaction", err)
	}
	return &reaction, nil
}

// Insert relies on the unique triple index; a concurrent duplicate is a no-op.
func (r *reactionRepository) Insert(ctx context.Context, reaction *models.Reaction) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(reaction)
	if result.Error != nil {
		return false, fmt.Errorf("insert reaction: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *reactionRepository) Delete(ctx context.Context, key models.ReactionKey) (bool, error) {
	result := r.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ? AND emoji = ?", key.MessageID, key.UserID, key.Emoji).
		Delete(&models.Reaction{})
	if result.Error != nil {
		return false, fmt.Errorf("delete reaction: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *reactionRepository) ListByMessages(ctx context.Context, messageIDs []string) ([]models.Reaction, error) {
	if len(messageIDs) == 0 {
		return []models.Reaction{}, nil
	}
	var reactions []models.Reaction
	err := r.db.WithContext(ctx).
		Where("message_id IN ?", messageIDs).
		Order("created_at ASC, id ASC").
		Find(&reactions).Error
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	return reactions, nil
}
